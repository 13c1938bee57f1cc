package main

import (
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/veilbox/veilbox/internal/aescrypto"
)

func newRegisterCommand() *cobra.Command {
	var (
		userID         string
		origin         string
		pushIdentifier string
		deviceKeyHex   string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a push subscription for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" || origin == "" {
				return fmt.Errorf("--user and --origin are required")
			}
			_, store, keys, err := loadEnvironment()
			if err != nil {
				return err
			}

			var deviceKey []byte
			if deviceKeyHex != "" {
				deviceKey, err = hex.DecodeString(deviceKeyHex)
				if err != nil {
					return fmt.Errorf("invalid device key: %w", err)
				}
			} else {
				deviceKey, err = aescrypto.GenerateKey(aescrypto.KeyLength256)
				if err != nil {
					return err
				}
			}

			id, err := store.StorePushIdentity(pushIdentifier, userID, origin)
			if err != nil {
				return err
			}
			if err := keys.Put(id, deviceKey); err != nil {
				return err
			}
			log.Info().Str("pushIdentifier", id).Str("userId", userID).Msg("Push subscription registered")
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User ID to subscribe")
	cmd.Flags().StringVar(&origin, "origin", "", "Push origin URL")
	cmd.Flags().StringVar(&pushIdentifier, "push-identifier", "", "Existing push identifier (generated when empty)")
	cmd.Flags().StringVar(&deviceKeyHex, "device-key", "", "Hex-encoded device key (generated when empty)")
	return cmd
}
