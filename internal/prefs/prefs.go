// Package prefs persists the device's durable state: the push
// subscription, the missed-notification fetch cursor, the last successful
// check time and the encrypted alarm set. State lives in a single
// owner-only JSON file; alarm payloads stay encrypted at rest.
package prefs

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veilbox/veilbox/internal/alarm"
)

type fileData struct {
	SseInfo                         *alarm.SseInfo                     `json:"sseInfo,omitempty"`
	LastProcessedNotificationID     string                             `json:"lastProcessedNotificationId,omitempty"`
	LastMissedNotificationCheckTime *time.Time                         `json:"lastMissedNotificationCheckTime,omitempty"`
	Alarms                          []alarm.EncryptedAlarmNotification `json:"repeatingAlarmNotifications,omitempty"`
}

// Store is the file-backed preference store. It implements alarm.Preferences.
type Store struct {
	path string

	mu   sync.Mutex
	data fileData
}

// Open loads the preference file at path, starting empty if it does not
// exist yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read preferences: %w", err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("failed to parse preferences: %w", err)
	}
	return s, nil
}

func (s *Store) SseInfo() *alarm.SseInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.SseInfo == nil {
		return nil
	}
	info := *s.data.SseInfo
	info.UserIDs = append([]string(nil), s.data.SseInfo.UserIDs...)
	return &info
}

// StorePushIdentity records the push subscription. An empty pushIdentifier
// generates a fresh one; a known userID is not duplicated. Returns the
// effective push identifier.
func (s *Store) StorePushIdentity(pushIdentifier, userID, origin string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pushIdentifier == "" {
		pushIdentifier = uuid.NewString()
	}
	info := s.data.SseInfo
	if info == nil || info.PushIdentifier != pushIdentifier {
		info = &alarm.SseInfo{PushIdentifier: pushIdentifier}
	}
	info.SseOrigin = origin
	found := false
	for _, id := range info.UserIDs {
		if id == userID {
			found = true
			break
		}
	}
	if !found {
		info.UserIDs = append(info.UserIDs, userID)
	}
	s.data.SseInfo = info
	if err := s.persistLocked(); err != nil {
		return "", err
	}
	return pushIdentifier, nil
}

// RemoveUser drops a user from the subscription. Removing an unknown user
// is not an error.
func (s *Store) RemoveUser(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.data.SseInfo
	if info == nil {
		return nil
	}
	kept := info.UserIDs[:0]
	for _, id := range info.UserIDs {
		if id != userID {
			kept = append(kept, id)
		}
	}
	info.UserIDs = kept
	return s.persistLocked()
}

func (s *Store) LastProcessedNotificationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.LastProcessedNotificationID
}

func (s *Store) SetLastProcessedNotificationID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.LastProcessedNotificationID = id
	return s.persistLocked()
}

func (s *Store) LastMissedNotificationCheckTime() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.LastMissedNotificationCheckTime == nil {
		return time.Time{}, false
	}
	return *s.data.LastMissedNotificationCheckTime, true
}

func (s *Store) SetLastMissedNotificationCheckTime(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.LastMissedNotificationCheckTime = &t
	return s.persistLocked()
}

func (s *Store) Alarms() ([]alarm.EncryptedAlarmNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alarm.EncryptedAlarmNotification(nil), s.data.Alarms...), nil
}

func (s *Store) StoreAlarms(alarms []alarm.EncryptedAlarmNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Alarms = append([]alarm.EncryptedAlarmNotification(nil), alarms...)
	return s.persistLocked()
}

// Clear empties the user list, the alarm set, the cursor and the check
// time. The push identifier itself is kept so the device stays
// addressable.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.SseInfo != nil {
		s.data.SseInfo.UserIDs = nil
	}
	s.data.Alarms = nil
	s.data.LastProcessedNotificationID = ""
	s.data.LastMissedNotificationCheckTime = nil
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace preferences: %w", err)
	}
	return nil
}
