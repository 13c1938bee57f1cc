// Package alarm implements the reconciliation engine that keeps local
// calendar alarms consistent with server-pushed, end-to-end-encrypted alarm
// events: missed-notification fetch, per-notification session key
// resolution, field decryption, repeat rule expansion and maintenance of
// the durable alarm set.
package alarm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/veilbox/veilbox/internal/aescrypto"
)

// Operation is the server-assigned mutation tag of an alarm notification.
type Operation string

const (
	OpCreate Operation = "0"
	OpUpdate Operation = "1"
	OpDelete Operation = "2"
)

// NotificationSessionKey is one candidate wrapped session key. The server
// sends one per device registration; any of them may unwrap.
type NotificationSessionKey struct {
	PushIdentifierID string `json:"pushIdentifierId"`
	EncSessionKey    []byte `json:"encSessionKey"`
}

// EncryptedRepeatRule carries the encrypted recurrence descriptor. All
// fields decrypt together or the whole alarm is rejected; a partially
// decrypted rule is not a valid state.
type EncryptedRepeatRule struct {
	Frequency []byte `json:"frequency"`
	Interval  []byte `json:"interval"`
	TimeZone  []byte `json:"timeZone"`
	EndType   []byte `json:"endType"`
	EndValue  []byte `json:"endValue"`
}

// EncryptedAlarmNotification is one server-issued, end-to-end-encrypted
// alarm event. Identity is the alarm identifier alone; content never enters
// equality decisions. Decryption is transient and computed per use, the
// stored form stays encrypted.
type EncryptedAlarmNotification struct {
	Operation               Operation                `json:"operation"`
	AlarmIdentifier         string                   `json:"alarmIdentifier"`
	UserID                  string                   `json:"userId,omitempty"`
	EventStart              []byte                   `json:"eventStart"`
	EventEnd                []byte                   `json:"eventEnd"`
	Summary                 []byte                   `json:"summary"`
	Trigger                 []byte                   `json:"trigger"`
	RepeatRule              *EncryptedRepeatRule     `json:"repeatRule,omitempty"`
	NotificationSessionKeys []NotificationSessionKey `json:"notificationSessionKeys"`
}

// MissedNotification is the response body of the missed-notification fetch.
type MissedNotification struct {
	LastProcessedNotificationID string                       `json:"lastProcessedNotificationId"`
	AlarmNotifications          []EncryptedAlarmNotification `json:"alarmNotifications"`
}

// SseInfo is the push subscription state: which device registration we
// hold, which server delivers for it and which users it covers. An empty
// user list means no active subscription.
type SseInfo struct {
	PushIdentifier string   `json:"pushIdentifier"`
	SseOrigin      string   `json:"sseOrigin"`
	UserIDs        []string `json:"userIds"`
}

// DecodeError reports a malformed payload at the trust boundary. Shapes are
// validated once on decode so the engine never deals with partially formed
// notifications.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed notification payload: %s: %v", e.Reason, e.Err)
	}
	return "malformed notification payload: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeMissedNotification decodes and validates a missed-notification
// response body.
func DecodeMissedNotification(data []byte) (*MissedNotification, error) {
	var mn MissedNotification
	if err := json.Unmarshal(data, &mn); err != nil {
		return nil, &DecodeError{Reason: "invalid JSON", Err: err}
	}
	for i, n := range mn.AlarmNotifications {
		if n.AlarmIdentifier == "" {
			return nil, &DecodeError{Reason: fmt.Sprintf("notification %d has no alarm identifier", i)}
		}
		if n.Operation == "" {
			return nil, &DecodeError{Reason: fmt.Sprintf("notification %s has no operation", n.AlarmIdentifier)}
		}
	}
	return &mn, nil
}

// RepeatPeriod is the decrypted recurrence frequency unit.
type RepeatPeriod int

const (
	RepeatDaily RepeatPeriod = iota
	RepeatWeekly
	RepeatMonthly
	RepeatAnnually
)

// EndType is the decrypted recurrence end condition.
type EndType int

const (
	EndNever EndType = iota
	EndCount
	EndUntilDate
)

// RepeatRule is the decrypted recurrence descriptor.
type RepeatRule struct {
	Frequency RepeatPeriod
	Interval  int
	EndType   EndType
	EndValue  int64
	Location  *time.Location
}

// decryptString decrypts a field to its UTF-8 plaintext.
func decryptString(sessionKey, enc []byte) (string, error) {
	plaintext, err := aescrypto.Decrypt(sessionKey, enc, true, true)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// decryptTime decrypts a field holding a decimal millisecond timestamp.
func decryptTime(sessionKey, enc []byte) (time.Time, error) {
	s, err := decryptString(sessionKey, enc)
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, &DecodeError{Reason: "timestamp field is not a number", Err: err}
	}
	return time.UnixMilli(ms).UTC(), nil
}

// decryptInt decrypts a field holding a decimal integer.
func decryptInt(sessionKey, enc []byte) (int64, error) {
	s, err := decryptString(sessionKey, enc)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, &DecodeError{Reason: "numeric field is not a number", Err: err}
	}
	return v, nil
}

// DecryptRepeatRule decrypts every rule field. Any single failure rejects
// the rule as a whole.
func DecryptRepeatRule(sessionKey []byte, enc *EncryptedRepeatRule) (*RepeatRule, error) {
	frequency, err := decryptInt(sessionKey, enc.Frequency)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt repeat frequency: %w", err)
	}
	interval, err := decryptInt(sessionKey, enc.Interval)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt repeat interval: %w", err)
	}
	endType, err := decryptInt(sessionKey, enc.EndType)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt repeat end type: %w", err)
	}
	endValue, err := decryptInt(sessionKey, enc.EndValue)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt repeat end value: %w", err)
	}
	tzName, err := decryptString(sessionKey, enc.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt repeat timezone: %w", err)
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("unknown repeat timezone %q: %w", tzName, err)
	}

	if frequency < int64(RepeatDaily) || frequency > int64(RepeatAnnually) {
		return nil, &DecodeError{Reason: fmt.Sprintf("repeat frequency %d out of range", frequency)}
	}
	if endType < int64(EndNever) || endType > int64(EndUntilDate) {
		return nil, &DecodeError{Reason: fmt.Sprintf("repeat end type %d out of range", endType)}
	}
	if interval < 1 {
		interval = 1
	}

	return &RepeatRule{
		Frequency: RepeatPeriod(frequency),
		Interval:  int(interval),
		EndType:   EndType(endType),
		EndValue:  endValue,
		Location:  loc,
	}, nil
}
