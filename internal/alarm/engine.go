package alarm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veilbox/veilbox/internal/aescrypto"
	"github.com/veilbox/veilbox/internal/metrics"
)

// MissedNotificationTTL is how long the server retains missed-notification
// records. Once a device has been offline longer than this, its cursor and
// stored alarms may be arbitrarily stale and local state must be rebuilt
// from scratch.
const MissedNotificationTTL = 30 * 24 * time.Hour

// Preferences is the durable device state the engine reads and writes:
// push subscription, fetch cursor, last successful check time and the
// encrypted alarm set.
type Preferences interface {
	SseInfo() *SseInfo
	RemoveUser(userID string) error
	LastProcessedNotificationID() string
	SetLastProcessedNotificationID(id string) error
	LastMissedNotificationCheckTime() (time.Time, bool)
	SetLastMissedNotificationCheckTime(t time.Time) error
	Alarms() ([]EncryptedAlarmNotification, error)
	StoreAlarms(alarms []EncryptedAlarmNotification) error
	Clear() error
}

// Config carries the engine's collaborators. Prefs, Keys, Scheduler and
// Client are required; the rest default.
type Config struct {
	Prefs     Preferences
	Keys      KeyStore
	Scheduler Scheduler
	Client    *Client

	// ScheduleAhead caps materialized occurrences per repeating alarm.
	// Zero means DefaultScheduleAhead.
	ScheduleAhead int
	// Local is the timezone alarms fire in. Nil means time.Local.
	Local   *time.Location
	Metrics *metrics.Engine
	// Now and Sleep exist for the tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Engine reconciles server-pushed encrypted alarm notifications with the
// local platform scheduler and the durable alarm set.
type Engine struct {
	prefs         Preferences
	keys          KeyStore
	scheduler     Scheduler
	client        *Client
	scheduleAhead int
	local         *time.Location
	metrics       *metrics.Engine
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error

	// fetchMu serializes missed-notification fetches. A caller entering
	// while a fetch is in flight blocks until that fetch, including its
	// whole retry chain, has resolved.
	fetchMu sync.Mutex
	// processMu serializes batch processing against the durable alarm set.
	processMu sync.Mutex
}

func NewEngine(cfg Config) *Engine {
	e := &Engine{
		prefs:         cfg.Prefs,
		keys:          cfg.Keys,
		scheduler:     cfg.Scheduler,
		client:        cfg.Client,
		scheduleAhead: cfg.ScheduleAhead,
		local:         cfg.Local,
		metrics:       cfg.Metrics,
		now:           cfg.Now,
		sleep:         cfg.Sleep,
	}
	if e.scheduleAhead <= 0 {
		e.scheduleAhead = DefaultScheduleAhead
	}
	if e.local == nil {
		e.local = time.Local
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.sleep == nil {
		e.sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}
	return e
}

// FetchMissedNotifications downloads and processes the missed-notification
// record for this device. Concurrent callers collapse onto a single
// in-flight fetch: the second caller waits for the first to fully resolve
// before running its own.
//
// A credential rejection drops the offending user and retries with the
// next one; a service suspension waits the server-requested delay and
// retries. Other failures are terminal for this attempt.
func (e *Engine) FetchMissedNotifications(ctx context.Context) error {
	e.fetchMu.Lock()
	defer e.fetchMu.Unlock()

	for {
		info := e.prefs.SseInfo()
		if info == nil {
			log.Debug().Msg("No push subscription, skipping missed notification fetch")
			return nil
		}
		if len(info.UserIDs) == 0 {
			log.Info().Msg("No users left on push subscription, unscheduling all alarms")
			return e.unscheduleAlarmsForUser("")
		}
		userID := info.UserIDs[0]

		e.metrics.FetchAttempt()
		missed, err := e.client.FetchMissed(ctx, info.SseOrigin, info.PushIdentifier, userID, e.prefs.LastProcessedNotificationID())
		switch {
		case err == nil:
			if err := e.prefs.SetLastMissedNotificationCheckTime(e.now()); err != nil {
				return fmt.Errorf("failed to record notification check time: %w", err)
			}
			if missed.LastProcessedNotificationID != "" {
				if err := e.prefs.SetLastProcessedNotificationID(missed.LastProcessedNotificationID); err != nil {
					return fmt.Errorf("failed to record notification cursor: %w", err)
				}
			}
			return e.ProcessNewAlarms(missed.AlarmNotifications)

		case errors.Is(err, ErrNotFound):
			log.Debug().Msg("No missed notifications on server")
			return nil

		case errors.Is(err, ErrNotAuthenticated):
			log.Warn().Str("userId", userID).Msg("Not authenticated, dropping user from subscription")
			if err := e.unscheduleAlarmsForUser(userID); err != nil {
				return err
			}
			if err := e.prefs.RemoveUser(userID); err != nil {
				return fmt.Errorf("failed to remove user %s: %w", userID, err)
			}
			continue

		default:
			var susp *SuspensionError
			if errors.As(err, &susp) {
				log.Info().Dur("retryAfter", susp.RetryAfter).Msg("Notification service suspended, waiting")
				if err := e.sleep(ctx, susp.RetryAfter); err != nil {
					return err
				}
				continue
			}
			e.metrics.FetchFailure()
			return fmt.Errorf("failed to fetch missed notifications: %w", err)
		}
	}
}

// ProcessNewAlarms applies a batch of alarm notifications to the platform
// scheduler and the durable alarm set. Per-item failures are contained:
// the rest of the batch still applies, the durable set is flushed exactly
// once, and the combined error is returned.
func (e *Engine) ProcessNewAlarms(notifications []EncryptedAlarmNotification) error {
	e.processMu.Lock()
	defer e.processMu.Unlock()

	saved, err := e.prefs.Alarms()
	if err != nil {
		return fmt.Errorf("failed to load stored alarms: %w", err)
	}

	var errs []error
	for _, n := range notifications {
		if err := e.applyNotification(&saved, n); err != nil {
			e.metrics.ItemFailure()
			log.Error().Err(err).
				Str("alarmIdentifier", n.AlarmIdentifier).
				Str("operation", string(n.Operation)).
				Msg("Failed to process alarm notification")
			errs = append(errs, fmt.Errorf("alarm %s: %w", n.AlarmIdentifier, err))
		}
	}

	if err := e.prefs.StoreAlarms(saved); err != nil {
		errs = append(errs, fmt.Errorf("failed to store alarms: %w", err))
	}
	log.Info().Int("count", len(notifications)).Msg("Processed alarm notifications")
	return errors.Join(errs...)
}

func alarmIndex(alarms []EncryptedAlarmNotification, identifier string) int {
	for i, a := range alarms {
		if a.AlarmIdentifier == identifier {
			return i
		}
	}
	return -1
}

func (e *Engine) applyNotification(saved *[]EncryptedAlarmNotification, n EncryptedAlarmNotification) error {
	i := alarmIndex(*saved, n.AlarmIdentifier)
	switch n.Operation {
	case OpCreate:
		if err := e.scheduleAlarm(n); err != nil {
			return err
		}
		if i < 0 {
			*saved = append(*saved, n)
		}
		return nil

	case OpUpdate:
		// The replacement may produce fewer occurrences than what is
		// currently scheduled, so clear the old ones first.
		if err := e.scheduler.Cancel(n.AlarmIdentifier); err != nil {
			log.Warn().Err(err).Str("alarmIdentifier", n.AlarmIdentifier).Msg("Failed to cancel alarm before update")
		}
		if err := e.scheduleAlarm(n); err != nil {
			return err
		}
		if i < 0 {
			*saved = append(*saved, n)
		} else {
			(*saved)[i] = n
		}
		return nil

	case OpDelete:
		if err := e.scheduler.Cancel(n.AlarmIdentifier); err != nil {
			return fmt.Errorf("failed to cancel alarm: %w", err)
		}
		e.metrics.AlarmCancelled()
		if i >= 0 {
			*saved = append((*saved)[:i], (*saved)[i+1:]...)
		}
		return nil
	}
	// An unknown operation means the server and client disagree about the
	// protocol. Processing further notifications could corrupt the alarm
	// set, so this is fatal.
	panic(fmt.Sprintf("unexpected alarm operation %q for alarm %s", n.Operation, n.AlarmIdentifier))
}

// scheduleAlarm resolves the session key, decrypts the alarm fields and
// hands the bounded set of future occurrences to the platform scheduler.
func (e *Engine) scheduleAlarm(n EncryptedAlarmNotification) error {
	occurrences, summary, err := e.expandAlarm(n)
	if err != nil {
		return err
	}
	for _, occ := range occurrences {
		sa := ScheduledAlarm{
			OccurrenceID: OccurrenceID(n.AlarmIdentifier, occ.Index),
			Identifier:   n.AlarmIdentifier,
			AlarmTime:    occ.AlarmTime,
			EventTime:    occ.EventTime,
			EventEnd:     occ.EventEnd,
			Summary:      summary,
		}
		if err := e.scheduler.Schedule(sa); err != nil {
			return fmt.Errorf("failed to schedule occurrence %s: %w", sa.OccurrenceID, err)
		}
		e.metrics.AlarmScheduled()
	}
	return nil
}

// expandAlarm decrypts one stored alarm and materializes its future
// occurrences.
func (e *Engine) expandAlarm(n EncryptedAlarmNotification) ([]Occurrence, string, error) {
	sessionKey, err := e.ResolveSessionKey(n)
	if err != nil {
		return nil, "", err
	}
	start, err := decryptTime(sessionKey, n.EventStart)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decrypt event start: %w", err)
	}
	end, err := decryptTime(sessionKey, n.EventEnd)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decrypt event end: %w", err)
	}
	summary, err := decryptString(sessionKey, n.Summary)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decrypt summary: %w", err)
	}
	triggerStr, err := decryptString(sessionKey, n.Trigger)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decrypt trigger: %w", err)
	}
	trigger, err := ParseTrigger(triggerStr)
	if err != nil {
		return nil, "", err
	}

	if n.RepeatRule == nil {
		startLocal := start.In(e.local)
		alarmTime := startLocal.Add(-trigger)
		if !alarmTime.After(e.now()) {
			return nil, summary, nil
		}
		return []Occurrence{{
			Index:     0,
			AlarmTime: alarmTime,
			EventTime: startLocal,
			EventEnd:  end.In(e.local),
		}}, summary, nil
	}

	rule, err := DecryptRepeatRule(sessionKey, n.RepeatRule)
	if err != nil {
		return nil, "", err
	}
	occurrences, err := ExpandOccurrences(start, end, trigger, rule, e.now(), e.local, e.scheduleAhead)
	if err != nil {
		return nil, "", err
	}
	return occurrences, summary, nil
}

// ResolveSessionKey tries every session key candidate of a notification in
// order and returns the first that unwraps. Candidates whose push
// identifier is unknown to the key store are skipped; a candidate that
// fails to unwrap records its error and the search continues.
func (e *Engine) ResolveSessionKey(n EncryptedAlarmNotification) ([]byte, error) {
	var lastErr error
	for _, cand := range n.NotificationSessionKeys {
		deviceKey, ok, err := e.keys.Key(cand.PushIdentifierID)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Str("pushIdentifierId", cand.PushIdentifierID).Msg("Failed to load push identifier key")
			continue
		}
		if !ok {
			continue
		}
		sessionKey, err := aescrypto.UnwrapKey(deviceKey, cand.EncSessionKey)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Str("pushIdentifierId", cand.PushIdentifierID).Msg("Failed to unwrap session key candidate")
			continue
		}
		return sessionKey, nil
	}
	return nil, &SessionKeyUnresolvedError{Identifier: n.AlarmIdentifier, Last: lastErr}
}

// unscheduleAlarmsForUser cancels and forgets the stored alarms of one
// user, or of every user when userID is empty.
func (e *Engine) unscheduleAlarmsForUser(userID string) error {
	e.processMu.Lock()
	defer e.processMu.Unlock()

	saved, err := e.prefs.Alarms()
	if err != nil {
		return fmt.Errorf("failed to load stored alarms: %w", err)
	}
	kept := saved[:0]
	for _, a := range saved {
		if userID != "" && a.UserID != userID {
			kept = append(kept, a)
			continue
		}
		if err := e.scheduler.Cancel(a.AlarmIdentifier); err != nil {
			log.Warn().Err(err).Str("alarmIdentifier", a.AlarmIdentifier).Msg("Failed to cancel alarm")
			kept = append(kept, a)
			continue
		}
		e.metrics.AlarmCancelled()
	}
	if err := e.prefs.StoreAlarms(kept); err != nil {
		return fmt.Errorf("failed to store alarms: %w", err)
	}
	return nil
}

// HasNotificationTTLExpired reports whether the last successful check is so
// old that the server may have already dropped our missed-notification
// record. Devices that never checked have nothing to invalidate.
func (e *Engine) HasNotificationTTLExpired() bool {
	last, ok := e.prefs.LastMissedNotificationCheckTime()
	if !ok {
		return false
	}
	return e.now().Sub(last) > MissedNotificationTTL
}

// ResetStoredState cancels every scheduled alarm and clears the device
// state so the next fetch rebuilds from a clean slate.
func (e *Engine) ResetStoredState() error {
	log.Info().Msg("Resetting stored alarm state")
	if err := e.unscheduleAlarmsForUser(""); err != nil {
		return err
	}
	if err := e.prefs.Clear(); err != nil {
		return fmt.Errorf("failed to clear preferences: %w", err)
	}
	return nil
}

// UpcomingOccurrences decrypts the stored alarm set and returns every
// future occurrence ordered by alarm time. Alarms that fail to decrypt are
// skipped with a log entry.
func (e *Engine) UpcomingOccurrences() ([]ScheduledAlarm, error) {
	e.processMu.Lock()
	defer e.processMu.Unlock()

	saved, err := e.prefs.Alarms()
	if err != nil {
		return nil, fmt.Errorf("failed to load stored alarms: %w", err)
	}
	var out []ScheduledAlarm
	for _, n := range saved {
		occurrences, summary, err := e.expandAlarm(n)
		if err != nil {
			log.Warn().Err(err).Str("alarmIdentifier", n.AlarmIdentifier).Msg("Skipping undecryptable alarm")
			continue
		}
		for _, occ := range occurrences {
			out = append(out, ScheduledAlarm{
				OccurrenceID: OccurrenceID(n.AlarmIdentifier, occ.Index),
				Identifier:   n.AlarmIdentifier,
				AlarmTime:    occ.AlarmTime,
				EventTime:    occ.EventTime,
				EventEnd:     occ.EventEnd,
				Summary:      summary,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AlarmTime.Before(out[j].AlarmTime) })
	return out, nil
}
