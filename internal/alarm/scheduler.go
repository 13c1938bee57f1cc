package alarm

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ScheduledAlarm is one occurrence handed to the platform scheduler.
// OccurrenceID is stable across reprocessing of the same notification, so
// re-scheduling an occurrence overwrites rather than duplicates it.
type ScheduledAlarm struct {
	OccurrenceID string
	Identifier   string
	AlarmTime    time.Time
	EventTime    time.Time
	EventEnd     time.Time
	Summary      string
}

// OccurrenceID builds the stable platform identifier of one occurrence of
// an alarm.
func OccurrenceID(identifier string, occurrence int) string {
	return fmt.Sprintf("%s#%d", identifier, occurrence)
}

// Scheduler is the platform alarm surface. Cancel removes every occurrence
// of the named alarm and must succeed when none are scheduled.
type Scheduler interface {
	Schedule(a ScheduledAlarm) error
	Cancel(identifier string) error
}

// MemoryScheduler keeps scheduled occurrences in memory. It backs the
// daemon on platforms without a native notification bridge and the tests.
type MemoryScheduler struct {
	mu      sync.Mutex
	pending map[string]ScheduledAlarm
}

func NewMemoryScheduler() *MemoryScheduler {
	return &MemoryScheduler{pending: make(map[string]ScheduledAlarm)}
}

func (s *MemoryScheduler) Schedule(a ScheduledAlarm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[a.OccurrenceID] = a
	log.Debug().
		Str("occurrence", a.OccurrenceID).
		Time("at", a.AlarmTime).
		Msg("Scheduled alarm occurrence")
	return nil
}

func (s *MemoryScheduler) Cancel(identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.pending {
		if a.Identifier == identifier {
			delete(s.pending, id)
		}
	}
	return nil
}

// Pending returns the scheduled occurrences ordered by alarm time.
func (s *MemoryScheduler) Pending() []ScheduledAlarm {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduledAlarm, 0, len(s.pending))
	for _, a := range s.pending {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AlarmTime.Before(out[j].AlarmTime) })
	return out
}
