package alarm

import (
	"testing"
	"time"
)

func mustLocation(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("failed to load location %s: %v", name, err)
	}
	return loc
}

func TestExpandWeeklyCount(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(time.Hour)
	rule := &RepeatRule{Frequency: RepeatWeekly, Interval: 1, EndType: EndCount, EndValue: 5, Location: time.UTC}

	occurrences, err := ExpandOccurrences(start, start.Add(time.Hour), 30*time.Minute, rule, now, time.UTC, DefaultScheduleAhead)
	if err != nil {
		t.Fatalf("ExpandOccurrences failed: %v", err)
	}

	if len(occurrences) != 5 {
		t.Fatalf("occurrences = %d, want 5", len(occurrences))
	}
	for i, occ := range occurrences {
		wantEvent := start.Add(time.Duration(i) * 7 * 24 * time.Hour)
		if !occ.EventTime.Equal(wantEvent) {
			t.Errorf("occurrence %d event time = %v, want %v", i, occ.EventTime, wantEvent)
		}
		if !occ.AlarmTime.Equal(wantEvent.Add(-30 * time.Minute)) {
			t.Errorf("occurrence %d alarm time = %v", i, occ.AlarmTime)
		}
		if occ.Index != i {
			t.Errorf("occurrence %d index = %d", i, occ.Index)
		}
	}
}

func TestExpandNeverEndingIsCapped(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(time.Hour)
	rule := &RepeatRule{Frequency: RepeatDaily, Interval: 1, EndType: EndNever, Location: time.UTC}

	occurrences, err := ExpandOccurrences(start, start.Add(time.Hour), 5*time.Minute, rule, now, time.UTC, DefaultScheduleAhead)
	if err != nil {
		t.Fatalf("ExpandOccurrences failed: %v", err)
	}
	if len(occurrences) != DefaultScheduleAhead {
		t.Errorf("occurrences = %d, want %d", len(occurrences), DefaultScheduleAhead)
	}
}

func TestExpandUntilDate(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(time.Hour)
	until := start.Add(72 * time.Hour)
	rule := &RepeatRule{Frequency: RepeatDaily, Interval: 1, EndType: EndUntilDate, EndValue: until.UnixMilli(), Location: time.UTC}

	occurrences, err := ExpandOccurrences(start, start.Add(time.Hour), 5*time.Minute, rule, now, time.UTC, DefaultScheduleAhead)
	if err != nil {
		t.Fatalf("ExpandOccurrences failed: %v", err)
	}
	if len(occurrences) != 4 {
		t.Errorf("occurrences = %d, want 4", len(occurrences))
	}
	for _, occ := range occurrences {
		if occ.EventTime.After(until) {
			t.Errorf("occurrence %v past the until date %v", occ.EventTime, until)
		}
	}
}

func TestExpandSkipsPastOccurrences(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(-10 * 24 * time.Hour)
	rule := &RepeatRule{Frequency: RepeatDaily, Interval: 1, EndType: EndNever, Location: time.UTC}

	occurrences, err := ExpandOccurrences(start, start.Add(time.Hour), 5*time.Minute, rule, now, time.UTC, DefaultScheduleAhead)
	if err != nil {
		t.Fatalf("ExpandOccurrences failed: %v", err)
	}
	if len(occurrences) != DefaultScheduleAhead {
		t.Fatalf("occurrences = %d, want %d", len(occurrences), DefaultScheduleAhead)
	}
	for _, occ := range occurrences {
		if !occ.AlarmTime.After(now) {
			t.Errorf("occurrence alarm time %v not in the future", occ.AlarmTime)
		}
	}
}

func TestExpandKeepsWallClockAcrossDST(t *testing.T) {
	berlin := mustLocation(t, "Europe/Berlin")
	// DST starts in Berlin on 2026-03-29.
	start := time.Date(2026, 3, 27, 9, 0, 0, 0, berlin)
	now := start.Add(-24 * time.Hour)
	rule := &RepeatRule{Frequency: RepeatDaily, Interval: 1, EndType: EndCount, EndValue: 5, Location: berlin}

	occurrences, err := ExpandOccurrences(start.UTC(), start.Add(time.Hour).UTC(), 5*time.Minute, rule, now, berlin, DefaultScheduleAhead)
	if err != nil {
		t.Fatalf("ExpandOccurrences failed: %v", err)
	}
	if len(occurrences) != 5 {
		t.Fatalf("occurrences = %d, want 5", len(occurrences))
	}
	for i, occ := range occurrences {
		if got := occ.EventTime.In(berlin).Hour(); got != 9 {
			t.Errorf("occurrence %d fires at %d:00 local, want 9:00", i, got)
		}
	}
	first := occurrences[0].EventTime.UTC().Hour()
	last := occurrences[4].EventTime.UTC().Hour()
	if first == last {
		t.Errorf("UTC hour should shift across the DST transition, got %d for both", first)
	}
}

func TestExpandIntervalSteps(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(time.Hour)
	rule := &RepeatRule{Frequency: RepeatDaily, Interval: 3, EndType: EndCount, EndValue: 3, Location: time.UTC}

	occurrences, err := ExpandOccurrences(start, start.Add(time.Hour), 0, rule, now, time.UTC, DefaultScheduleAhead)
	if err != nil {
		t.Fatalf("ExpandOccurrences failed: %v", err)
	}
	if len(occurrences) != 3 {
		t.Fatalf("occurrences = %d, want 3", len(occurrences))
	}
	for i, occ := range occurrences {
		want := start.Add(time.Duration(i) * 3 * 24 * time.Hour)
		if !occ.EventTime.Equal(want) {
			t.Errorf("occurrence %d = %v, want %v", i, occ.EventTime, want)
		}
	}
}
