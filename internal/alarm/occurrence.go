package alarm

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

// DefaultScheduleAhead is how many future occurrences of a repeating alarm
// are materialized per alarm. Platform notification slots are a scarce
// shared resource, so expansion is always bounded.
const DefaultScheduleAhead = 24

// maxExpansionIterations bounds rule iteration independently of the
// schedule-ahead window, so a rule whose occurrences all lie in the past
// cannot spin forever.
const maxExpansionIterations = 5000

// Occurrence is one materialized future firing of a repeating alarm.
// Times are in the device-local timezone.
type Occurrence struct {
	Index     int
	AlarmTime time.Time
	EventTime time.Time
	EventEnd  time.Time
}

var rrulePeriods = map[RepeatPeriod]rrule.Frequency{
	RepeatDaily:    rrule.DAILY,
	RepeatWeekly:   rrule.WEEKLY,
	RepeatMonthly:  rrule.MONTHLY,
	RepeatAnnually: rrule.YEARLY,
}

// ExpandOccurrences materializes the future occurrences of a repeating
// event. Recurrence steps in the rule's own timezone, so wall-clock times
// survive DST transitions; each produced occurrence is then converted to
// local. Occurrences whose alarm time is not strictly in the future are
// skipped, and at most scheduleAhead occurrences are returned.
func ExpandOccurrences(eventStart, eventEnd time.Time, trigger time.Duration, rule *RepeatRule, now time.Time, local *time.Location, scheduleAhead int) ([]Occurrence, error) {
	if scheduleAhead <= 0 {
		scheduleAhead = DefaultScheduleAhead
	}
	freq, ok := rrulePeriods[rule.Frequency]
	if !ok {
		return nil, fmt.Errorf("unsupported repeat frequency %d", rule.Frequency)
	}
	opt := rrule.ROption{
		Freq:     freq,
		Interval: rule.Interval,
		Dtstart:  eventStart.In(rule.Location),
	}
	switch rule.EndType {
	case EndCount:
		opt.Count = int(rule.EndValue)
	case EndUntilDate:
		opt.Until = time.UnixMilli(rule.EndValue).In(rule.Location)
	}
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("failed to build recurrence rule: %w", err)
	}

	duration := eventEnd.Sub(eventStart)
	next := r.Iterator()
	var occurrences []Occurrence
	for i := 0; i < maxExpansionIterations; i++ {
		occ, ok := next()
		if !ok {
			break
		}
		occLocal := occ.In(local)
		alarmTime := occLocal.Add(-trigger)
		if !alarmTime.After(now) {
			continue
		}
		occurrences = append(occurrences, Occurrence{
			Index:     i,
			AlarmTime: alarmTime,
			EventTime: occLocal,
			EventEnd:  occLocal.Add(duration),
		})
		if len(occurrences) >= scheduleAhead {
			break
		}
	}
	return occurrences, nil
}
