// Package agenda renders the upcoming alarm occurrences as an iCalendar
// document, so the otherwise-encrypted schedule can be inspected or fed to
// a calendar client.
package agenda

import (
	ics "github.com/arran4/golang-ical"

	"github.com/veilbox/veilbox/internal/alarm"
)

// ExportICS serializes upcoming occurrences into an iCalendar document.
// Each occurrence becomes its own VEVENT keyed by its occurrence ID.
func ExportICS(occurrences []alarm.ScheduledAlarm) string {
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId("-//veilbox//alarm agenda//EN")
	for _, occ := range occurrences {
		ev := cal.AddEvent(occ.OccurrenceID)
		ev.SetDtStampTime(occ.AlarmTime)
		ev.SetStartAt(occ.EventTime)
		if !occ.EventEnd.IsZero() {
			ev.SetEndAt(occ.EventEnd)
		}
		ev.SetSummary(occ.Summary)
	}
	return cal.Serialize()
}
