package alarm

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseTrigger parses an alarm trigger offset such as "5M", "1H", "1D" or
// "1W": how long before the event the alarm fires. Units are M (minutes),
// H (hours), D (days) and W (weeks).
func ParseTrigger(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid alarm trigger %q", s)
	}
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid alarm trigger %q", s)
	}
	switch strings.ToUpper(string(unit)) {
	case "M":
		return time.Duration(n) * time.Minute, nil
	case "H":
		return time.Duration(n) * time.Hour, nil
	case "D":
		return time.Duration(n) * 24 * time.Hour, nil
	case "W":
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("invalid alarm trigger %q", s)
}
