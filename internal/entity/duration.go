package entity

import (
	"fmt"
	"strings"
	"time"
)

var durationUnits = []struct {
	secs  int64
	label string
}{
	{7 * 24 * 3600, "w"},
	{24 * 3600, "d"},
	{3600, "h"},
	{60, "m"},
	{1, "s"},
}

// FormatDuration renders a duration as a compact "1w 2d 3h 4m 5s" string,
// omitting zero-valued units.
func FormatDuration(d time.Duration) string {
	secs := int64(d.Seconds())
	if secs < 1 {
		return "0s"
	}

	var b strings.Builder
	for _, unit := range durationUnits {
		n := secs / unit.secs
		secs %= unit.secs
		if n != 0 {
			fmt.Fprintf(&b, "%d%s ", n, unit.label)
		}
	}

	return strings.TrimSpace(b.String())
}
