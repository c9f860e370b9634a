package devices

import (
	"fmt"
	"regexp"
)

var (
	uptimeDaysRe    = regexp.MustCompile(`(\d+)\s*days?`)
	uptimeHoursRe   = regexp.MustCompile(`(\d+)\s*(?:hours?|hrs?)`)
	uptimeMinutesRe = regexp.MustCompile(`(\d+)\s*(?:minutes?|mins?)`)
	uptimeSecondsRe = regexp.MustCompile(`(\d+)\s*(?:seconds?|secs?)`)
)

// uptimeComponents extracts days/hours/minutes/seconds from a free-text
// uptime string such as "4 days, 12 hours, 17 minutes". Missing
// components are zero.
func uptimeComponents(uptime string) (days, hours, minutes, seconds int) {
	grab := func(re *regexp.Regexp) int {
		m := re.FindStringSubmatch(uptime)
		if m == nil {
			return 0
		}
		var n int
		fmt.Sscanf(m[1], "%d", &n)
		return n
	}
	return grab(uptimeDaysRe), grab(uptimeHoursRe), grab(uptimeMinutesRe), grab(uptimeSecondsRe)
}

// UptimeSeconds converts a free-text uptime string to whole seconds.
func UptimeSeconds(uptime string) int {
	d, h, m, s := uptimeComponents(uptime)
	return d*24*60*60 + h*60*60 + m*60 + s
}

// UptimeString converts a free-text uptime string to the normalized
// "DD:HH:MM:SS" form.
func UptimeString(uptime string) string {
	d, h, m, s := uptimeComponents(uptime)
	return fmt.Sprintf("%02d:%02d:%02d:%02d", d, h, m, s)
}

// FormatUptime converts whole seconds to the normalized "DD:HH:MM:SS"
// form.
func FormatUptime(seconds int) string {
	days := seconds / (24 * 60 * 60)
	seconds %= 24 * 60 * 60
	hours := seconds / (60 * 60)
	seconds %= 60 * 60
	minutes := seconds / 60
	seconds %= 60
	return fmt.Sprintf("%02d:%02d:%02d:%02d", days, hours, minutes, seconds)
}
