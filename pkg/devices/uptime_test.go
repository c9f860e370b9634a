package devices

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUptimeSeconds(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"days hours minutes", "4 days, 12 hours, 17 minutes", 4*86400 + 12*3600 + 17*60},
		{"weeks absent", "15 days 4 hours", 15*24*3600 + 4*3600},
		{"hrs and mins abbreviations", "2 hrs, 30 mins", 2*3600 + 30*60},
		{"single units", "1 day, 1 hour, 1 minute, 1 second", 86400 + 3600 + 60 + 1},
		{"empty", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UptimeSeconds(tt.in))
		})
	}
}

func TestUptimeString(t *testing.T) {
	assert.Equal(t, "04:12:17:00", UptimeString("4 days, 12 hours, 17 minutes"))
	assert.Equal(t, "15:04:00:00", UptimeString("15 days 4 hours"))
	assert.Equal(t, "00:00:00:00", UptimeString(""))
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "04:12:17:00", FormatUptime(389820))
	assert.Equal(t, "00:00:00:59", FormatUptime(59))
	assert.Equal(t, "01:00:00:00", FormatUptime(86400))
}

func TestUptimeRoundTrip(t *testing.T) {
	in := "4 days, 12 hours, 17 minutes"
	assert.Equal(t, UptimeString(in), FormatUptime(UptimeSeconds(in)))
}
