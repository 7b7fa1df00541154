// Package wifi reads link quality for the telemetry report.
package wifi

import (
	"os"
	"strconv"
	"strings"
)

const procWireless = "/proc/net/wireless"

// RSSI returns the signal level in dBm of the first wireless interface,
// or 0 when no wireless link is up. Telemetry treats 0 as "unknown".
func RSSI() int {
	data, err := os.ReadFile(procWireless)
	if err != nil {
		return 0
	}
	return parseRSSI(string(data))
}

// parseRSSI pulls the signal level out of /proc/net/wireless. The file has
// two header lines, then one line per interface:
//
//	wlan0: 0000   54.  -56.  -256        0      0      0      0      0        0
func parseRSSI(contents string) int {
	lines := strings.Split(contents, "\n")
	if len(lines) < 3 {
		return 0
	}
	fields := strings.Fields(lines[2])
	if len(fields) < 4 {
		return 0
	}
	level, err := strconv.ParseFloat(strings.TrimSuffix(fields[3], "."), 64)
	if err != nil {
		return 0
	}
	return int(level)
}
