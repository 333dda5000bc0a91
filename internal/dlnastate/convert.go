package dlnastate

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseHMS parses a UPnP "H:MM:SS" or "HH:MM:SS" time string (as returned in
// RelTime/TrackDuration) into milliseconds. Hours may be more than two digits
// for long-running streams.
func ParseHMS(s string) (int64, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("dlnastate: invalid HH:MM:SS %q", s)
	}
	h, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("dlnastate: invalid hours in %q: %w", s, err)
	}
	m, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("dlnastate: invalid minutes in %q: %w", s, err)
	}
	sec, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("dlnastate: invalid seconds in %q: %w", s, err)
	}
	return (h*3600 + m*60 + sec) * 1000, nil
}

// FormatHMS renders milliseconds as zero-padded "HH:MM:SS", the form the
// Seek action and GENA callbacks expect.
func FormatHMS(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	totalSec := ms / 1000
	h := totalSec / 3600
	m := (totalSec % 3600) / 60
	s := totalSec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// ConvertVolume rescales value from [fromMin, fromMax] to [toMin, toMax]
// stepped by toStep, matching the original bridge's convert_volume: an
// identity range is a no-op, an equal-width range is a pure offset shift,
// and any other range is interpolated by percentage and floored to the step.
func ConvertVolume(value, fromMax, fromMin, toMax, toMin, toStep int) int {
	if fromMax == toMax && fromMin == toMin {
		return value
	}
	if fromMax-fromMin == toMax-toMin {
		return value - fromMin + toMin
	}
	if toStep <= 0 {
		toStep = 1
	}
	percent := float64(value-fromMin) / float64(fromMax-fromMin)
	scaled := percent * float64(toMax-toMin)
	result := int(scaled / float64(toStep))
	result += toMin
	return result
}
