package dlnastate

import "testing"

func TestParseHMS(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"00:00:00", 0},
		{"00:00:30", 30000},
		{"00:01:00", 60000},
		{"01:00:00", 3600000},
		{"01:02:03", 3723000},
	}
	for _, tt := range tests {
		got, err := ParseHMS(tt.in)
		if err != nil {
			t.Fatalf("ParseHMS(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseHMS(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseHMS_invalid(t *testing.T) {
	if _, err := ParseHMS("not-a-time"); err == nil {
		t.Error("expected error for malformed input")
	}
}

func TestFormatHMS(t *testing.T) {
	tests := []struct {
		ms   int64
		want string
	}{
		{0, "00:00:00"},
		{30000, "00:00:30"},
		{60000, "00:01:00"},
		{3600000, "01:00:00"},
		{3723000, "01:02:03"},
	}
	for _, tt := range tests {
		got := FormatHMS(tt.ms)
		if got != tt.want {
			t.Errorf("FormatHMS(%d) = %q, want %q", tt.ms, got, tt.want)
		}
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	for h := 0; h < 24; h += 7 {
		for m := 0; m < 60; m += 13 {
			for s := 0; s < 60; s += 17 {
				in := FormatHMS(int64(h)*3600000 + int64(m)*60000 + int64(s)*1000)
				ms, err := ParseHMS(in)
				if err != nil {
					t.Fatalf("ParseHMS(%q): %v", in, err)
				}
				if FormatHMS(ms) != in {
					t.Errorf("round trip mismatch for %q", in)
				}
			}
		}
	}
}

func TestConvertVolume_identityRange(t *testing.T) {
	if got := ConvertVolume(42, 100, 0, 100, 0, 1); got != 42 {
		t.Errorf("identity range ConvertVolume = %d, want 42", got)
	}
}

func TestConvertVolume_equalWidthShift(t *testing.T) {
	// from [10,110) width 100, to [0,100) width 100: pure offset.
	got := ConvertVolume(60, 110, 10, 100, 0, 1)
	if got != 50 {
		t.Errorf("equal-width shift ConvertVolume = %d, want 50", got)
	}
}

func TestConvertVolume_scaledRange(t *testing.T) {
	// Device range [0,31] stepped by 1; Plex range [0,100].
	got := ConvertVolume(31, 31, 0, 100, 0, 1)
	if got != 100 {
		t.Errorf("max of device range should map to 100; got %d", got)
	}
	got = ConvertVolume(0, 31, 0, 100, 0, 1)
	if got != 0 {
		t.Errorf("min of device range should map to 0; got %d", got)
	}
}

func TestConvertVolume_roundTripWithinOneStep(t *testing.T) {
	deviceMax, deviceMin, deviceStep := 31, 0, 1
	for v := deviceMin; v <= deviceMax; v++ {
		plex := ConvertVolume(v, deviceMax, deviceMin, 100, 0, 1)
		back := ConvertVolume(plex, 100, 0, deviceMax, deviceMin, deviceStep)
		diff := back - v
		if diff < -1 || diff > 1 {
			t.Errorf("round trip for %d drifted by more than one step: got %d", v, back)
		}
	}
}
