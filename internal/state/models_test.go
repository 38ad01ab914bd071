package state

import (
	"testing"
	"time"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in     string
		want   Mode
		wantOK bool
	}{
		{"live", ModeLive, true},
		{"replay", ModeReplay, true},
		{"", "", false},
		{"LIVE", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseMode(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseMode(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestFlightRouteBearing(t *testing.T) {
	f := Flight{DepartureLat: 0, DepartureLng: 0, DestinationLat: 0, DestinationLng: 1}
	if got := f.RouteBearing(); got < 89.9 || got > 90.1 {
		t.Errorf("RouteBearing = %f, want 90", got)
	}
}

func TestTimeRangePad(t *testing.T) {
	base := time.UnixMilli(100_000)
	r := TimeRange{Min: base, Max: base.Add(time.Minute)}.Pad(30 * time.Second)
	if r.Min.UnixMilli() != 70_000 {
		t.Errorf("Min = %d, want 70000", r.Min.UnixMilli())
	}
	if r.Max.UnixMilli() != 190_000 {
		t.Errorf("Max = %d, want 190000", r.Max.UnixMilli())
	}
}

func TestBracketEmpty(t *testing.T) {
	if !(Bracket{}).Empty() {
		t.Error("zero bracket should be empty")
	}
	if (Bracket{Before: &Sample{}}).Empty() {
		t.Error("bracket with before should not be empty")
	}
}
