package units

import (
	"math"
	"testing"
	"time"
)

func TestParseUnit(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", Metres, false},
		{"m", Metres, false},
		{"Meters", Metres, false},
		{"ft", Feet, false},
		{" FEET ", Feet, false},
		{"yd", Yards, false},
		{"furlong", "", true},
	}
	for _, tt := range tests {
		got, err := ParseUnit(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseUnit(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseUnit(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConvertDistance(t *testing.T) {
	tests := []struct {
		unit string
		want float64
	}{
		{Metres, 10},
		{Feet, 32.8084},
		{Yards, 10.9361},
		{"parsec", 10},
	}
	for _, tt := range tests {
		if got := ConvertDistance(10, tt.unit); math.Abs(got-tt.want) > 0.001 {
			t.Errorf("ConvertDistance(10, %q) = %f, want %f", tt.unit, got, tt.want)
		}
	}
}

func TestLoadTimezone(t *testing.T) {
	loc, err := LoadTimezone("")
	if err != nil || loc != time.UTC {
		t.Fatalf("LoadTimezone(\"\") = %v, %v", loc, err)
	}
	if _, err := LoadTimezone("Not/AZone"); err == nil {
		t.Error("expected error for unknown zone")
	}
	loc, err = LoadTimezone("Europe/London")
	if err != nil {
		t.Skipf("tz database unavailable: %v", err)
	}
	if got := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC).In(loc).Hour(); got != 13 {
		t.Errorf("London summer hour = %d, want 13", got)
	}
}
