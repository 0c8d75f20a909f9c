package units

import (
	"fmt"
	"time"
)

// LoadTimezone resolves an IANA zone name. Empty and "UTC" return time.UTC;
// "Local" returns the host zone.
func LoadTimezone(tz string) (*time.Location, error) {
	switch tz {
	case "", "UTC":
		return time.UTC, nil
	case "Local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}
