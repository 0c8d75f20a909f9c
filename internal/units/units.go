// Package units provides the distance units and time zones accepted for
// human-readable output. Stored values are always metres and UTC.
package units

import (
	"fmt"
	"strings"
)

// Unit constants
const (
	Metres = "m"
	Feet   = "ft"
	Yards  = "yd"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{Metres, Feet, Yards}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// ParseUnit validates unit, accepting a few long spellings.
func ParseUnit(unit string) (string, error) {
	switch u := strings.ToLower(strings.TrimSpace(unit)); u {
	case "", "metres", "meters":
		return Metres, nil
	case "feet", "foot":
		return Feet, nil
	case "yards", "yard":
		return Yards, nil
	default:
		if IsValid(u) {
			return u, nil
		}
	}
	return "", fmt.Errorf("invalid distance unit %q (valid: %s)", unit, strings.Join(ValidUnits, ", "))
}

// ConvertDistance converts metres to the target unit. Unknown units return
// metres.
func ConvertDistance(metres float64, unit string) float64 {
	switch unit {
	case Feet:
		return metres / 0.3048
	case Yards:
		return metres / 0.9144
	default:
		return metres
	}
}
