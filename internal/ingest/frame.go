package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Frame is one probe report.
type Frame struct {
	BSSID     string
	SSID      string
	RSSI      float64
	Channel   int
	Frequency float64
}

type rawFrame struct {
	BSSID     string          `json:"bssid"`
	SSID      string          `json:"ssid"`
	RSSI      *float64        `json:"rssi"`
	Ch        json.RawMessage `json:"ch"`
	Chan      json.RawMessage `json:"chan"`
	Channel   json.RawMessage `json:"channel"`
	Freq      json.RawMessage `json:"freq"`
	Frequency json.RawMessage `json:"frequency"`
}

// ParseFrame decodes a single NDJSON line. Lines that are not JSON objects
// return ok=false with no error; malformed objects and frames without a
// BSSID or RSSI return an error.
func ParseFrame(line []byte) (Frame, bool, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Frame{}, false, nil
	}
	var raw rawFrame
	if err := json.Unmarshal(line, &raw); err != nil {
		return Frame{}, false, fmt.Errorf("decode frame: %w", err)
	}
	bssid := strings.ToLower(strings.TrimSpace(raw.BSSID))
	if bssid == "" || raw.RSSI == nil {
		return Frame{}, false, fmt.Errorf("frame missing bssid or rssi")
	}
	f := Frame{
		BSSID: bssid,
		SSID:  strings.TrimSpace(raw.SSID),
		RSSI:  *raw.RSSI,
	}
	for _, c := range []json.RawMessage{raw.Ch, raw.Chan, raw.Channel} {
		if v, ok := number(c); ok {
			f.Channel = int(v)
			break
		}
	}
	for _, c := range []json.RawMessage{raw.Freq, raw.Frequency} {
		if v, ok := number(c); ok {
			f.Frequency = v
			break
		}
	}
	return f, true, nil
}

// number accepts a JSON number or a numeric string.
func number(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err == nil {
		return v, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
