// Package httputil holds the small response and query helpers shared by the
// HTTP handlers.
package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/banshee-data/aplocate/internal/monitoring"
)

const (
	ContentTypeJSON    = "application/json"
	ContentTypeGeoJSON = "application/geo+json"
)

// WriteJSON writes data as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	writeEncoded(w, ContentTypeJSON, status, data)
}

// WriteGeoJSON writes data with the GeoJSON media type.
func WriteGeoJSON(w http.ResponseWriter, status int, data any) {
	writeEncoded(w, ContentTypeGeoJSON, status, data)
}

func writeEncoded(w http.ResponseWriter, contentType string, status int, data any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		monitoring.Logf("[http] failed to encode %s response: %v", contentType, err)
	}
}

// WriteJSONError writes {"error": msg} with the given status code.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// MethodNotAllowed writes a 405 and advertises the allowed method.
func MethodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func BadRequest(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusBadRequest, msg)
}

func NotFound(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusNotFound, msg)
}

func InternalServerError(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusInternalServerError, msg)
}

// QueryFloat parses an optional non-negative float query parameter. A missing
// or empty parameter returns def.
func QueryFloat(q url.Values, name string, def float64) (float64, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %q parameter: %q", name, raw)
	}
	return v, nil
}

// QueryInt parses an optional non-negative integer query parameter, capped
// at ceiling when ceiling > 0.
func QueryInt(q url.Values, name string, def, ceiling int) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %q parameter: %q", name, raw)
	}
	if ceiling > 0 && v > ceiling {
		v = ceiling
	}
	return v, nil
}
