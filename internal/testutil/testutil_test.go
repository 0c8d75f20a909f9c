package testutil

import (
	"fmt"
	"net/http"
	"testing"
)

// recordingTB captures failures instead of failing the enclosing test.
type recordingTB struct {
	testing.TB
	msgs []string
}

func (r *recordingTB) Helper() {}

func (r *recordingTB) Errorf(format string, args ...any) {
	r.msgs = append(r.msgs, fmt.Sprintf(format, args...))
}

func (r *recordingTB) Fatalf(format string, args ...any) {
	r.msgs = append(r.msgs, fmt.Sprintf(format, args...))
}

func TestAssertStatusCode(t *testing.T) {
	t.Parallel()

	rec := &recordingTB{}
	AssertStatusCode(rec, http.StatusNotFound, http.StatusNotFound)
	if len(rec.msgs) != 0 {
		t.Fatalf("unexpected failure: %v", rec.msgs)
	}

	AssertStatusCode(rec, http.StatusOK, http.StatusBadRequest)
	if len(rec.msgs) != 1 || rec.msgs[0] != "status code = 200, want 400" {
		t.Errorf("msgs = %v", rec.msgs)
	}
}

func TestServeAndDecode(t *testing.T) {
	t.Parallel()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `","method":"` + r.Method + `"}`))
	})
	rec := Serve(h, http.MethodPost, "/api/aps")
	AssertStatusCode(t, rec.Code, http.StatusOK)

	var got map[string]string
	DecodeJSON(t, rec, &got)
	if got["path"] != "/api/aps" || got["method"] != http.MethodPost {
		t.Errorf("got %v", got)
	}
}

func TestDecodeJSON_BadBody(t *testing.T) {
	t.Parallel()

	resp := Serve(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}), http.MethodGet, "/")

	rec := &recordingTB{}
	var v map[string]any
	DecodeJSON(rec, resp, &v)
	if len(rec.msgs) != 1 {
		t.Errorf("expected one failure, got %v", rec.msgs)
	}
}
