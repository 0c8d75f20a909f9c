package db

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/aplocate/internal/apstore"
	"github.com/banshee-data/aplocate/internal/fusion"
	"github.com/banshee-data/aplocate/internal/monitoring"
	"github.com/banshee-data/aplocate/internal/timeutil"
)

var testStart = time.Date(2026, 5, 4, 8, 30, 0, 0, time.UTC)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	monitoring.SetLogger(nil)
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testEstimate(bssid string, conf float64) fusion.Estimate {
	return fusion.Estimate{
		BSSID:          bssid,
		SSID:           "depot",
		Lat:            51.501,
		Lon:            -0.141,
		AccuracyM:      6.5,
		CovR95M:        14,
		SampleCount:    5,
		ConfidencePct:  conf,
		Side:           fusion.SideRight,
		SideConfidence: 0.4,
		ObservedAt:     testStart,
		MeanRSSI:       -67.5,
		Channel:        36,
	}
}

func TestNewDB_MigratesToLatest(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 1 || dirty {
		t.Errorf("version = %d dirty = %v, want 1 false", version, dirty)
	}

	// A second run is a no-op.
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("repeat MigrateUp failed: %v", err)
	}
}

func TestMigrateDownAndUp(t *testing.T) {
	db := newTestDB(t)

	if err := db.MigrateDown(); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}
	version, _, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 0 {
		t.Errorf("version after down = %d, want 0", version)
	}
	if _, err := db.Get(context.Background(), "x"); err == nil || errors.Is(err, apstore.ErrNotFound) {
		t.Errorf("Get after down should fail on the missing table, got %v", err)
	}

	if err := db.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	if _, err := db.Get(context.Background(), "x"); !errors.Is(err, apstore.ErrNotFound) {
		t.Errorf("Get after up = %v, want ErrNotFound", err)
	}
}

func TestGateOverSQLite(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	clock := timeutil.NewMockClock(testStart)
	gate := apstore.NewGate(db, apstore.GateConfig{StaleOverride: 48 * time.Hour, StaleAfter: 24 * time.Hour}, clock)

	out, err := gate.Apply(ctx, testEstimate("aa:bb:cc:00:00:01", 42), "cycle-1")
	if err != nil {
		t.Fatalf("Apply insert failed: %v", err)
	}
	if out.Decision != apstore.DecisionInserted {
		t.Fatalf("decision = %s, want inserted", out.Decision)
	}

	clock.Advance(time.Minute)
	if out, err = gate.Apply(ctx, testEstimate("aa:bb:cc:00:00:01", 30), "cycle-2"); err != nil {
		t.Fatalf("Apply reject failed: %v", err)
	}
	if out.Decision != apstore.DecisionRejected {
		t.Errorf("decision = %s, want rejected", out.Decision)
	}

	clock.Advance(time.Minute)
	better := testEstimate("aa:bb:cc:00:00:01", 77)
	alt := 12.5
	better.Alt = &alt
	better.ObservedAt = clock.Now()
	if out, err = gate.Apply(ctx, better, "cycle-3"); err != nil {
		t.Fatalf("Apply replace failed: %v", err)
	}
	if out.Decision != apstore.DecisionReplaced {
		t.Errorf("decision = %s, want replaced", out.Decision)
	}

	rec, err := db.Get(ctx, "aa:bb:cc:00:00:01")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.ConfidencePct != 77 || rec.State != apstore.StateConfirmed || rec.Updates != 3 {
		t.Errorf("unexpected record: conf=%v state=%s updates=%d", rec.ConfidencePct, rec.State, rec.Updates)
	}
	if rec.Alt == nil || *rec.Alt != 12.5 {
		t.Errorf("alt = %v, want 12.5", rec.Alt)
	}
	if rec.Side != fusion.SideRight || rec.LastChannel != 36 || rec.SSID != "depot" {
		t.Errorf("metadata not round-tripped: %+v", rec)
	}
	if !rec.Created.Equal(testStart) || !rec.Updated.Equal(clock.Now()) || !rec.LastSeen.Equal(clock.Now()) {
		t.Errorf("timestamps: created=%v updated=%v last_seen=%v", rec.Created, rec.Updated, rec.LastSeen)
	}

	hist, err := db.History(ctx, "aa:bb:cc:00:00:01", 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if hist[0].CycleID != "cycle-3" || hist[1].CycleID != "cycle-1" {
		t.Errorf("history order = %s, %s; want newest first", hist[0].CycleID, hist[1].CycleID)
	}
	if hist[0].Alt == nil || hist[1].Alt != nil {
		t.Errorf("history alt not preserved")
	}

	limited, err := db.History(ctx, "aa:bb:cc:00:00:01", 1)
	if err != nil {
		t.Fatalf("History limit failed: %v", err)
	}
	if len(limited) != 1 || limited[0].CycleID != "cycle-3" {
		t.Errorf("limited history = %+v", limited)
	}

	positions, history, err := db.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if positions != 1 || history != 2 {
		t.Errorf("counts = %d/%d, want 1/2", positions, history)
	}
}

func TestList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	gate := apstore.NewGate(db, apstore.GateConfig{}, timeutil.NewMockClock(testStart))

	for bssid, conf := range map[string]float64{"b": 50, "a": 50, "c": 90, "d": 10} {
		if _, err := gate.Apply(ctx, testEstimate(bssid, conf), "c1"); err != nil {
			t.Fatalf("Apply %s failed: %v", bssid, err)
		}
	}

	all, err := db.List(ctx, apstore.ListOptions{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	var got []string
	for _, p := range all {
		got = append(got, p.BSSID)
	}
	if strings.Join(got, ",") != "c,a,b,d" {
		t.Errorf("order = %v, want c,a,b,d", got)
	}

	filtered, err := db.List(ctx, apstore.ListOptions{MinConfidence: 40, Limit: 2})
	if err != nil {
		t.Fatalf("List filtered failed: %v", err)
	}
	if len(filtered) != 2 || filtered[0].BSSID != "c" || filtered[1].BSSID != "a" {
		t.Errorf("filtered = %+v", filtered)
	}
}

func TestUpdate_Errors(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.Update(ctx, "x", func(cur *apstore.APPosition) (apstore.Mutation, error) {
		return apstore.Mutation{}, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Update = %v, want boom", err)
	}

	err = db.Update(ctx, "x", func(cur *apstore.APPosition) (apstore.Mutation, error) {
		return apstore.Mutation{Record: apstore.APPosition{BSSID: "y"}}, nil
	})
	if err == nil {
		t.Error("Update with mismatched bssid should fail")
	}

	if _, err := db.Get(ctx, "x"); !errors.Is(err, apstore.ErrNotFound) {
		t.Errorf("failed updates must not write, Get = %v", err)
	}
}

func TestGateConcurrentOverSQLite(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	gate := apstore.NewGate(db, apstore.GateConfig{}, timeutil.NewMockClock(testStart))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bssid := "shared"
			if i%2 == 1 {
				bssid = "other"
			}
			if _, err := gate.Apply(ctx, testEstimate(bssid, float64(i+1)), "c"); err != nil {
				t.Errorf("Apply %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	rec, err := db.Get(ctx, "shared")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.ConfidencePct != 15 || rec.Updates != 8 {
		t.Errorf("shared: conf=%v updates=%d, want 15 and 8", rec.ConfidencePct, rec.Updates)
	}
}

func TestRunMigrateCommand(t *testing.T) {
	monitoring.SetLogger(nil)
	dbPath := filepath.Join(t.TempDir(), "cli.db")

	var out bytes.Buffer
	if err := RunMigrateCommand([]string{"up"}, dbPath, &out); err != nil {
		t.Fatalf("migrate up failed: %v", err)
	}
	if !strings.Contains(out.String(), "Current version: 1") {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	if err := RunMigrateCommand([]string{"bogus"}, dbPath, &out); err == nil {
		t.Error("unknown action should fail")
	}
	if !strings.Contains(out.String(), "Usage: aplocate migrate") {
		t.Errorf("unknown action should print help, got %q", out.String())
	}

	if err := RunMigrateCommand(nil, dbPath, &out); err == nil {
		t.Error("missing action should fail")
	}
}

func TestAttachAdminRoutes(t *testing.T) {
	db := newTestDB(t)
	mux := http.NewServeMux()
	if err := db.AttachAdminRoutes(mux); err != nil {
		t.Fatalf("AttachAdminRoutes failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:4242"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("backup status = %d, body %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/gzip" {
		t.Errorf("content type = %q", got)
	}
	if rec.Body.Len() == 0 {
		t.Error("backup body is empty")
	}
}
