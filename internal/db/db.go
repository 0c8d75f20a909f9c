// Package db is the SQLite persistence layer for access point positions. It
// implements apstore.Store, owns the embedded schema migrations, and mounts
// the tailsql debug routes.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/aplocate/internal/apstore"
	"github.com/banshee-data/aplocate/internal/fusion"
	"github.com/banshee-data/aplocate/internal/monitoring"
)

// pragmas are applied to every pooled connection through the DSN.
var pragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(ON)",
}

type DB struct {
	*sql.DB
	path string
}

var _ apstore.Store = (*DB)(nil)

// OpenDB opens the database at path without touching the schema.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}
	return &DB{DB: db, path: path}, nil
}

// NewDB opens the database at path and applies all pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the file path the database was opened with.
func (db *DB) Path() string {
	return db.path
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

const positionColumns = `bssid, ssid, lat, lon, alt, err_m, cov_r95_m, confidence_pct,
	side, side_confidence, sample_count, state, updates, last_rssi, last_channel,
	last_seen_unix_nanos, updated_unix_nanos, created_unix_nanos`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (apstore.APPosition, error) {
	var (
		p                        apstore.APPosition
		alt                      sql.NullFloat64
		side, state              string
		lastSeen, updated, creat int64
	)
	err := row.Scan(&p.BSSID, &p.SSID, &p.Lat, &p.Lon, &alt, &p.ErrM, &p.CovR95M, &p.ConfidencePct,
		&side, &p.SideConfidence, &p.SampleCount, &state, &p.Updates, &p.LastRSSI, &p.LastChannel,
		&lastSeen, &updated, &creat)
	if err != nil {
		return apstore.APPosition{}, err
	}
	if alt.Valid {
		v := alt.Float64
		p.Alt = &v
	}
	p.Side = fusion.Side(side)
	p.State = apstore.State(state)
	p.LastSeen = fromNanos(lastSeen)
	p.Updated = fromNanos(updated)
	p.Created = fromNanos(creat)
	return p, nil
}

// Get returns the stored position for bssid, or apstore.ErrNotFound.
func (db *DB) Get(ctx context.Context, bssid string) (*apstore.APPosition, error) {
	row := db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM ap_positions WHERE bssid = ?`, bssid)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", bssid, err)
	}
	return &p, nil
}

// List returns positions ordered by confidence, highest first.
func (db *DB) List(ctx context.Context, opts apstore.ListOptions) ([]apstore.APPosition, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `SELECT `+positionColumns+` FROM ap_positions
		WHERE confidence_pct >= ?
		ORDER BY confidence_pct DESC, bssid ASC
		LIMIT ?`, opts.MinConfidence, limit)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []apstore.APPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	return out, nil
}

// History returns committed estimates for bssid, newest first.
func (db *DB) History(ctx context.Context, bssid string, limit int) ([]apstore.HistoryEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `SELECT id, bssid, cycle_id, lat, lon, alt, err_m,
			confidence_pct, side, sample_count, fallback, committed_unix_nanos
		FROM ap_position_history
		WHERE bssid = ?
		ORDER BY id DESC
		LIMIT ?`, bssid, limit)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", bssid, err)
	}
	defer rows.Close()

	out := []apstore.HistoryEntry{}
	for rows.Next() {
		var (
			h         apstore.HistoryEntry
			alt       sql.NullFloat64
			side      string
			committed int64
		)
		if err := rows.Scan(&h.ID, &h.BSSID, &h.CycleID, &h.Lat, &h.Lon, &alt, &h.ErrM,
			&h.ConfidencePct, &side, &h.SampleCount, &h.Fallback, &committed); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if alt.Valid {
			v := alt.Float64
			h.Alt = &v
		}
		h.Side = fusion.Side(side)
		h.Committed = fromNanos(committed)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history %s: %w", bssid, err)
	}
	return out, nil
}

// Update runs fn inside an immediate transaction. The write is conditional on
// the row being unchanged since it was read; a lost race returns
// apstore.ErrGateConflict and nothing is written.
func (db *DB) Update(ctx context.Context, bssid string, fn apstore.UpdateFunc) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update %s: %w", bssid, err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			monitoring.Logf("[db] rollback %s: %v", bssid, err)
		}
	}()

	var cur *apstore.APPosition
	p, err := scanPosition(tx.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM ap_positions WHERE bssid = ?`, bssid))
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read position %s: %w", bssid, err)
	default:
		cur = &p
	}

	m, err := fn(cur)
	if err != nil {
		return err
	}
	if m.Record.BSSID != bssid {
		return fmt.Errorf("update %s: record bssid %q does not match", bssid, m.Record.BSSID)
	}

	if cur == nil {
		err = insertPosition(ctx, tx, m.Record)
	} else {
		err = replacePosition(ctx, tx, m.Record, *cur)
	}
	if err != nil {
		return err
	}

	if m.History != nil {
		if err := insertHistory(ctx, tx, *m.History); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update %s: %w", bssid, err)
	}
	return nil
}

func insertPosition(ctx context.Context, tx *sql.Tx, p apstore.APPosition) error {
	res, err := tx.ExecContext(ctx, `INSERT INTO ap_positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bssid) DO NOTHING`,
		p.BSSID, p.SSID, p.Lat, p.Lon, nullFloat(p.Alt), p.ErrM, p.CovR95M, p.ConfidencePct,
		string(p.Side), p.SideConfidence, p.SampleCount, string(p.State), p.Updates, p.LastRSSI, p.LastChannel,
		toNanos(p.LastSeen), toNanos(p.Updated), toNanos(p.Created))
	if err != nil {
		return fmt.Errorf("insert position %s: %w", p.BSSID, err)
	}
	return expectOneRow(res, p.BSSID)
}

func replacePosition(ctx context.Context, tx *sql.Tx, p, prev apstore.APPosition) error {
	res, err := tx.ExecContext(ctx, `UPDATE ap_positions SET
			ssid = ?, lat = ?, lon = ?, alt = ?, err_m = ?, cov_r95_m = ?, confidence_pct = ?,
			side = ?, side_confidence = ?, sample_count = ?, state = ?, updates = ?,
			last_rssi = ?, last_channel = ?, last_seen_unix_nanos = ?, updated_unix_nanos = ?,
			created_unix_nanos = ?
		WHERE bssid = ? AND updated_unix_nanos = ? AND updates = ?`,
		p.SSID, p.Lat, p.Lon, nullFloat(p.Alt), p.ErrM, p.CovR95M, p.ConfidencePct,
		string(p.Side), p.SideConfidence, p.SampleCount, string(p.State), p.Updates,
		p.LastRSSI, p.LastChannel, toNanos(p.LastSeen), toNanos(p.Updated),
		toNanos(p.Created),
		p.BSSID, toNanos(prev.Updated), prev.Updates)
	if err != nil {
		return fmt.Errorf("update position %s: %w", p.BSSID, err)
	}
	return expectOneRow(res, p.BSSID)
}

func insertHistory(ctx context.Context, tx *sql.Tx, h apstore.HistoryEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ap_position_history (
			bssid, cycle_id, lat, lon, alt, err_m, confidence_pct, side, sample_count,
			fallback, committed_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.BSSID, h.CycleID, h.Lat, h.Lon, nullFloat(h.Alt), h.ErrM, h.ConfidencePct,
		string(h.Side), h.SampleCount, h.Fallback, toNanos(h.Committed))
	if err != nil {
		return fmt.Errorf("insert history %s: %w", h.BSSID, err)
	}
	return nil
}

func expectOneRow(res sql.Result, bssid string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected %s: %w", bssid, err)
	}
	if n != 1 {
		return fmt.Errorf("write %s: %w", bssid, apstore.ErrGateConflict)
	}
	return nil
}

// Counts returns the number of stored positions and history rows.
func (db *DB) Counts(ctx context.Context) (positions, history int64, err error) {
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ap_positions`).Scan(&positions); err != nil {
		return 0, 0, fmt.Errorf("count positions: %w", err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ap_position_history`).Scan(&history); err != nil {
		return 0, 0, fmt.Errorf("count history: %w", err)
	}
	return positions, history, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
