// Package db stores telemetry rows and closed trigger intervals in SQLite.
package db

import (
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/ultralight/internal/monitoring"
	"github.com/banshee-data/ultralight/internal/timeutil"
)

type DB struct {
	*sql.DB
	path string
}

// NewDB opens (creating if needed) the database at path, applies the
// connection pragmas and runs pending migrations.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Pragmas below are per connection.
	sqlDB.SetMaxOpenConns(1)

	if err := applyPragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func applyPragmas(db *sql.DB) error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	} {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	whole, frac := math.Modf(s)
	return time.Unix(int64(whole), int64(math.Round(frac*1e6))*int64(time.Microsecond))
}

// TelemetryRecord is one stored telemetry row. Fields holds the JSON array
// of values as recorded.
type TelemetryRecord struct {
	ID     int64           `json:"id"`
	Kind   string          `json:"kind"`
	Time   time.Time       `json:"time"`
	Fields json.RawMessage `json:"fields"`
}

// RecordTelemetry stores one row; fields are encoded as a JSON array.
func (db *DB) RecordTelemetry(kind string, ts time.Time, fields ...any) error {
	if fields == nil {
		fields = []any{}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode telemetry fields: %w", err)
	}
	_, err = db.Exec("INSERT INTO telemetry (kind, ts, fields) VALUES (?, ?, ?)", kind, unixSeconds(ts), string(b))
	return err
}

// RecentTelemetry returns up to limit most recent rows of kind, oldest
// first.
func (db *DB) RecentTelemetry(kind string, limit int) ([]TelemetryRecord, error) {
	rows, err := db.Query(`SELECT telemetry_id, kind, ts, fields FROM telemetry
		WHERE kind = ? ORDER BY ts DESC, telemetry_id DESC LIMIT ?`, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TelemetryRecord
	for rows.Next() {
		var (
			rec    TelemetryRecord
			ts     float64
			fields string
		)
		if err := rows.Scan(&rec.ID, &rec.Kind, &ts, &fields); err != nil {
			return nil, err
		}
		rec.Time = fromUnixSeconds(ts)
		rec.Fields = json.RawMessage(fields)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// PruneTelemetry deletes telemetry rows recorded before cutoff and returns
// how many were removed. Intervals are kept.
func (db *DB) PruneTelemetry(cutoff time.Time) (int64, error) {
	res, err := db.Exec("DELETE FROM telemetry WHERE ts < ?", unixSeconds(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune telemetry: %w", err)
	}
	return res.RowsAffected()
}

// KeepTelemetry prunes rows older than keep now and then every interval
// until ctx is done.
func (db *DB) KeepTelemetry(ctx context.Context, clock timeutil.Clock, keep, every time.Duration) {
	prune := func() {
		n, err := db.PruneTelemetry(clock.Now().Add(-keep))
		if err != nil {
			monitoring.Logf("telemetry retention: %v", err)
			return
		}
		if n > 0 {
			monitoring.Debugf("telemetry retention: pruned %d rows older than %v", n, keep)
		}
	}

	ticker := clock.NewTicker(every)
	defer ticker.Stop()
	prune()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			prune()
		}
	}
}

// IntervalRecord is a closed trigger interval.
type IntervalRecord struct {
	ID           string    `json:"id"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Closed       time.Time `json:"closed"`
	LightsWereOn bool      `json:"lights_were_on"`
	SwitchedOff  bool      `json:"switched_off"`
}

// RecordInterval stores a closed interval, replacing any row with the same
// ID.
func (db *DB) RecordInterval(iv IntervalRecord) error {
	_, err := db.Exec(`INSERT OR REPLACE INTO intervals
		(interval_id, start_ts, end_ts, closed_ts, lights_were_on, switched_off)
		VALUES (?, ?, ?, ?, ?, ?)`,
		iv.ID, unixSeconds(iv.Start), unixSeconds(iv.End), unixSeconds(iv.Closed),
		iv.LightsWereOn, iv.SwitchedOff,
	)
	return err
}

// Intervals returns up to limit intervals, most recently closed first.
func (db *DB) Intervals(limit int) ([]IntervalRecord, error) {
	rows, err := db.Query(`SELECT interval_id, start_ts, end_ts, closed_ts, lights_were_on, switched_off
		FROM intervals ORDER BY closed_ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IntervalRecord
	for rows.Next() {
		var (
			iv                     IntervalRecord
			start, end, closed     float64
			wereOn, switchedOffInt int
		)
		if err := rows.Scan(&iv.ID, &start, &end, &closed, &wereOn, &switchedOffInt); err != nil {
			return nil, err
		}
		iv.Start = fromUnixSeconds(start)
		iv.End = fromUnixSeconds(end)
		iv.Closed = fromUnixSeconds(closed)
		iv.LightsWereOn = wereOn != 0
		iv.SwitchedOff = switchedOffInt != 0
		out = append(out, iv)
	}
	return out, rows.Err()
}

// AttachAdminRoutes mounts the tailsql console and a backup download on
// the tsweb debug page.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "ultralight DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
	return nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("ultralight-backup-%d.db", time.Now().Unix()))
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		backupFile.Close()
		if err := os.Remove(backupPath); err != nil {
			monitoring.Logf("Failed to remove backup file: %v", err)
		}
	}()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
	w.Header().Set("Content-Type", "application/gzip")

	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		monitoring.Logf("Failed to write backup: %v", err)
	}
}
