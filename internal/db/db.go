package db

import (
	"compress/gzip"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/uartplot/internal/record"
	"github.com/banshee-data/uartplot/internal/series"
)

// ErrSessionNotFound is returned when no archived session has the given ID.
var ErrSessionNotFound = errors.New("session not found")

// DB archives every sample received, grouped by session.
type DB struct {
	*sql.DB
	path string
}

// pragmas are applied to every pooled connection.
var pragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

// OpenDB opens the sqlite database at path without running migrations.
func OpenDB(path string) (*DB, error) {
	dsn := path
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range pragmas {
		dsn += sep + "_pragma=" + p
		sep = "&"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &DB{DB: db, path: path}, nil
}

// NewDB opens the database at path and brings its schema up to date.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// execer is satisfied by *sql.DB and *sql.Tx so the archive statements can
// run directly or inside a batch.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// BeginSession records the start of a device session.
func (db *DB) BeginSession(id string, startedAt time.Time) error {
	return beginSession(db.DB, id, startedAt)
}

// RecordSample appends a sample to the session. Values are stored in the
// record wire format so NaN and ±Inf survive the round trip.
func (db *DB) RecordSample(id string, s series.Sample) error {
	return recordSample(db.DB, id, s)
}

// EndSession stamps the session's end time.
func (db *DB) EndSession(id string, endedAt time.Time) error {
	return endSession(db.DB, id, endedAt)
}

func beginSession(e execer, id string, startedAt time.Time) error {
	_, err := e.Exec(
		`INSERT INTO sessions (session_id, started_at) VALUES (?, ?)`,
		id, startedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to begin session %s: %w", id, err)
	}
	return nil
}

func recordSample(e execer, id string, s series.Sample) error {
	_, err := e.Exec(
		`INSERT INTO samples (session_id, timestamp_ms, width, sample_values) VALUES (?, ?, ?, ?)`,
		id, s.Timestamp, len(s.Values), record.FormatValues(s.Values),
	)
	if err != nil {
		return fmt.Errorf("failed to record sample: %w", err)
	}
	return nil
}

func endSession(e execer, id string, endedAt time.Time) error {
	res, err := e.Exec(`UPDATE sessions SET ended_at = ? WHERE session_id = ?`, endedAt.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to end session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// SessionInfo summarises an archived session.
type SessionInfo struct {
	ID        string     `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Samples   int        `json:"samples"`
	Series    int        `json:"series"`
}

// Sessions lists archived sessions, most recent first.
func (db *DB) Sessions() ([]SessionInfo, error) {
	rows, err := db.Query(`
		SELECT s.session_id, s.started_at, s.ended_at,
			COUNT(p.sample_id), COALESCE(MAX(p.width), 0)
		FROM sessions s
		LEFT JOIN samples p ON p.session_id = s.session_id
		GROUP BY s.session_id
		ORDER BY s.started_at DESC, s.session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []SessionInfo{}
	for rows.Next() {
		var (
			info      SessionInfo
			startedAt int64
			endedAt   sql.NullInt64
		)
		if err := rows.Scan(&info.ID, &startedAt, &endedAt, &info.Samples, &info.Series); err != nil {
			return nil, err
		}
		info.StartedAt = time.UnixMilli(startedAt).UTC()
		if endedAt.Valid {
			t := time.UnixMilli(endedAt.Int64).UTC()
			info.EndedAt = &t
		}
		sessions = append(sessions, info)
	}
	return sessions, rows.Err()
}

// SessionSamples returns the archived samples of a session in arrival order.
func (db *DB) SessionSamples(id string) ([]series.Sample, error) {
	var exists bool
	if err := db.QueryRow(`SELECT COUNT(*) > 0 FROM sessions WHERE session_id = ?`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrSessionNotFound
	}

	rows, err := db.Query(
		`SELECT timestamp_ms, width, sample_values FROM samples WHERE session_id = ? ORDER BY sample_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []series.Sample
	for rows.Next() {
		var (
			ts     int64
			width  int
			values string
		)
		if err := rows.Scan(&ts, &width, &values); err != nil {
			return nil, err
		}
		s := series.Sample{Timestamp: ts}
		if width > 0 {
			s.Values = record.ParseValues(values)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Sample archive",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.handleBackup))
}

func (db *DB) handleBackup(w http.ResponseWriter, r *http.Request) {
	backupName := fmt.Sprintf("backup-%d.db", time.Now().Unix())
	backupPath := filepath.Join(os.TempDir(), backupName)
	if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			log.Printf("Failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupName))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "gzip")

	gzipWriter := gzip.NewWriter(w)
	defer gzipWriter.Close()
	if _, err := io.Copy(gzipWriter, backupFile); err != nil {
		log.Printf("Failed to stream backup: %v", err)
	}
}
