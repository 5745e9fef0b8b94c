package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // CGO-free SQLite

	"github.com/vincentbai/target-inspector/internal/log"
	"github.com/vincentbai/target-inspector/internal/models"
)

type Database struct {
	db                       *sql.DB
	validImplementationTypes map[models.ImplementationKind]bool
}

func NewDatabase(databasePath string) (*Database, error) {
	// WAL + busy timeout to avoid "database is locked". modernc only honours
	// pragmas passed as _pragma parameters.
	db, err := sql.Open("sqlite", databasePath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer connection serializes the archiver, the correlator
	// and the HTTP handlers.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{
		db: db,
		validImplementationTypes: map[models.ImplementationKind]bool{
			models.SchemaA:  true,
			models.SchemaB:  true,
			models.Fallback: true,
		},
	}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS state(
	  key        TEXT    PRIMARY KEY,
	  value      TEXT    NOT NULL,
	  updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS activities(
	  id          INTEGER PRIMARY KEY,
	  tab_id      TEXT    NOT NULL,
	  activity_id TEXT    NOT NULL,
	  ts_utc      INTEGER NOT NULL,
	  ts_iso      TEXT    NOT NULL,
	  url         TEXT    NOT NULL,
	  name        TEXT    NOT NULL,
	  experience  TEXT    NOT NULL,
	  impl_type   TEXT    NOT NULL CHECK (impl_type IN ('at.js','alloy.js','fallback')),
	  fidelity    TEXT    NOT NULL,
	  data_json   TEXT    NOT NULL CHECK (json_valid(data_json))
	);
	CREATE INDEX IF NOT EXISTS idx_activities_ts  ON activities(ts_utc);
	CREATE INDEX IF NOT EXISTS idx_activities_tab ON activities(tab_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Get returns the value stored under key.
func (d *Database) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read state %q: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key, replacing any previous value.
func (d *Database) Set(ctx context.Context, key, value string) error {
	_, err := d.db.ExecContext(ctx, `
	INSERT INTO state(key, value, updated_at) VALUES(?,?,?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write state %q: %w", key, err)
	}
	return nil
}

// Remove deletes keys in one transaction. Missing keys are not an error.
func (d *Database) Remove(ctx context.Context, keys ...string) error {
	transaction, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	statement, err := transaction.PrepareContext(ctx, `DELETE FROM state WHERE key = ?`)
	if err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer statement.Close()

	for _, key := range keys {
		if _, err := statement.ExecContext(ctx, key); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (d *Database) ValidateActivity(activity models.Activity) error {
	if activity.ActivityID == "" {
		return fmt.Errorf("activity id cannot be empty")
	}
	if activity.URL == "" {
		return fmt.Errorf("URL cannot be empty")
	}
	if activity.Name == "" || activity.Experience == "" {
		return fmt.Errorf("name and experience cannot be empty")
	}
	if !d.validImplementationTypes[activity.ImplementationType] {
		return fmt.Errorf("invalid implementation type: %s", activity.ImplementationType)
	}
	if activity.Timestamp <= 0 {
		return fmt.Errorf("timestamp must be positive")
	}
	return nil
}

// ArchiveActivities appends activities observed in tabID to the archive.
// Either all of them are stored or none.
func (d *Database) ArchiveActivities(ctx context.Context, tabID string, activities []models.Activity) error {
	transaction, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	statement, err := transaction.PrepareContext(ctx, `INSERT INTO activities(tab_id, activity_id, ts_utc, ts_iso, url, name, experience, impl_type, fidelity, data_json) VALUES(?,?,?,?,?,?,?,?,?,json(?))`)
	if err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer statement.Close()

	for _, activity := range activities {
		if err := d.ValidateActivity(activity); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("invalid activity: %w", err)
		}

		jsonData, err := json.Marshal(activity)
		if err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("failed to marshal activity: %w", err)
		}
		isoTime := time.UnixMilli(activity.Timestamp).UTC().Format(time.RFC3339)
		if _, err := statement.ExecContext(ctx, tabID, activity.ActivityID, activity.Timestamp, isoTime, activity.URL,
			activity.Name, activity.Experience, string(activity.ImplementationType), string(activity.Fidelity), string(jsonData)); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListActivities returns the most recent archived activities, newest first.
// An empty tabID lists all tabs.
func (d *Database) ListActivities(ctx context.Context, tabID string, limit int) ([]models.Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx, `
	SELECT data_json FROM activities
	WHERE (? = '' OR tab_id = ?)
	ORDER BY ts_utc DESC, id DESC
	LIMIT ?`, tabID, tabID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	activities := []models.Activity{}
	for rows.Next() {
		var dataJSON string
		if err := rows.Scan(&dataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		var activity models.Activity
		if err := json.Unmarshal([]byte(dataJSON), &activity); err != nil {
			return nil, fmt.Errorf("failed to unmarshal activity: %w", err)
		}
		activities = append(activities, activity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read activities: %w", err)
	}
	return activities, nil
}

// Archiver archives every committed activity on its own goroutine so the
// manager never waits on the database. Failures are logged.
type Archiver struct {
	db      *Database
	logger  *log.Logger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan archiveJob
	done   chan struct{}
}

type archiveJob struct {
	tabID    string
	activity models.Activity
}

const archiveQueueSize = 256

func NewArchiver(db *Database, logger *log.Logger) *Archiver {
	a := &Archiver{
		db:      db,
		logger:  logger,
		timeout: 5 * time.Second,
		queue:   make(chan archiveJob, archiveQueueSize),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// ActivityCommitted queues activity. It drops the activity when the queue
// is full or the archiver is closed.
func (a *Archiver) ActivityCommitted(tabID string, activity models.Activity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- archiveJob{tabID: tabID, activity: activity}:
	default:
		a.logger.Warnf("Archiver:ActivityCommitted", "tab:%s queue full, dropping %s", tabID, activity.ActivityID)
	}
}

func (a *Archiver) run() {
	defer close(a.done)
	for job := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.db.ArchiveActivities(ctx, job.tabID, []models.Activity{job.activity})
		cancel()
		if err != nil {
			a.logger.Warnf("Archiver:run", "tab:%s archiving %s: %v", job.tabID, job.activity.ActivityID, err)
		}
	}
}

// Close stops accepting activities and waits until the queued ones are
// written.
func (a *Archiver) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}
