package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"candyline/internal/pipeline"
)

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// CameraRecord represents a camera stored in the database
type CameraRecord struct {
	Index     int
	Name      string
	Source    string
	RelayURL  string
	State     string
	UpdatedAt time.Time
}

// CountEventRecord represents one counted item
type CountEventRecord struct {
	ID          string
	CameraIndex int
	CameraName  string
	TrackID     int64
	Class       string
	Triggered   bool
	PulseID     string
	RelayPaused bool
	Timestamp   time.Time
}

// Totals aggregates stored count events
type Totals struct {
	Total     int `json:"total"`
	Normal    int `json:"normal"`
	Abnormal  int `json:"abnormal"`
	Triggered int `json:"triggered"`
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer; a single connection also keeps :memory: databases intact
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS cameras (
			camera_index INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			source TEXT,
			relay_url TEXT,
			state TEXT DEFAULT 'opening',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS count_events (
			id TEXT PRIMARY KEY,
			camera_index INTEGER NOT NULL,
			camera_name TEXT,
			track_id INTEGER NOT NULL,
			class TEXT NOT NULL,
			triggered INTEGER DEFAULT 0,
			pulse_id TEXT,
			relay_paused INTEGER DEFAULT 0,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_count_events_camera_time ON count_events(camera_index, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_count_events_time ON count_events(timestamp DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveCamera saves or updates a camera
func (d *Database) SaveCamera(cam *CameraRecord) error {
	query := `INSERT INTO cameras (camera_index, name, source, relay_url, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(camera_index) DO UPDATE SET
			name = excluded.name,
			source = excluded.source,
			relay_url = excluded.relay_url,
			state = excluded.state,
			updated_at = excluded.updated_at`

	updated := cam.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := d.db.Exec(query, cam.Index, cam.Name, cam.Source, cam.RelayURL, cam.State, updated.UTC())
	if err != nil {
		return fmt.Errorf("failed to save camera: %w", err)
	}
	return nil
}

// UpdateCameraState updates only the state of a camera
func (d *Database) UpdateCameraState(index int, state string) error {
	_, err := d.db.Exec("UPDATE cameras SET state = ?, updated_at = ? WHERE camera_index = ?", state, time.Now().UTC(), index)
	if err != nil {
		return fmt.Errorf("failed to update camera state: %w", err)
	}
	return nil
}

// ListCameras returns all cameras ordered by index
func (d *Database) ListCameras() ([]*CameraRecord, error) {
	query := `SELECT camera_index, name, source, relay_url, state, updated_at FROM cameras ORDER BY camera_index`

	rows, err := d.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list cameras: %w", err)
	}
	defer rows.Close()

	var cameras []*CameraRecord
	for rows.Next() {
		var cam CameraRecord
		if err := rows.Scan(&cam.Index, &cam.Name, &cam.Source, &cam.RelayURL, &cam.State, &cam.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan camera: %w", err)
		}
		cameras = append(cameras, &cam)
	}
	return cameras, rows.Err()
}

// SaveCountEvent saves a count event. Saving the same id twice is a no-op.
func (d *Database) SaveCountEvent(event *CountEventRecord) error {
	query := `INSERT INTO count_events
		(id, camera_index, camera_name, track_id, class, triggered, pulse_id, relay_paused, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`

	_, err := d.db.Exec(query, event.ID, event.CameraIndex, event.CameraName, event.TrackID,
		event.Class, boolToInt(event.Triggered), event.PulseID, boolToInt(event.RelayPaused),
		event.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to save count event: %w", err)
	}
	return nil
}

// GetCountEvent retrieves a count event by ID
func (d *Database) GetCountEvent(id string) (*CountEventRecord, error) {
	query := `SELECT id, camera_index, camera_name, track_id, class, triggered, pulse_id, relay_paused, timestamp
		FROM count_events WHERE id = ?`

	event, err := scanCountEvent(d.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get count event: %w", err)
	}
	return event, nil
}

// ListCountEvents returns count events, newest first. A negative camera
// index matches every camera.
func (d *Database) ListCountEvents(cameraIndex int, since *time.Time, limit int) ([]*CountEventRecord, error) {
	query := `SELECT id, camera_index, camera_name, track_id, class, triggered, pulse_id, relay_paused, timestamp
		FROM count_events WHERE 1=1`
	where, args := eventFilter(cameraIndex, since)
	query += where
	query += " ORDER BY timestamp DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list count events: %w", err)
	}
	defer rows.Close()

	var events []*CountEventRecord
	for rows.Next() {
		event, err := scanCountEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan count event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// CountTotals aggregates stored events. A negative camera index matches
// every camera.
func (d *Database) CountTotals(cameraIndex int, since *time.Time) (Totals, error) {
	query := `SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN class = 'normal' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN class = 'abnormal' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(triggered), 0)
		FROM count_events WHERE 1=1`
	where, args := eventFilter(cameraIndex, since)
	query += where

	var t Totals
	if err := d.db.QueryRow(query, args...).Scan(&t.Total, &t.Normal, &t.Abnormal, &t.Triggered); err != nil {
		return Totals{}, fmt.Errorf("failed to count events: %w", err)
	}
	return t, nil
}

// DeleteOldCountEvents deletes events older than the specified time
func (d *Database) DeleteOldCountEvents(before time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM count_events WHERE timestamp < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old count events: %w", err)
	}
	return result.RowsAffected()
}

// SaveConfig saves a configuration value
func (d *Database) SaveConfig(key, value string) error {
	query := `INSERT INTO app_config (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`

	_, err := d.db.Exec(query, key, value)
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// GetConfig retrieves a configuration value
func (d *Database) GetConfig(key string) (string, error) {
	var value string
	err := d.db.QueryRow("SELECT value FROM app_config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get config: %w", err)
	}
	return value, nil
}

// RelayPausedKey is the app_config key holding a camera's persisted relay pause.
func RelayPausedKey(cameraIndex int) string {
	return "camera." + strconv.Itoa(cameraIndex) + ".relay_paused"
}

// RelayPaused returns the persisted relay pause for a camera, if any.
func (d *Database) RelayPaused(cameraIndex int) (paused, ok bool, err error) {
	value, err := d.GetConfig(RelayPausedKey(cameraIndex))
	if err != nil || value == "" {
		return false, false, err
	}
	paused, err = strconv.ParseBool(value)
	if err != nil {
		return false, false, fmt.Errorf("invalid %s: %w", RelayPausedKey(cameraIndex), err)
	}
	return paused, true, nil
}

// SaveRelayPaused persists a camera's relay pause.
func (d *Database) SaveRelayPaused(cameraIndex int, paused bool) error {
	return d.SaveConfig(RelayPausedKey(cameraIndex), strconv.FormatBool(paused))
}

// RecordFromEvent converts a pipeline count event into its stored form.
func RecordFromEvent(event *pipeline.CountEvent) *CountEventRecord {
	return &CountEventRecord{
		ID:          event.ID,
		CameraIndex: event.Camera,
		CameraName:  event.CameraName,
		TrackID:     int64(event.TrackID),
		Class:       string(event.Class),
		Triggered:   event.Triggered,
		PulseID:     event.PulseID,
		RelayPaused: event.RelayPaused,
		Timestamp:   event.Timestamp,
	}
}

// Consume stores events until ctx is done or events is closed. Write
// failures are logged and the event is dropped.
func (d *Database) Consume(ctx context.Context, events <-chan *pipeline.CountEvent, logger *zap.Logger) {
	logger = logger.Named("database")
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := d.SaveCountEvent(RecordFromEvent(event)); err != nil {
				logger.Error("Failed to store count event",
					zap.String("event_id", event.ID),
					zap.Int("camera", event.Camera),
					zap.Error(err))
			}
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCountEvent(row rowScanner) (*CountEventRecord, error) {
	var (
		event       CountEventRecord
		triggered   int
		relayPaused int
		pulseID     sql.NullString
		cameraName  sql.NullString
	)
	if err := row.Scan(&event.ID, &event.CameraIndex, &cameraName, &event.TrackID, &event.Class,
		&triggered, &pulseID, &relayPaused, &event.Timestamp); err != nil {
		return nil, err
	}
	event.CameraName = cameraName.String
	event.PulseID = pulseID.String
	event.Triggered = triggered == 1
	event.RelayPaused = relayPaused == 1
	return &event, nil
}

func eventFilter(cameraIndex int, since *time.Time) (string, []any) {
	var (
		where string
		args  []any
	)
	if cameraIndex >= 0 {
		where += " AND camera_index = ?"
		args = append(args, cameraIndex)
	}
	if since != nil {
		where += " AND timestamp >= ?"
		args = append(args, since.UTC())
	}
	return where, args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
