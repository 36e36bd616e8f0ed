package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultMaxRetries = 3

// timeFormat is RFC 3339 with fixed-width milliseconds. The fixed width
// matters: run_after and timestamp columns are compared as strings in SQL,
// which is only correct when every stored value has the same shape.
const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Store wraps a SQLite database with methods for messages, jobs, and
// diagram entries.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "accepticon.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// nullable maps "" to NULL so optional text columns stay distinguishable
// from genuinely empty values.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// --- Messages ---

const messageColumns = `id, kind, timestamp, processed, content,
	audio, audio_mime, duration_ms,
	transcription, transcription_status, transcription_error, transcription_confidence,
	image, image_name, image_size, image_mime, description,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var timestamp, createdAt, updatedAt string
	var durationMs int64
	var transcription, transcriptionErr, description sql.NullString
	var confidence sql.NullFloat64
	err := row.Scan(
		&m.ID, &m.Kind, &timestamp, &m.Processed, &m.Content,
		&m.Audio, &m.AudioMime, &durationMs,
		&transcription, &m.TranscriptionStatus, &transcriptionErr, &confidence,
		&m.Image, &m.ImageName, &m.ImageSize, &m.ImageMime, &description,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return Message{}, err
	}

	m.Duration = time.Duration(durationMs) * time.Millisecond
	m.Transcription = transcription.String
	m.TranscriptionError = transcriptionErr.String
	m.TranscriptionConfidence = confidence.Float64
	m.Description = description.String

	if m.Timestamp, err = parseTime(timestamp); err != nil {
		return Message{}, fmt.Errorf("parsing timestamp for message %s: %w", m.ID, err)
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return Message{}, fmt.Errorf("parsing created_at for message %s: %w", m.ID, err)
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Message{}, fmt.Errorf("parsing updated_at for message %s: %w", m.ID, err)
	}
	return m, nil
}

func (s *Store) SaveMessage(m Message) error {
	now := time.Now().UTC()
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	if m.TranscriptionStatus == "" {
		m.TranscriptionStatus = TranscriptionPending
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Kind, fmtTime(m.Timestamp), m.Processed, m.Content,
		m.Audio, m.AudioMime, m.Duration.Milliseconds(),
		nullable(m.Transcription), m.TranscriptionStatus, nullable(m.TranscriptionError), m.TranscriptionConfidence,
		m.Image, m.ImageName, m.ImageSize, m.ImageMime, nullable(m.Description),
		fmtTime(now), fmtTime(now),
	)
	return err
}

func (s *Store) GetMessage(id string) (Message, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return Message{}, ErrNotFound
	}
	return m, err
}

// GetMessagesByIDs returns the messages for the given IDs ordered by
// timestamp (ties by creation time). Missing IDs are skipped; callers that
// need the full set compare lengths.
func (s *Store) GetMessagesByIDs(ids []string) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat(",?", len(ids)-1)
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.Query(`SELECT `+messageColumns+` FROM messages
		WHERE id IN (?`+placeholders+`)
		ORDER BY timestamp ASC, created_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

func (s *Store) ListMessages(limit, offset int) ([]Message, error) {
	rows, err := s.db.Query(`SELECT `+messageColumns+` FROM messages
		ORDER BY timestamp ASC, created_at ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// UpdateTranscription records the outcome of a recognition attempt on an
// audio message. A positive duration replaces the stored duration_ms, which
// ingress could not always fill; zero keeps the stored value.
func (s *Store) UpdateTranscription(id string, status TranscriptionStatus, text string, confidence float64, errMsg string, duration time.Duration) error {
	ms := duration.Milliseconds()
	res, err := s.db.Exec(`UPDATE messages
		SET transcription = ?, transcription_status = ?, transcription_confidence = ?, transcription_error = ?,
			duration_ms = CASE WHEN ? > 0 THEN ? ELSE duration_ms END, updated_at = ?
		WHERE id = ?`,
		nullable(text), status, confidence, nullable(errMsg), ms, ms, fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpdateDescription(id, description string) error {
	res, err := s.db.Exec(`UPDATE messages SET description = ?, updated_at = ? WHERE id = ?`,
		nullable(description), fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) MarkMessagesProcessed(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat(",?", len(ids)-1)
	args := make([]any, 0, len(ids)+1)
	args = append(args, fmtTime(time.Now()))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.Exec(`UPDATE messages SET processed = 1, updated_at = ? WHERE id IN (?`+placeholders+`)`, args...)
	return err
}

func (s *Store) CountMessages() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

// --- Jobs ---

func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC()
	runAfter := fmtTime(now)
	if !job.RunAfter.IsZero() {
		runAfter = fmtTime(job.RunAfter)
	}
	maxRetries := job.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, subject_id, payload_json, status, retry_count, max_retries, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.SubjectID, job.PayloadJSON, maxRetries, runAfter, fmtTime(now), fmtTime(now),
	)
	return err
}

const jobColumns = `id, type, subject_id, payload_json, status, retry_count, max_retries, run_after, created_at, updated_at, last_error`

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err := row.Scan(&j.ID, &j.Type, &j.SubjectID, &j.PayloadJSON, &j.Status,
		&j.RetryCount, &j.MaxRetries, &runAfter, &createdAt, &updatedAt, &lastError)
	if err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return j, nil
}

func (s *Store) GetJob(id string) (Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

// ListJobs returns jobs newest-first, optionally filtered by status.
func (s *Store) ListJobs(status JobStatus, limit, offset int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, j)
	}
	return results, rows.Err()
}

// ClaimNextJob atomically moves the oldest due pending job to 'processing'
// and returns it. An empty types slice matches any type. Jobs whose subject
// is in excludeSubjects are skipped so one subject never runs twice
// concurrently. Returns (nil, nil) when nothing is claimable.
func (s *Store) ClaimNextJob(now time.Time, types []JobType, excludeSubjects []string) (*Job, error) {
	nowStr := fmtTime(now)
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'pending' AND run_after <= ?`
	args := make([]any, 0, len(types)+len(excludeSubjects)+1)
	args = append(args, nowStr)
	if len(types) > 0 {
		query += ` AND type IN (?` + strings.Repeat(",?", len(types)-1) + `)`
		for _, t := range types {
			args = append(args, t)
		}
	}
	if len(excludeSubjects) > 0 {
		query += ` AND subject_id NOT IN (?` + strings.Repeat(",?", len(excludeSubjects)-1) + `)`
		for _, sub := range excludeSubjects {
			args = append(args, sub)
		}
	}
	query += ` ORDER BY run_after ASC, created_at ASC, id ASC LIMIT 1`

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	j, err := scanJob(tx.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'processing', updated_at = ? WHERE id = ? AND status = 'pending'`, nowStr, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = JobProcessing
	j.UpdatedAt = now.UTC().Truncate(time.Millisecond)
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RetryJob re-queues a processing job for another attempt at runAfter,
// incrementing its retry count and recording the error that caused it.
func (s *Store) RetryJob(id string, errMsg string, runAfter time.Time) error {
	res, err := s.db.Exec(`UPDATE jobs
		SET status = 'pending', retry_count = retry_count + 1, last_error = ?, run_after = ?, updated_at = ?
		WHERE id = ?`,
		errMsg, fmtTime(runAfter), fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob marks a job failed. Failed is terminal: the queue never picks
// such a job up again.
func (s *Store) FailJob(id string, errMsg string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'failed', last_error = ?, updated_at = ? WHERE id = ?`,
		errMsg, fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetProcessingJobs sweeps jobs left in 'processing' by a previous run
// back to 'pending'. Called once at startup before the queue starts.
func (s *Store) ResetProcessingJobs() (int64, error) {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'pending', updated_at = ? WHERE status = 'processing'`, fmtTime(time.Now()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CountJobs(status JobStatus) (int, error) {
	var n int
	var err error
	if status == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&n)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE status = ?`, status).Scan(&n)
	}
	return n, err
}

// --- Diagrams ---

func (s *Store) SaveDiagram(d DiagramEntry) error {
	if d.GeneratedAt.IsZero() {
		d.GeneratedAt = time.Now().UTC()
	}
	idsJSON, err := json.Marshal(d.MessageIDs)
	if err != nil {
		return fmt.Errorf("marshalling message ids: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO diagrams (id, input_hash, message_ids, generated_code, title, diagram_kind, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.InputHash, string(idsJSON), d.GeneratedCode, d.Title, d.DiagramKind, fmtTime(d.GeneratedAt),
	)
	return err
}

const diagramColumns = `id, input_hash, message_ids, generated_code, title, diagram_kind, generated_at`

func scanDiagram(row rowScanner) (DiagramEntry, error) {
	var d DiagramEntry
	var idsJSON, generatedAt string
	err := row.Scan(&d.ID, &d.InputHash, &idsJSON, &d.GeneratedCode, &d.Title, &d.DiagramKind, &generatedAt)
	if err != nil {
		return DiagramEntry{}, err
	}
	if err := json.Unmarshal([]byte(idsJSON), &d.MessageIDs); err != nil {
		return DiagramEntry{}, fmt.Errorf("parsing message_ids for diagram %s: %w", d.ID, err)
	}
	if d.GeneratedAt, err = parseTime(generatedAt); err != nil {
		return DiagramEntry{}, fmt.Errorf("parsing generated_at for diagram %s: %w", d.ID, err)
	}
	return d, nil
}

func (s *Store) GetDiagram(id string) (DiagramEntry, error) {
	row := s.db.QueryRow(`SELECT `+diagramColumns+` FROM diagrams WHERE id = ?`, id)
	d, err := scanDiagram(row)
	if err == sql.ErrNoRows {
		return DiagramEntry{}, ErrNotFound
	}
	return d, err
}

// ListDiagramsByHash returns entries matching an input hash, newest first.
// The hash is a fast-path index only; callers verify message-set equality.
func (s *Store) ListDiagramsByHash(hash string) ([]DiagramEntry, error) {
	rows, err := s.db.Query(`SELECT `+diagramColumns+` FROM diagrams WHERE input_hash = ? ORDER BY generated_at DESC, id DESC`, hash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []DiagramEntry
	for rows.Next() {
		d, err := scanDiagram(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// LatestDiagramForSet returns the newest entry whose message-ID set equals
// ids. Order and duplicates in ids do not matter; entries are stored with
// sorted, deduplicated ID lists and the query canonicalizes the same way.
func (s *Store) LatestDiagramForSet(ids []string) (DiagramEntry, error) {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	slices.Sort(sorted)
	idsJSON, err := json.Marshal(slices.Compact(sorted))
	if err != nil {
		return DiagramEntry{}, fmt.Errorf("marshalling message ids: %w", err)
	}
	row := s.db.QueryRow(`SELECT `+diagramColumns+` FROM diagrams WHERE message_ids = ? ORDER BY generated_at DESC, id DESC LIMIT 1`, string(idsJSON))
	d, err := scanDiagram(row)
	if err == sql.ErrNoRows {
		return DiagramEntry{}, ErrNotFound
	}
	return d, err
}

func (s *Store) ListDiagrams(limit, offset int) ([]DiagramEntry, error) {
	rows, err := s.db.Query(`SELECT `+diagramColumns+` FROM diagrams ORDER BY generated_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []DiagramEntry
	for rows.Next() {
		d, err := scanDiagram(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

func (s *Store) CountDiagrams() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM diagrams`).Scan(&n)
	return n, err
}
