package taskstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hochfrequenz/claude-issue-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for task records, cancellation
// flags and orchestration parameters. Absent and malformed rows read as
// "not found"; only database failures are returned as errors.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// mu serialises read-modify-write sequences within this process
	mu sync.Mutex
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger used to report skipped corrupt rows
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a new Store with the given database path
func New(dbPath string, opts ...Option) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection keeps :memory: databases coherent and pragmas applied.
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s := &Store{db: db, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the record for key. ok is false when the record is absent or
// cannot be decoded.
func (s *Store) Get(key string) (*domain.TaskRecord, bool) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM tasks WHERE issue_key = ?`, key).Scan(&data)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("read task", "key", key, "error", err)
		}
		return nil, false
	}
	rec, err := decodeRecord(data)
	if err != nil {
		s.logger.Warn("corrupt task record", "key", key, "error", err)
		return nil, false
	}
	return rec, true
}

// Save overwrites the record and bumps UpdatedAt
func (s *Store) Save(rec *domain.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(rec)
}

func (s *Store) save(rec *domain.TaskRecord) error {
	if rec.IssueKey == "" {
		return errors.New("task record has no issue key")
	}
	if rec.TaskID == "" {
		rec.TaskID = domain.TaskID(rec.IssueKey)
	}
	if rec.ProgressLog == nil {
		rec.ProgressLog = []string{}
	}
	rec.UpdatedAt = time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	sanitizeRecord(rec)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", rec.IssueKey, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (issue_key, data, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(issue_key) DO UPDATE SET
			data = excluded.data,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, rec.IssueKey, string(data), string(rec.Status), rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save task %s: %w", rec.IssueKey, err)
	}
	return nil
}

// AppendLog adds a timestamped line to the record's progress log. It is a
// no-op when the record does not exist.
func (s *Store) AppendLog(key, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.Get(key)
	if !ok {
		return nil
	}
	rec.AppendLog(domain.FormatLogLine(time.Now(), domain.SanitizeText(line)))
	return s.save(rec)
}

// SetStatus changes the status and merges patch. It is a no-op when the
// record does not exist.
func (s *Store) SetStatus(key string, status domain.TaskStatus, patch domain.StatusPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.Get(key)
	if !ok {
		return nil
	}
	rec.Status = status
	patch.Apply(rec)
	return s.save(rec)
}

// Update applies fn to the stored record and saves it. It is a no-op when
// the record does not exist.
func (s *Store) Update(key string, fn func(*domain.TaskRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.Get(key)
	if !ok {
		return nil
	}
	fn(rec)
	return s.save(rec)
}

// ListAll returns every decodable record, most recently updated first
func (s *Store) ListAll() ([]*domain.TaskRecord, error) {
	rows, err := s.db.Query(`SELECT issue_key, data FROM tasks ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.TaskRecord
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(data)
		if err != nil {
			s.logger.Warn("skipping corrupt task record", "key", key, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Remove deletes the record, its cancellation flag and its parameters
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, q := range []string{
		`DELETE FROM tasks WHERE issue_key = ?`,
		`DELETE FROM cancel_flags WHERE issue_key = ?`,
		`DELETE FROM orchestration_params WHERE issue_key = ?`,
	} {
		if _, err := s.db.Exec(q, key); err != nil {
			return fmt.Errorf("remove %s: %w", key, err)
		}
	}
	return nil
}

// RequestCancel sets the cancellation flag for key
func (s *Store) RequestCancel(key string) error {
	_, err := s.db.Exec(`
		INSERT INTO cancel_flags (issue_key, requested_at) VALUES (?, ?)
		ON CONFLICT(issue_key) DO NOTHING
	`, key, time.Now().UTC())
	return err
}

// IsCancelRequested reports whether the cancellation flag for key is set
func (s *Store) IsCancelRequested(key string) bool {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM cancel_flags WHERE issue_key = ?`, key).Scan(&n)
	if err != nil {
		s.logger.Warn("read cancel flag", "key", key, "error", err)
		return false
	}
	return n > 0
}

// ClearCancel removes the cancellation flag for key
func (s *Store) ClearCancel(key string) error {
	_, err := s.db.Exec(`DELETE FROM cancel_flags WHERE issue_key = ?`, key)
	return err
}

// SaveParams replaces the orchestration parameters stored for key
func (s *Store) SaveParams(key string, params *domain.OrchestrationParams) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params %s: %w", key, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO orchestration_params (issue_key, data, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(issue_key) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at
	`, key, domain.SanitizeText(string(data)), time.Now().UTC())
	return err
}

// GetParams returns the parameters stored for key. ok is false when absent
// or malformed.
func (s *Store) GetParams(key string) (*domain.OrchestrationParams, bool) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM orchestration_params WHERE issue_key = ?`, key).Scan(&data)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("read params", "key", key, "error", err)
		}
		return nil, false
	}
	var params domain.OrchestrationParams
	if err := json.Unmarshal([]byte(data), &params); err != nil {
		s.logger.Warn("corrupt orchestration params", "key", key, "error", err)
		return nil, false
	}
	return &params, true
}

// ClearParams removes the parameters stored for key
func (s *Store) ClearParams(key string) error {
	_, err := s.db.Exec(`DELETE FROM orchestration_params WHERE issue_key = ?`, key)
	return err
}

func decodeRecord(data string) (*domain.TaskRecord, error) {
	var rec domain.TaskRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, err
	}
	if rec.IssueKey == "" {
		return nil, errors.New("missing issueKey")
	}
	if rec.ProgressLog == nil {
		rec.ProgressLog = []string{}
	}
	return &rec, nil
}

func sanitizeRecord(r *domain.TaskRecord) {
	for _, p := range []*string{
		&r.IssueSummary, &r.IssueURL, &r.RepoName, &r.BranchName, &r.WorktreePath,
		&r.BaseBranch, &r.ClaudeSessionID, &r.PRURL, &r.Error,
	} {
		*p = domain.SanitizeText(*p)
	}
	for i, line := range r.ProgressLog {
		r.ProgressLog[i] = domain.SanitizeText(line)
	}
}
