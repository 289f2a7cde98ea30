// Package sqlite implements the metadata store on SQLite, suitable for
// single-process deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nevindra/flume"
)

// Store persists user automations and workflow templates in a SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and initializes the
// schema. Use ":memory:" for an in-memory store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// Concurrent loop goroutines share one connection; SQLite serializes.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) init() error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS user_automations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			automation_id TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			token_expiry TEXT,
			is_active INTEGER NOT NULL DEFAULT 0,
			parameters TEXT NOT NULL DEFAULT '{}',
			automation_data TEXT NOT NULL DEFAULT '{}',
			run_count INTEGER NOT NULL DEFAULT 0,
			last_run_at TEXT,
			UNIQUE (user_id, automation_id)
		)`,
		`CREATE TABLE IF NOT EXISTS automation_templates (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			developer_keys TEXT NOT NULL DEFAULT '{}'
		)`,
	}
	for _, q := range ddl {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	return nil
}

const automationColumns = `id, user_id, automation_id, provider, access_token,
	refresh_token, token_expiry, is_active, parameters, automation_data,
	run_count, last_run_at`

// UserAutomation implements flume.Store.
func (s *Store) UserAutomation(ctx context.Context, userID, automationID string) (*flume.UserAutomation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+automationColumns+` FROM user_automations
		 WHERE user_id = ? AND automation_id = ?`,
		userID, automationID)
	ua, err := scanAutomation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flume.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: load automation: %w", err)
	}
	return ua, nil
}

// ActiveAutomations implements flume.Store.
func (s *Store) ActiveAutomations(ctx context.Context) ([]flume.UserAutomation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+automationColumns+` FROM user_automations WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list active: %w", err)
	}
	defer rows.Close()

	var out []flume.UserAutomation
	for rows.Next() {
		ua, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list active: %w", err)
		}
		out = append(out, *ua)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list active: %w", err)
	}
	return out, nil
}

// SetActive implements flume.Store.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE user_automations SET is_active = ? WHERE id = ?`, active, id); err != nil {
		return &flume.PersistenceError{Op: "set active", Err: err}
	}
	return nil
}

// UpdateTokens implements flume.Store.
func (s *Store) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE user_automations
		 SET access_token = ?, refresh_token = ?, token_expiry = ?
		 WHERE id = ?`,
		accessToken, refreshToken, encodeTime(expiry), id); err != nil {
		return &flume.PersistenceError{Op: "update tokens", Err: err}
	}
	return nil
}

// RecordRun implements flume.Store.
func (s *Store) RecordRun(ctx context.Context, id string, data flume.AutomationData, ranAt time.Time) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return &flume.PersistenceError{Op: "record run", Err: err}
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE user_automations
		 SET automation_data = ?, run_count = run_count + 1, last_run_at = ?
		 WHERE id = ?`,
		string(blob), encodeTime(ranAt), id); err != nil {
		return &flume.PersistenceError{Op: "record run", Err: err}
	}
	return nil
}

// Template implements flume.TemplateSource.
func (s *Store) Template(ctx context.Context, automationID string) (*flume.Workflow, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT workflow FROM automation_templates WHERE id = ?`, automationID).Scan(&blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flume.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: load template: %w", err)
	}
	wf, err := flume.ParseWorkflow([]byte(blob))
	if err != nil {
		return nil, fmt.Errorf("sqlite: parse template %s: %w", automationID, err)
	}
	return wf, nil
}

// DeveloperKeys implements flume.TemplateSource.
func (s *Store) DeveloperKeys(ctx context.Context, automationID string) (map[string]string, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT developer_keys FROM automation_templates WHERE id = ?`, automationID).Scan(&blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flume.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: load developer keys: %w", err)
	}
	keys := make(map[string]string)
	if err := json.Unmarshal([]byte(blob), &keys); err != nil {
		return nil, fmt.Errorf("sqlite: parse developer keys %s: %w", automationID, err)
	}
	return keys, nil
}

// SaveTemplate upserts a workflow template and its developer keys.
func (s *Store) SaveTemplate(ctx context.Context, automationID string, wf *flume.Workflow, developerKeys map[string]string) error {
	wfBlob, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("sqlite: encode template: %w", err)
	}
	keyBlob, err := json.Marshal(developerKeys)
	if err != nil {
		return fmt.Errorf("sqlite: encode developer keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO automation_templates (id, workflow, developer_keys)
		 VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET workflow = excluded.workflow,
			developer_keys = excluded.developer_keys`,
		automationID, string(wfBlob), string(keyBlob)); err != nil {
		return &flume.PersistenceError{Op: "save template", Err: err}
	}
	return nil
}

// SaveAutomation upserts a pairing row.
func (s *Store) SaveAutomation(ctx context.Context, ua *flume.UserAutomation) error {
	params, err := json.Marshal(ua.Parameters)
	if err != nil {
		return fmt.Errorf("sqlite: encode parameters: %w", err)
	}
	data, err := json.Marshal(ua.Data)
	if err != nil {
		return fmt.Errorf("sqlite: encode automation data: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO user_automations
			(id, user_id, automation_id, provider, access_token, refresh_token,
			 token_expiry, is_active, parameters, automation_data, run_count, last_run_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			provider = excluded.provider,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expiry = excluded.token_expiry,
			is_active = excluded.is_active,
			parameters = excluded.parameters,
			automation_data = excluded.automation_data,
			run_count = excluded.run_count,
			last_run_at = excluded.last_run_at`,
		ua.ID, ua.UserID, ua.AutomationID, ua.Provider, ua.AccessToken,
		ua.RefreshToken, encodeTime(ua.TokenExpiry), ua.IsActive,
		string(params), string(data), ua.RunCount, encodeTime(ua.LastRunAt)); err != nil {
		return &flume.PersistenceError{Op: "save automation", Err: err}
	}
	return nil
}

func encodeTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAutomation(row rowScanner) (*flume.UserAutomation, error) {
	var (
		ua        flume.UserAutomation
		expiry    sql.NullString
		lastRunAt sql.NullString
		params    string
		data      string
	)
	err := row.Scan(&ua.ID, &ua.UserID, &ua.AutomationID, &ua.Provider,
		&ua.AccessToken, &ua.RefreshToken, &expiry, &ua.IsActive,
		&params, &data, &ua.RunCount, &lastRunAt)
	if err != nil {
		return nil, err
	}
	ua.TokenExpiry = decodeTime(expiry)
	ua.LastRunAt = decodeTime(lastRunAt)
	if params != "" {
		if err := json.Unmarshal([]byte(params), &ua.Parameters); err != nil {
			return nil, fmt.Errorf("parse parameters: %w", err)
		}
	}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &ua.Data); err != nil {
			return nil, fmt.Errorf("parse automation data: %w", err)
		}
	}
	return &ua, nil
}

var (
	_ flume.Store          = (*Store)(nil)
	_ flume.TemplateSource = (*Store)(nil)
)
