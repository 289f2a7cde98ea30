// Package postgres implements the metadata store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/flume"
)

// Store persists user automations and workflow templates in PostgreSQL.
// The pool is injected so the caller controls its lifecycle.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store over pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the schema if it does not exist.
func (s *Store) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS user_automations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			automation_id TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			token_expiry TIMESTAMPTZ,
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			parameters JSONB NOT NULL DEFAULT '{}',
			automation_data JSONB NOT NULL DEFAULT '{}',
			run_count BIGINT NOT NULL DEFAULT 0,
			last_run_at TIMESTAMPTZ,
			UNIQUE (user_id, automation_id)
		)`,
		`CREATE INDEX IF NOT EXISTS user_automations_active_idx
			ON user_automations (is_active) WHERE is_active`,
		`CREATE TABLE IF NOT EXISTS automation_templates (
			id TEXT PRIMARY KEY,
			workflow JSONB NOT NULL,
			developer_keys JSONB NOT NULL DEFAULT '{}'
		)`,
	}
	for _, q := range ddl {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

const automationColumns = `id, user_id, automation_id, provider, access_token,
	refresh_token, token_expiry, is_active, parameters, automation_data,
	run_count, last_run_at`

// UserAutomation implements flume.Store.
func (s *Store) UserAutomation(ctx context.Context, userID, automationID string) (*flume.UserAutomation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+automationColumns+` FROM user_automations
		 WHERE user_id = $1 AND automation_id = $2`,
		userID, automationID)
	ua, err := scanAutomation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, flume.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: load automation: %w", err)
	}
	return ua, nil
}

// ActiveAutomations implements flume.Store.
func (s *Store) ActiveAutomations(ctx context.Context) ([]flume.UserAutomation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+automationColumns+` FROM user_automations WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active: %w", err)
	}
	defer rows.Close()

	var out []flume.UserAutomation
	for rows.Next() {
		ua, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list active: %w", err)
		}
		out = append(out, *ua)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list active: %w", err)
	}
	return out, nil
}

// SetActive implements flume.Store.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE user_automations SET is_active = $2 WHERE id = $1`, id, active); err != nil {
		return &flume.PersistenceError{Op: "set active", Err: err}
	}
	return nil
}

// UpdateTokens implements flume.Store. Only token fields are touched so a
// concurrent tick-state write is never clobbered.
func (s *Store) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE user_automations
		 SET access_token = $2, refresh_token = $3, token_expiry = $4
		 WHERE id = $1`,
		id, accessToken, refreshToken, expiry); err != nil {
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
	if _, err := s.pool.Exec(ctx,
		`UPDATE user_automations
		 SET automation_data = $2, run_count = run_count + 1, last_run_at = $3
		 WHERE id = $1`,
		id, blob, ranAt); err != nil {
		return &flume.PersistenceError{Op: "record run", Err: err}
	}
	return nil
}

// Template implements flume.TemplateSource.
func (s *Store) Template(ctx context.Context, automationID string) (*flume.Workflow, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx,
		`SELECT workflow FROM automation_templates WHERE id = $1`, automationID).Scan(&blob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, flume.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: load template: %w", err)
	}
	wf, err := flume.ParseWorkflow(blob)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse template %s: %w", automationID, err)
	}
	return wf, nil
}

// DeveloperKeys implements flume.TemplateSource.
func (s *Store) DeveloperKeys(ctx context.Context, automationID string) (map[string]string, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx,
		`SELECT developer_keys FROM automation_templates WHERE id = $1`, automationID).Scan(&blob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, flume.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: load developer keys: %w", err)
	}
	keys := make(map[string]string)
	if err := json.Unmarshal(blob, &keys); err != nil {
		return nil, fmt.Errorf("postgres: parse developer keys %s: %w", automationID, err)
	}
	return keys, nil
}

// SaveTemplate upserts a workflow template and its developer keys.
func (s *Store) SaveTemplate(ctx context.Context, automationID string, wf *flume.Workflow, developerKeys map[string]string) error {
	wfBlob, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("postgres: encode template: %w", err)
	}
	keyBlob, err := json.Marshal(developerKeys)
	if err != nil {
		return fmt.Errorf("postgres: encode developer keys: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO automation_templates (id, workflow, developer_keys)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET workflow = $2, developer_keys = $3`,
		automationID, wfBlob, keyBlob); err != nil {
		return &flume.PersistenceError{Op: "save template", Err: err}
	}
	return nil
}

// SaveAutomation upserts a pairing row.
func (s *Store) SaveAutomation(ctx context.Context, ua *flume.UserAutomation) error {
	params, err := json.Marshal(ua.Parameters)
	if err != nil {
		return fmt.Errorf("postgres: encode parameters: %w", err)
	}
	data, err := json.Marshal(ua.Data)
	if err != nil {
		return fmt.Errorf("postgres: encode automation data: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO user_automations
			(id, user_id, automation_id, provider, access_token, refresh_token,
			 token_expiry, is_active, parameters, automation_data, run_count, last_run_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
			provider = $4, access_token = $5, refresh_token = $6,
			token_expiry = $7, is_active = $8, parameters = $9,
			automation_data = $10, run_count = $11, last_run_at = $12`,
		ua.ID, ua.UserID, ua.AutomationID, ua.Provider, ua.AccessToken,
		ua.RefreshToken, nullTime(ua.TokenExpiry), ua.IsActive, params, data,
		ua.RunCount, nullTime(ua.LastRunAt)); err != nil {
		return &flume.PersistenceError{Op: "save automation", Err: err}
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAutomation(row rowScanner) (*flume.UserAutomation, error) {
	var (
		ua        flume.UserAutomation
		expiry    *time.Time
		lastRunAt *time.Time
		params    []byte
		data      []byte
	)
	err := row.Scan(&ua.ID, &ua.UserID, &ua.AutomationID, &ua.Provider,
		&ua.AccessToken, &ua.RefreshToken, &expiry, &ua.IsActive,
		&params, &data, &ua.RunCount, &lastRunAt)
	if err != nil {
		return nil, err
	}
	if expiry != nil {
		ua.TokenExpiry = *expiry
	}
	if lastRunAt != nil {
		ua.LastRunAt = *lastRunAt
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &ua.Parameters); err != nil {
			return nil, fmt.Errorf("parse parameters: %w", err)
		}
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ua.Data); err != nil {
			return nil, fmt.Errorf("parse automation data: %w", err)
		}
	}
	return &ua, nil
}

var (
	_ flume.Store          = (*Store)(nil)
	_ flume.TemplateSource = (*Store)(nil)
)
