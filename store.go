package flume

import (
	"context"
	"fmt"
	"time"
)

// UserAutomation is one persisted (user, workflow) pairing: the tenant's
// OAuth material, activation flag, substitution parameters, and the polling
// state carried between ticks.
type UserAutomation struct {
	ID           string
	UserID       string
	AutomationID string
	Provider     string
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
	IsActive     bool
	Parameters   map[string]any
	Data         AutomationData
	RunCount     int64
	LastRunAt    time.Time
}

// AutomationData is the per-pair polling state persisted after every tick.
// ProcessedFiles is append-only within a polling series and LastPollTime is
// non-decreasing.
type AutomationData struct {
	LastPollTime   time.Time `json:"lastPollTime"`
	ProcessedFiles []string  `json:"processedFiles"`
	LastRun        time.Time `json:"lastRun"`
	TotalProcessed int64     `json:"totalProcessed"`
}

// Store is the metadata-store surface the supervisor and refresher need.
// Updates are per-field on purpose: the token-refresh path and the
// tick-persist path write concurrently to the same row, and a whole-row
// update from either would clobber the other's fields.
type Store interface {
	// UserAutomation loads one pairing by user and automation id.
	UserAutomation(ctx context.Context, userID, automationID string) (*UserAutomation, error)

	// ActiveAutomations lists every pairing with is_active set, used to
	// resume polling loops on startup.
	ActiveAutomations(ctx context.Context) ([]UserAutomation, error)

	// SetActive flips the activation flag for a pairing row.
	SetActive(ctx context.Context, id string, active bool) error

	// UpdateTokens writes a refreshed token set for a pairing row.
	UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error

	// RecordRun persists the post-tick polling state and increments the run
	// counter in one statement.
	RecordRun(ctx context.Context, id string, data AutomationData, ranAt time.Time) error
}

// TemplateSource resolves an automation id to its workflow template and the
// developer keys used for credential placeholder resolution.
type TemplateSource interface {
	Template(ctx context.Context, automationID string) (*Workflow, error)
	DeveloperKeys(ctx context.Context, automationID string) (map[string]string, error)
}

// ErrNotFound is returned by stores when a pairing row does not exist.
var ErrNotFound = fmt.Errorf("flume: not found")

// PersistenceError wraps a metadata-store write failure. Callers on the tick
// path log it and proceed with in-memory state.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("flume: persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
