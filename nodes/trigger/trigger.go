// Package trigger implements the entry-point executors: manual and schedule
// starts, webhook payload intake, and cursor-based polling against an
// external record source.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/nevindra/flume"
)

// Manual starts a workflow from a direct invocation. The initial payload, if
// any, passes through unchanged; with no payload it emits a single empty
// item so downstream nodes still fire once.
type Manual struct{}

// NewManual creates a manual trigger executor.
func NewManual() *Manual { return &Manual{} }

func (m *Manual) Execute(ctx context.Context, node *flume.Node, input []flume.Item, exec *flume.Execution) ([]flume.Item, error) {
	if len(input) > 0 {
		return input, nil
	}
	return []flume.Item{{JSON: map[string]any{}}}, nil
}

// Schedule starts a workflow from a timer tick. It emits one item stamping
// the tick time so downstream nodes can window on it.
type Schedule struct {
	now func() time.Time
}

// NewSchedule creates a schedule trigger executor.
func NewSchedule() *Schedule { return &Schedule{now: time.Now} }

func (s *Schedule) Execute(ctx context.Context, node *flume.Node, input []flume.Item, exec *flume.Execution) ([]flume.Item, error) {
	return []flume.Item{{JSON: map[string]any{
		"timestamp": s.now().UTC().Format(time.RFC3339),
	}}}, nil
}

// Webhook starts a workflow from an inbound request payload carried in the
// initial data. The payload arrives as this node's input; it passes through
// item-normalized.
type Webhook struct{}

// NewWebhook creates a webhook trigger executor.
func NewWebhook() *Webhook { return &Webhook{} }

func (w *Webhook) Execute(ctx context.Context, node *flume.Node, input []flume.Item, exec *flume.Execution) ([]flume.Item, error) {
	return input, nil
}

// Record is one candidate emitted by a polling source before filtering.
type Record struct {
	ID        string
	CreatedAt time.Time
	Data      map[string]any
}

// Source lists the candidate records for one poll. Implementations wrap an
// external store (Drive listing, mailbox, feed) and may read the trigger
// node's parameters for query configuration.
type Source interface {
	List(ctx context.Context, node *flume.Node, exec *flume.Execution) ([]Record, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, node *flume.Node, exec *flume.Execution) ([]Record, error)

func (f SourceFunc) List(ctx context.Context, node *flume.Node, exec *flume.Execution) ([]Record, error) {
	return f(ctx, node, exec)
}

// Poll is the polling trigger executor. Each run lists the source's
// candidates and keeps only records newer than the execution's polling
// cursor whose natural key is not in the processed set. An empty result is
// a normal outcome, not an error.
type Poll struct {
	source Source
}

// NewPoll creates a polling trigger executor over source.
func NewPoll(source Source) *Poll {
	return &Poll{source: source}
}

func (p *Poll) Execute(ctx context.Context, node *flume.Node, input []flume.Item, exec *flume.Execution) ([]flume.Item, error) {
	records, err := p.source.List(ctx, node, exec)
	if err != nil {
		return nil, fmt.Errorf("trigger: list %q: %w", node.Name, err)
	}

	items := make([]flume.Item, 0, len(records))
	for _, rec := range records {
		if !exec.PollingCursor.IsZero() && !rec.CreatedAt.After(exec.PollingCursor) {
			continue
		}
		if exec.ProcessedSet[rec.ID] {
			continue
		}
		data := make(map[string]any, len(rec.Data)+1)
		for k, v := range rec.Data {
			data[k] = v
		}
		data["id"] = rec.ID
		items = append(items, flume.Item{JSON: data})
	}
	return items, nil
}

var (
	_ flume.Executor = (*Manual)(nil)
	_ flume.Executor = (*Schedule)(nil)
	_ flume.Executor = (*Webhook)(nil)
	_ flume.Executor = (*Poll)(nil)
)
