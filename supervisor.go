package flume

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPollInterval is used when a trigger does not declare its own
// polling period.
const DefaultPollInterval = 60 * time.Second

// TickHook observes one completed polling tick. Wired by the observer
// package.
type TickHook func(userID, automationID string, res *Result, err error)

type loopKey struct {
	userID       string
	automationID string
}

// pollLoop is the per-(user, automation) state owned by one polling
// goroutine. Fields other than busy are written only while the loop holds
// the tick.
type pollLoop struct {
	key       loopKey
	ua        *UserAutomation
	prepared  *Workflow
	devTokens map[string]string
	interval  time.Duration
	cancel    context.CancelFunc
	busy      atomic.Bool
}

// Supervisor owns every polling loop in the process. One loop exists per
// (user, automation) pair; ticks within a pair never overlap.
type Supervisor struct {
	mu    sync.Mutex
	loops map[loopKey]*pollLoop
	wg    sync.WaitGroup

	store     Store
	templates TemplateSource
	engine    *Engine
	refresher *Refresher

	logf            func(format string, args ...any)
	defaultInterval time.Duration
	stagger         time.Duration
	tokenOverrides  map[string]string
	onTick          TickHook
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithDefaultInterval overrides the fallback polling period.
func WithDefaultInterval(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if d > 0 {
			s.defaultInterval = d
		}
	}
}

// WithResumeStagger sets the delay inserted between loop starts when
// resuming active automations at startup.
func WithResumeStagger(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.stagger = d }
}

// WithTokenOverrides supplies caller token-name mappings that take
// precedence over the default normalization table.
func WithTokenOverrides(overrides map[string]string) SupervisorOption {
	return func(s *Supervisor) { s.tokenOverrides = overrides }
}

// WithTickHook installs a hook invoked after every tick.
func WithTickHook(h TickHook) SupervisorOption {
	return func(s *Supervisor) { s.onTick = h }
}

// WithSupervisorLogf overrides the supervisor's log function.
func WithSupervisorLogf(logf func(format string, args ...any)) SupervisorOption {
	return func(s *Supervisor) { s.logf = logf }
}

// NewSupervisor creates a supervisor driving engine against store-backed
// automations.
func NewSupervisor(store Store, templates TemplateSource, engine *Engine, refresher *Refresher, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		loops:           make(map[loopKey]*pollLoop),
		store:           store,
		templates:       templates,
		engine:          engine,
		refresher:       refresher,
		logf:            log.Printf,
		defaultInterval: DefaultPollInterval,
		stagger:         250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartPolling loads the pairing, refreshes its token if needed, prepares
// the workflow template, runs one test tick, and on success installs the
// interval loop. A failed test tick marks the pairing inactive and returns
// the error without registering a loop.
func (s *Supervisor) StartPolling(ctx context.Context, userID, automationID string) error {
	key := loopKey{userID: userID, automationID: automationID}
	s.mu.Lock()
	if _, exists := s.loops[key]; exists {
		s.mu.Unlock()
		return fmt.Errorf("flume: polling already active for %s/%s", userID, automationID)
	}
	s.mu.Unlock()

	ua, err := s.store.UserAutomation(ctx, userID, automationID)
	if err != nil {
		return fmt.Errorf("flume: load automation %s/%s: %w", userID, automationID, err)
	}
	if ua.AccessToken == "" && ua.RefreshToken == "" {
		return fmt.Errorf("flume: automation %s/%s has no oauth tokens", userID, automationID)
	}
	if s.refresher != nil && s.refresher.NeedsRefresh(ua, time.Now()) {
		if err := s.refresher.Refresh(ctx, ua); err != nil {
			return err
		}
	}

	tmpl, err := s.templates.Template(ctx, automationID)
	if err != nil {
		return fmt.Errorf("flume: load template %s: %w", automationID, err)
	}
	devKeys, err := s.templates.DeveloperKeys(ctx, automationID)
	if err != nil {
		return fmt.Errorf("flume: load developer keys %s: %w", automationID, err)
	}
	prepared, devTokens, err := Prepare(tmpl, ua.Parameters, devKeys)
	if err != nil {
		return fmt.Errorf("flume: prepare template %s: %w", automationID, err)
	}

	loop := &pollLoop{
		key:       key,
		ua:        ua,
		prepared:  prepared,
		devTokens: devTokens,
		interval:  s.pollInterval(prepared),
	}

	if err := s.tick(ctx, loop); err != nil {
		if serr := s.store.SetActive(ctx, ua.ID, false); serr != nil {
			s.logf(" [supervisor] deactivate %s failed: %v", ua.ID, serr)
		}
		return fmt.Errorf("flume: test tick %s/%s: %w", userID, automationID, err)
	}
	if err := s.store.SetActive(ctx, ua.ID, true); err != nil {
		s.logf(" [supervisor] activate %s failed: %v", ua.ID, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	loop.cancel = cancel

	s.mu.Lock()
	if _, exists := s.loops[key]; exists {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("flume: polling already active for %s/%s", userID, automationID)
	}
	s.loops[key] = loop
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(loopCtx, loop)
	s.logf(" [supervisor] polling started for %s/%s every %s", userID, automationID, loop.interval)
	return nil
}

// StopPolling cancels the loop for the pair and marks the pairing inactive.
func (s *Supervisor) StopPolling(ctx context.Context, userID, automationID string) error {
	key := loopKey{userID: userID, automationID: automationID}
	s.mu.Lock()
	loop, ok := s.loops[key]
	if ok {
		delete(s.loops, key)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("flume: no polling registered for %s/%s", userID, automationID)
	}
	loop.cancel()
	if err := s.store.SetActive(ctx, loop.ua.ID, false); err != nil {
		s.logf(" [supervisor] deactivate %s failed: %v", loop.ua.ID, err)
	}
	s.logf(" [supervisor] polling stopped for %s/%s", userID, automationID)
	return nil
}

// StopAll cancels every loop and waits for in-flight ticks to finish.
// Called on shutdown signals; activation flags are left as they are so the
// next start can resume.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	for key, loop := range s.loops {
		loop.cancel()
		delete(s.loops, key)
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logf(" [supervisor] all polling stopped")
}

// ResumeActive restarts a loop for every pairing persisted as active,
// staggering starts so a restart does not stampede the external stores.
func (s *Supervisor) ResumeActive(ctx context.Context) error {
	active, err := s.store.ActiveAutomations(ctx)
	if err != nil {
		return fmt.Errorf("flume: list active automations: %w", err)
	}
	for i := range active {
		ua := &active[i]
		if i > 0 && s.stagger > 0 {
			select {
			case <-time.After(s.stagger):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := s.StartPolling(ctx, ua.UserID, ua.AutomationID); err != nil {
			s.logf(" [supervisor] resume %s/%s failed: %v", ua.UserID, ua.AutomationID, err)
		}
	}
	return nil
}

// Running reports whether a loop is registered for the pair.
func (s *Supervisor) Running(userID, automationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[loopKey{userID: userID, automationID: automationID}]
	return ok
}

func (s *Supervisor) run(ctx context.Context, loop *pollLoop) {
	defer s.wg.Done()
	ticker := time.NewTicker(loop.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.tick(ctx, loop); err != nil {
				s.logf(" [supervisor] tick %s/%s: %v", loop.key.userID, loop.key.automationID, err)
			}
		}
	}
}

// tick runs one polling iteration. Overlapping ticks for the same pair are
// skipped, not queued. The execution start time is captured before the
// engine runs and becomes the next cursor, so events arriving mid-execution
// fall inside the next window instead of being lost.
func (s *Supervisor) tick(ctx context.Context, loop *pollLoop) error {
	if !loop.busy.CompareAndSwap(false, true) {
		s.logf(" [supervisor] tick skipped for %s/%s, previous still running", loop.key.userID, loop.key.automationID)
		return nil
	}
	defer loop.busy.Store(false)

	ua := loop.ua
	if s.refresher != nil && s.refresher.NeedsRefresh(ua, time.Now()) {
		if err := s.refresher.Refresh(ctx, ua); err != nil {
			return err
		}
	}

	tokens := s.tickTokens(loop)
	wf, err := loop.prepared.Clone()
	if err != nil {
		return fmt.Errorf("clone template: %w", err)
	}
	InjectTokens(wf, tokens)

	processed := make(map[string]bool, len(ua.Data.ProcessedFiles))
	for _, key := range ua.Data.ProcessedFiles {
		processed[key] = true
	}

	start := time.Now()
	exec := NewExecution(wf,
		WithTokens(tokens),
		WithInitialData(map[string]any{"body": ua.Parameters}),
		WithPollingCursor(ua.Data.LastPollTime),
		WithProcessedSet(ua.Data.ProcessedFiles),
	)
	res := s.engine.Run(ctx, exec)
	if s.onTick != nil {
		s.onTick(loop.key.userID, loop.key.automationID, res, res.Err)
	}
	if res.Err != nil {
		return res.Err
	}

	newKeys := s.triggerKeys(wf, res)
	for _, key := range newKeys {
		if !processed[key] {
			processed[key] = true
			ua.Data.ProcessedFiles = append(ua.Data.ProcessedFiles, key)
			ua.Data.TotalProcessed++
		}
	}
	ua.Data.LastPollTime = start
	ua.Data.LastRun = time.Now()
	ua.RunCount++
	ua.LastRunAt = ua.Data.LastRun

	if err := s.store.RecordRun(ctx, ua.ID, ua.Data, ua.LastRunAt); err != nil {
		s.logf(" [supervisor] persist tick state for %s failed: %v", ua.ID, err)
	}
	return nil
}

// tickTokens assembles the token bag for one tick: the pairing's provider
// access token plus the developer keys resolved at preparation time.
func (s *Supervisor) tickTokens(loop *pollLoop) map[string]string {
	raw := make(map[string]string, len(loop.devTokens)+1)
	for k, v := range loop.devTokens {
		raw[k] = v
	}
	if loop.ua.AccessToken != "" {
		raw[providerTokenName(loop.ua.Provider)] = loop.ua.AccessToken
	}
	return NormalizeTokens(raw, s.tokenOverrides)
}

func providerTokenName(provider string) string {
	switch strings.ToLower(provider) {
	case "google":
		return "googleAccessToken"
	case "tiktok":
		return "tiktokAccessToken"
	case "slack":
		return "slackApiKey"
	default:
		return "accessToken"
	}
}

// triggerKeys reads the trigger node's output and extracts each item's
// natural key for deduplication.
func (s *Supervisor) triggerKeys(wf *Workflow, res *Result) []string {
	var keys []string
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if !IsTriggerType(n.Type) {
			continue
		}
		for _, item := range res.Outputs[n.Name] {
			if key := naturalKey(item); key != "" {
				keys = append(keys, key)
			}
		}
	}
	return keys
}

func naturalKey(item Item) string {
	obj, ok := item.JSON.(map[string]any)
	if !ok {
		return ""
	}
	for _, field := range []string{"id", "fileId", "key"} {
		if v, has := obj[field]; has {
			return Stringify(v)
		}
	}
	return ""
}

// pollInterval reads the trigger node's declared polling period. Supported
// forms are pollTimes.everyX with a unit (seconds, minutes, hours) and a
// plain pollIntervalSeconds number.
func (s *Supervisor) pollInterval(wf *Workflow) time.Duration {
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if !IsTriggerType(n.Type) {
			continue
		}
		if v, ok := n.Parameters["pollIntervalSeconds"]; ok {
			if secs := asInt(v); secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
		pt, ok := n.Parameters["pollTimes"].(map[string]any)
		if !ok {
			continue
		}
		every, ok := pt["everyX"].(map[string]any)
		if !ok {
			continue
		}
		value := asInt(every["value"])
		if value <= 0 {
			continue
		}
		switch every["unit"] {
		case "seconds":
			return time.Duration(value) * time.Second
		case "hours":
			return time.Duration(value) * time.Hour
		default:
			return time.Duration(value) * time.Minute
		}
	}
	return s.defaultInterval
}

func asInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case int64:
		return int(t)
	}
	return 0
}
