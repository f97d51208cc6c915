// Package session implements the debug session state machine and the
// directory that tracks every session of the process.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/stepdebug/internal/logging"
	"github.com/shehryarbajwa/stepdebug/internal/prereq"
	"github.com/shehryarbajwa/stepdebug/internal/script"
	"github.com/shehryarbajwa/stepdebug/pkg/models"
)

// Contexts is the automation context pool as seen by sessions
type Contexts interface {
	Acquire(ctx context.Context, testID, userID string) (*models.AutomationContext, error)
	Release(ctx context.Context, contextID string)
	Touch(contextID string) error
	Get(contextID string) (models.AutomationContext, error)
	OnEvict(fn func(contextID string))
	CloseAll(ctx context.Context) error
}

// StepExecutor runs one step against a context
type StepExecutor interface {
	Execute(ctx context.Context, contextID string, step models.TestStep, override string) (*models.StepResult, error)
}

// Prerequisites replays the steps before a target
type Prerequisites interface {
	Run(ctx context.Context, contextID, baseURL string, steps []models.TestStep) (*prereq.Result, error)
}

// Artifacts holds screenshots captured during a session
type Artifacts interface {
	DeleteOwner(owner string) (int, error)
	Archive(owner string, w io.Writer) error
}

// Options tunes session behaviour
type Options struct {
	ExecutionCost             int64
	SetupCost                 int64
	MaxIterations             int // 0 means unlimited
	IdleTimeout               time.Duration
	SetupPollInterval         time.Duration
	SetupMaxPolls             int
	SweepInterval             time.Duration
	Retention                 time.Duration
	ContinuousInterval        time.Duration
	RequireManualConfirmation bool

	// SetupTimeout bounds automated setup; derived from the poll settings
	SetupTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = time.Hour
	}
	if o.SetupPollInterval <= 0 {
		o.SetupPollInterval = 2 * time.Second
	}
	if o.SetupMaxPolls <= 0 {
		o.SetupMaxPolls = 150
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.Retention <= 0 {
		o.Retention = 30 * time.Minute
	}
	if o.ContinuousInterval <= 0 {
		o.ContinuousInterval = time.Second
	}
	o.SetupTimeout = o.SetupPollInterval * time.Duration(o.SetupMaxPolls)
	return o
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Manager is the session directory
type Manager struct {
	rt      *runtime
	scripts script.Source
	shots   Artifacts
	log     *zap.Logger

	sessions  sync.Map // session id -> *Session
	byContext sync.Map // context id -> session id
}

// NewManager wires a session directory; shots may be nil
func NewManager(contexts Contexts, scripts script.Source, exec StepExecutor, runner Prerequisites, shots Artifacts, opts Options, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("session")

	m := &Manager{
		rt: &runtime{
			contexts: contexts,
			exec:     exec,
			runner:   runner,
			opts:     opts.withDefaults(),
			log:      log,
			now:      time.Now,
		},
		scripts: scripts,
		shots:   shots,
		log:     log,
	}
	contexts.OnEvict(m.handleEviction)
	return m
}

// Create validates the request, acquires a context and starts setup
func (m *Manager) Create(ctx context.Context, req models.StartDebugRequest) (*models.DebugSession, error) {
	if req.Mode == "" {
		req.Mode = models.ModeAuto
	}
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("%w: unknown mode %q", models.ErrInvalidRequest, req.Mode)
	}
	if err := validateRange(req.TargetStepNumber, req.EndStepNumber, 0); err != nil {
		return nil, err
	}

	sc, err := m.scripts.Load(ctx, req.ExecutionID)
	if err != nil {
		return nil, err
	}
	if err := validateRange(req.TargetStepNumber, req.EndStepNumber, len(sc.Steps)); err != nil {
		return nil, err
	}

	userID := req.UserID
	if userID == "" {
		userID = sc.UserID
	}

	s := newSession(m.rt, req, sc)
	if err := s.acquire(ctx, userID); err != nil {
		return nil, err
	}

	m.sessions.Store(s.ID(), s)
	m.byContext.Store(s.owner, s.ID())
	s.begin()

	snap := s.Snapshot()
	s.log.Info("debug session started",
		zap.String("mode", string(snap.Mode)),
		zap.Int("target", snap.TargetStepNumber),
		zap.Int("last", s.last),
		zap.String("status", string(snap.Status)))
	return &snap, nil
}

func validateRange(target int, end *int, steps int) error {
	if target < 1 {
		return fmt.Errorf("%w: target_step_number must be at least 1, got %d", models.ErrInvalidRange, target)
	}
	last := target
	if end != nil {
		if *end < target {
			return fmt.Errorf("%w: end_step_number %d is before target_step_number %d", models.ErrInvalidRange, *end, target)
		}
		last = *end
	}
	if steps > 0 && last > steps {
		return fmt.Errorf("%w: step %d is beyond the script's %d steps", models.ErrInvalidRange, last, steps)
	}
	return nil
}

// Get returns the session with the given id
func (m *Manager) Get(id string) (*Session, error) {
	value, ok := m.sessions.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, id)
	}
	return value.(*Session), nil
}

// lookup returns the session after expiring it if it sat idle too long
func (m *Manager) lookup(id string) (*Session, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	s.expireIdle(m.rt.now(), m.rt.opts.IdleTimeout)
	return s, nil
}

// Status returns the current snapshot of a session
func (m *Manager) Status(id string) (models.DebugSession, error) {
	s, err := m.lookup(id)
	if err != nil {
		return models.DebugSession{}, err
	}
	return s.Snapshot(), nil
}

// List returns sessions newest first
func (m *Manager) List(skip, limit int) models.SessionList {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if skip < 0 {
		skip = 0
	}

	now := m.rt.now()
	var all []models.DebugSession
	m.sessions.Range(func(key, value interface{}) bool {
		s := value.(*Session)
		s.expireIdle(now, m.rt.opts.IdleTimeout)
		all = append(all, s.Snapshot())
		return true
	})

	sort.Slice(all, func(i, j int) bool {
		if all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].SessionID < all[j].SessionID
		}
		return all[i].StartedAt.After(all[j].StartedAt)
	})

	active := 0
	for _, snap := range all {
		if !snap.Status.Terminal() {
			active++
		}
	}

	page := []models.DebugSession{}
	if skip < len(all) {
		end := skip + limit
		if end > len(all) {
			end = len(all)
		}
		page = all[skip:end]
	}

	return models.SessionList{
		Sessions:       page,
		Total:          len(all),
		ActiveSessions: active,
		Skip:           skip,
		Limit:          limit,
	}
}

// Instructions returns the manual setup steps of a session
func (m *Manager) Instructions(id string) ([]models.SetupInstruction, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return s.Instructions()
}

// ConfirmSetup marks manual setup as done
func (m *Manager) ConfirmSetup(id string) (models.DebugSession, error) {
	s, err := m.lookup(id)
	if err != nil {
		return models.DebugSession{}, err
	}
	return s.ConfirmSetup()
}

// ExecuteStep re-runs the current step of a session
func (m *Manager) ExecuteStep(ctx context.Context, req models.ExecuteStepRequest) (*models.StepResult, error) {
	s, err := m.lookup(req.SessionID)
	if err != nil {
		return nil, err
	}
	return s.ExecuteStep(ctx, req.IterationNote, req.Instruction)
}

// ExecuteNext runs the next step of a session's range
func (m *Manager) ExecuteNext(ctx context.Context, id string) (*models.ExecuteNextResponse, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	result, err := s.ExecuteNext(ctx)
	if err != nil {
		return nil, err
	}

	return &models.ExecuteNextResponse{
		StepResult: *result,
		TotalSteps: len(s.script.Steps),
		Status:     s.Snapshot().Status,
	}, nil
}

// SetContinuous toggles continuous play
func (m *Manager) SetContinuous(id string, req models.ContinuousRequest) (models.DebugSession, error) {
	s, err := m.lookup(id)
	if err != nil {
		return models.DebugSession{}, err
	}
	return s.SetContinuous(req.Enabled, time.Duration(req.IntervalMs)*time.Millisecond)
}

// Stop ends a session; repeated calls return the same counters
func (m *Manager) Stop(id string) (models.StopResponse, error) {
	s, err := m.lookup(id)
	if err != nil {
		return models.StopResponse{}, err
	}
	return s.Stop(), nil
}

// AwaitSetup polls a session until it leaves setup, at most SetupMaxPolls
// times SetupPollInterval apart
func (m *Manager) AwaitSetup(ctx context.Context, id string) (models.DebugSession, error) {
	s, err := m.lookup(id)
	if err != nil {
		return models.DebugSession{}, err
	}

	ticker := time.NewTicker(m.rt.opts.SetupPollInterval)
	defer ticker.Stop()

	for polls := 0; ; polls++ {
		snap := s.Snapshot()
		if snap.Status != models.StatusSetupInProgress {
			return snap, nil
		}
		if polls >= m.rt.opts.SetupMaxPolls {
			return snap, fmt.Errorf("%w: still in setup after %d polls", models.ErrSetupTimeout, polls)
		}

		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ConnectURL returns the CDP endpoint behind a live session
func (m *Manager) ConnectURL(id string) (string, error) {
	s, err := m.lookup(id)
	if err != nil {
		return "", err
	}

	snap := s.Snapshot()
	if snap.ContextID == "" {
		return "", fmt.Errorf("%w: session is %s", models.ErrSessionTerminated, snap.Status)
	}
	c, err := m.rt.contexts.Get(snap.ContextID)
	if err != nil {
		return "", err
	}
	if c.ConnectURL == "" {
		return "", fmt.Errorf("%w: live view needs a containerised browser", models.ErrInvalidRequest)
	}
	return c.ConnectURL, nil
}

// Archive writes every screenshot of a session as a tar.gz
func (m *Manager) Archive(id string, w io.Writer) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if m.shots == nil {
		return errors.New("screenshot storage is not configured")
	}
	return m.shots.Archive(s.owner, w)
}

// Sweep expires idle sessions and forgets terminal sessions past retention
func (m *Manager) Sweep(ctx context.Context) (expired, removed int) {
	now := m.rt.now()

	m.sessions.Range(func(key, value interface{}) bool {
		if ctx.Err() != nil {
			return false
		}

		s := value.(*Session)
		if s.expireIdle(now, m.rt.opts.IdleTimeout) {
			expired++
		}
		if !s.retired(now, m.rt.opts.Retention) {
			return true
		}

		m.sessions.Delete(key)
		m.byContext.Delete(s.owner)
		if m.shots != nil {
			if _, err := m.shots.DeleteOwner(s.owner); err != nil {
				s.log.Warn("failed to delete screenshots", zap.Error(err))
			}
		}
		removed++
		return true
	})

	if expired > 0 || removed > 0 {
		m.log.Info("sweep complete", zap.Int("expired", expired), zap.Int("removed", removed))
	}
	return expired, removed
}

// Run sweeps every SweepInterval until ctx is done
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.rt.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Shutdown stops every session, waits for background work and closes the
// pool. It gives up waiting when ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	stopped := 0
	m.sessions.Range(func(key, value interface{}) bool {
		s := value.(*Session)
		if !s.Snapshot().Status.Terminal() {
			s.Stop()
			stopped++
		}
		return true
	})
	m.log.Info("sessions stopped for shutdown", zap.Int("count", stopped))

	var errs []error

	done := make(chan struct{})
	go func() {
		m.rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for session tasks: %w", ctx.Err()))
	}

	if err := m.rt.contexts.CloseAll(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Manager) handleEviction(contextID string) {
	value, ok := m.byContext.Load(contextID)
	if !ok {
		return
	}
	s, err := m.Get(value.(string))
	if err != nil {
		return
	}
	if s.contextEvicted() {
		m.log.Info("session cancelled after context eviction",
			zap.String("session_id", logging.ShortID(s.ID())),
			zap.String("context_id", logging.ShortID(contextID)))
	}
}
