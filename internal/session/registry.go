// Package session owns the set of live automation sessions and their
// state machines.
//
// Locking discipline: the registry mutex only guards the id/username maps
// and is never held across driver calls. Compound read-modify-write flows
// keyed by username (eviction-then-create, logout, idle deletion) are
// serialized by a per-username mutex instead, so a slow driver release for
// one user never blocks another user's login.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"homerbot/internal/automation"
	"homerbot/internal/clock"
	logx "homerbot/pkg/logx"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session not found")

// ErrNoDriver signals a caller bug: Create requires a driver handle.
var ErrNoDriver = errors.New("driver handle is required")

// ErrNotAuthenticated is returned when an operation needs a logged-in session.
var ErrNotAuthenticated = errors.New("session not authenticated")

// Alerter delivers operator-facing notifications. Implementations must
// never block the caller for long.
type Alerter interface {
	Alertf(format string, args ...any)
}

// Config is session lifetime policy.
type Config struct {
	// IdleTimeout closes sessions with no client activity (default 3h).
	IdleTimeout time.Duration
	// ShutdownTimeout bounds driver releases during CloseAll (default 10s).
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 3 * time.Hour
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

type Registry struct {
	cfg   Config
	log   logx.Logger
	clk   clock.Clock
	alert Alerter

	mu     sync.Mutex
	byID   map[string]*Session
	byUser map[string]string // username -> session id

	// userLocks serializes compound operations per username.
	userLocks sync.Map // string -> *sync.Mutex

	runCtx    context.Context
	runCancel context.CancelFunc
	opWG      sync.WaitGroup
}

func NewRegistry(cfg Config, clk clock.Clock, alert Alerter, log logx.Logger) *Registry {
	base, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:       cfg.withDefaults(),
		log:       log,
		clk:       clk,
		alert:     alert,
		byID:      map[string]*Session{},
		byUser:    map[string]string{},
		runCtx:    base,
		runCancel: cancel,
	}
}

func (r *Registry) userLock(username string) *sync.Mutex {
	v, _ := r.userLocks.LoadOrStore(username, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create registers a new session for username owning driver.
//
// If a non-closed session already exists for the username it is evicted
// first: driver released, entry removed. The eviction completes before the
// new session becomes visible, so a concurrent FindByUsername sees either
// the old session or the new one, never both.
func (r *Registry) Create(ctx context.Context, username string, driver automation.Driver) (string, error) {
	if driver == nil {
		return "", ErrNoDriver
	}

	lk := r.userLock(username)
	lk.Lock()
	defer lk.Unlock()

	if oldID, ok := r.FindByUsername(username); ok {
		if old, ok := r.get(oldID); ok {
			// Username collision is not an error: resolve by eviction.
			r.log.Info("evicting session for re-login",
				logx.String("username", username), logx.String("session_id", oldID))
			old.markClosed()
			r.release(ctx, old, false)
			r.remove(old)
		}
	}

	now := r.clk.Now()
	s := &Session{
		ID:             uuid.NewString(),
		Username:       username,
		driver:         driver,
		state:          StateCreated,
		createdAt:      now,
		lastActivityAt: now,
	}

	r.mu.Lock()
	r.byID[s.ID] = s
	r.byUser[username] = s.ID
	r.mu.Unlock()

	r.log.Info("session created", logx.String("session_id", s.ID), logx.String("username", username))
	return s.ID, nil
}

func (r *Registry) get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, error) {
	s, ok := r.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// FindByUsername returns the id of the live session for username, if any.
// Used only for eviction and for routing unaddressed notifications.
func (r *Registry) FindByUsername(username string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byUser[username]
	return id, ok
}

// WaitingFor snapshots the sessions currently waiting for the given input
// kind. Iteration order is map order: callers must treat a multi-session
// result as an ambiguous match, not a policy.
func (r *Registry) WaitingFor(kind automation.InputKind) []*Session {
	r.mu.Lock()
	snapshot := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		snapshot = append(snapshot, s)
	}
	r.mu.Unlock()

	out := make([]*Session, 0, 1)
	for _, s := range snapshot {
		if s.PendingInputType() == kind {
			out = append(out, s)
		}
	}
	return out
}

// MarkAuthenticated transitions the session into Authenticated and stamps
// authenticatedAt. Idempotent: already-Authenticated or Closed sessions
// are a no-op. Safe to call concurrently with state reads.
func (r *Registry) MarkAuthenticated(id string) error {
	s, ok := r.get(id)
	if !ok {
		return ErrNotFound
	}
	if s.markAuthenticated(r.clk.Now()) {
		r.log.Info("session authenticated",
			logx.String("session_id", id), logx.String("username", s.Username))
		if r.alert != nil {
			r.alert.Alertf("✅ %s authenticated", s.Username)
		}
	}
	return nil
}

// Delete removes the entry from the registry without touching the driver.
// Releasing the driver is the caller's responsibility (logout chooses
// whether to also delete persisted site data; the sweep releases first).
func (r *Registry) Delete(id string) {
	s, ok := r.get(id)
	if !ok {
		return
	}
	r.remove(s)
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	delete(r.byID, s.ID)
	// Only unmap the username if it still points at this session; a newer
	// session may have taken the slot already.
	if cur, ok := r.byUser[s.Username]; ok && cur == s.ID {
		delete(r.byUser, s.Username)
	}
	r.mu.Unlock()
}

// release closes the session's driver, tolerating failure.
func (r *Registry) release(ctx context.Context, s *Session, deleteData bool) {
	if err := s.driver.Close(ctx, deleteData); err != nil {
		r.log.Warn("driver release failed",
			logx.String("session_id", s.ID), logx.String("username", s.Username), logx.Err(err))
	}
}

// Logout closes the session and removes it. Unknown ids are a no-op:
// logout is idempotent by contract.
func (r *Registry) Logout(ctx context.Context, id string, deleteData bool) {
	s, ok := r.get(id)
	if !ok {
		return
	}
	lk := r.userLock(s.Username)
	lk.Lock()
	defer lk.Unlock()

	s.markClosed()
	r.release(ctx, s, deleteData)
	r.remove(s)
	r.log.Info("session logged out",
		logx.String("session_id", id), logx.String("username", s.Username), logx.Bool("delete_data", deleteData))
}

// BeginLogin starts the asynchronous driver login for the session.
// The HTTP layer returns immediately; the outcome lands via
// MarkAuthenticated (success) or a forced close (fatal failure).
func (r *Registry) BeginLogin(id string) error {
	s, ok := r.get(id)
	if !ok {
		return ErrNotFound
	}

	opCtx, cancel := context.WithCancel(r.runCtx)
	s.setOpCancel(cancel)

	r.opWG.Add(1)
	go func() {
		defer r.opWG.Done()
		defer cancel()

		if err := s.driver.Init(opCtx); err != nil {
			s.clearOpCancel()
			r.log.Error("driver init failed",
				logx.String("session_id", s.ID), logx.String("username", s.Username), logx.Err(err))
			r.closeFatal(s)
			return
		}

		res := s.driver.Login(opCtx)
		s.clearOpCancel()

		switch {
		case res.Success:
			_ = r.MarkAuthenticated(s.ID)
		case res.Fatal:
			r.log.Error("login failed fatally",
				logx.String("session_id", s.ID), logx.String("username", s.Username), logx.Err(res.Err))
			if r.alert != nil {
				r.alert.Alertf("❌ login failed for %s: %v", s.Username, res.Err)
			}
			r.closeFatal(s)
		default:
			// Recoverable failure: session stays open, the client may retry
			// or submit the input the driver is still waiting for.
			r.log.Warn("login attempt failed",
				logx.String("session_id", s.ID), logx.String("username", s.Username), logx.Err(res.Err))
		}
	}()
	return nil
}

// Transfer runs the driver's transfer operation synchronously for an
// authenticated session. The operation is registered with the session so a
// concurrent close aborts it.
func (r *Registry) Transfer(ctx context.Context, id string) (automation.Result, error) {
	s, ok := r.get(id)
	if !ok {
		return automation.Result{}, ErrNotFound
	}
	if s.State() != StateAuthenticated {
		return automation.Result{}, ErrNotAuthenticated
	}

	opCtx, cancel := context.WithCancel(ctx)
	s.setOpCancel(cancel)
	defer func() {
		s.clearOpCancel()
		cancel()
	}()

	res := s.driver.Transfer(opCtx)
	s.Touch(r.clk.Now())
	if res.Fatal {
		r.log.Error("transfer failed fatally",
			logx.String("session_id", s.ID), logx.String("username", s.Username), logx.Err(res.Err))
		r.closeFatal(s)
	}
	return res, nil
}

func (r *Registry) closeFatal(s *Session) {
	lk := r.userLock(s.Username)
	lk.Lock()
	defer lk.Unlock()
	if s.markClosed() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
		r.release(ctx, s, false)
		cancel()
	}
	r.remove(s)
}

// SweepIdle releases and deletes every session idle past the configured
// threshold. Per-session release failures never abort the sweep.
func (r *Registry) SweepIdle(ctx context.Context) error {
	now := r.clk.Now()

	r.mu.Lock()
	snapshot := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		snapshot = append(snapshot, s)
	}
	r.mu.Unlock()

	removed := 0
	for _, s := range snapshot {
		if now.Sub(s.LastActivityAt()) < r.cfg.IdleTimeout {
			continue
		}
		lk := r.userLock(s.Username)
		lk.Lock()
		// Re-check under the user lock: activity may have arrived.
		if now.Sub(s.LastActivityAt()) >= r.cfg.IdleTimeout {
			s.markClosed()
			r.release(ctx, s, false)
			r.remove(s)
			removed++
			r.log.Info("idle session swept",
				logx.String("session_id", s.ID), logx.String("username", s.Username))
		}
		lk.Unlock()
	}
	if removed > 0 {
		r.log.Info("idle sweep done", logx.Int("removed", removed), logx.Int("remaining", r.Count()))
	}
	return nil
}

// Touch records client activity on s using the registry clock.
func (r *Registry) Touch(s *Session) {
	s.Touch(r.clk.Now())
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// CloseAll releases every driver and clears the registry. Used only at
// shutdown; waits for releases and in-flight operations up to the
// configured bound.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.runCancel() // abort in-flight logins/transfers

	r.mu.Lock()
	snapshot := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		snapshot = append(snapshot, s)
	}
	r.byID = map[string]*Session{}
	r.byUser = map[string]string{}
	r.mu.Unlock()

	bound := r.cfg.ShutdownTimeout
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < bound {
			bound = rem
		}
	}
	relCtx, cancel := context.WithTimeout(context.Background(), bound)
	defer cancel()

	var wg sync.WaitGroup
	for _, s := range snapshot {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.markClosed()
			r.release(relCtx, s, false)
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		r.opWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.log.Info("all sessions closed", logx.Int("count", len(snapshot)))
		return nil
	case <-relCtx.Done():
		r.log.Warn("session shutdown timed out", logx.Int("count", len(snapshot)))
		return relCtx.Err()
	}
}
