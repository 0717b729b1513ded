package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"homerbot/internal/automation"
	"homerbot/internal/clock"
	logx "homerbot/pkg/logx"
)

// fakeDriver is a scriptable automation.Driver.
type fakeDriver struct {
	mu         sync.Mutex
	pending    automation.InputKind
	submitted  []string
	closed     bool
	closeCalls int
	deleteData bool

	loginResult    automation.Result
	transferResult automation.Result
	loginGate      chan struct{} // when set, Login blocks until closed
}

func (d *fakeDriver) Init(ctx context.Context) error { return nil }

func (d *fakeDriver) Login(ctx context.Context) automation.Result {
	if d.loginGate != nil {
		select {
		case <-ctx.Done():
			return automation.Result{Err: ctx.Err()}
		case <-d.loginGate:
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loginResult
}

func (d *fakeDriver) PendingInputType() automation.InputKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *fakeDriver) PendingInputData() any { return nil }

func (d *fakeDriver) SubmitInput(value string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == automation.InputNone {
		return false
	}
	d.submitted = append(d.submitted, value)
	d.pending = automation.InputNone
	return true
}

func (d *fakeDriver) Transfer(ctx context.Context) automation.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transferResult
}

func (d *fakeDriver) Stats() automation.Stats {
	return automation.Stats{LifetimeMinutes: 1}
}

func (d *fakeDriver) Close(ctx context.Context, deleteData bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.closeCalls++
	d.deleteData = deleteData
	d.pending = automation.InputNone
	return nil
}

func (d *fakeDriver) closedOnce() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed && d.closeCalls == 1
}

func newTestRegistry(clk clock.Clock) *Registry {
	return NewRegistry(Config{IdleTimeout: time.Hour, ShutdownTimeout: 2 * time.Second}, clk, nil, logx.Nop())
}

func TestCreateRequiresDriver(t *testing.T) {
	r := newTestRegistry(clock.NewFixed(time.Now()))
	if _, err := r.Create(context.Background(), "alice", nil); !errors.Is(err, ErrNoDriver) {
		t.Fatalf("err = %v, want ErrNoDriver", err)
	}
}

func TestCreateEvictsExistingSession(t *testing.T) {
	r := newTestRegistry(clock.NewFixed(time.Now()))
	old := &fakeDriver{}
	newer := &fakeDriver{}

	oldID, err := r.Create(context.Background(), "alice", old)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	newID, err := r.Create(context.Background(), "alice", newer)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if !old.closedOnce() {
		t.Fatal("old driver was not released exactly once")
	}
	if old.deleteData {
		t.Fatal("eviction must not delete persisted site data")
	}
	if _, err := r.Get(oldID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old session still resolvable: %v", err)
	}
	if id, ok := r.FindByUsername("alice"); !ok || id != newID {
		t.Fatalf("FindByUsername = %q/%v, want %q", id, ok, newID)
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}
}

func TestConcurrentCreatesKeepOneSessionPerUsername(t *testing.T) {
	r := newTestRegistry(clock.NewFixed(time.Now()))

	const n = 16
	drivers := make([]*fakeDriver, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		drivers[i] = &fakeDriver{}
		wg.Add(1)
		go func(d *fakeDriver) {
			defer wg.Done()
			if _, err := r.Create(context.Background(), "alice", d); err != nil {
				t.Errorf("create: %v", err)
			}
		}(drivers[i])
	}
	wg.Wait()

	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}
	closed := 0
	for _, d := range drivers {
		d.mu.Lock()
		if d.closed {
			closed++
		}
		d.mu.Unlock()
	}
	if closed != n-1 {
		t.Fatalf("closed drivers = %d, want %d", closed, n-1)
	}
}

func TestMarkAuthenticatedIdempotent(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	r := newTestRegistry(clk)

	id, err := r.Create(context.Background(), "alice", &fakeDriver{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.MarkAuthenticated(id); err != nil {
		t.Fatalf("mark: %v", err)
	}

	s, err := r.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	first := s.AuthenticatedAt()
	if first.IsZero() {
		t.Fatal("authenticatedAt not stamped")
	}

	clk.Advance(time.Minute)
	if err := r.MarkAuthenticated(id); err != nil {
		t.Fatalf("mark again: %v", err)
	}
	if got := s.AuthenticatedAt(); !got.Equal(first) {
		t.Fatalf("authenticatedAt changed on repeat: %v -> %v", first, got)
	}
	if s.State() != StateAuthenticated {
		t.Fatalf("state = %v, want authenticated", s.State())
	}

	if err := r.MarkAuthenticated("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id err = %v, want ErrNotFound", err)
	}
}

func TestLogoutIdempotent(t *testing.T) {
	r := newTestRegistry(clock.NewFixed(time.Now()))
	d := &fakeDriver{}

	id, err := r.Create(context.Background(), "alice", d)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	r.Logout(context.Background(), id, true)
	if !d.closedOnce() {
		t.Fatal("driver not released exactly once")
	}
	if !d.deleteData {
		t.Fatal("deleteData flag not forwarded")
	}

	// Second logout and unknown id: both silent no-ops.
	r.Logout(context.Background(), id, false)
	r.Logout(context.Background(), "unknown", false)
	if r.Count() != 0 {
		t.Fatalf("Count = %d, want 0", r.Count())
	}
}

func TestBeginLoginSuccessAuthenticates(t *testing.T) {
	r := newTestRegistry(clock.NewFixed(time.Now()))
	d := &fakeDriver{loginResult: automation.Result{Success: true}}

	id, err := r.Create(context.Background(), "alice", d)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.BeginLogin(id); err != nil {
		t.Fatalf("begin login: %v", err)
	}

	s, _ := r.Get(id)
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateAuthenticated {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, never authenticated", s.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBeginLoginFatalClosesSession(t *testing.T) {
	r := newTestRegistry(clock.NewFixed(time.Now()))
	d := &fakeDriver{loginResult: automation.Result{Fatal: true, Err: errors.New("site rejected us")}}

	id, err := r.Create(context.Background(), "alice", d)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.BeginLogin(id); err != nil {
		t.Fatalf("begin login: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := r.Get(id); errors.Is(err, ErrNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("fatal login did not remove the session")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !d.closedOnce() {
		t.Fatal("driver not released after fatal login")
	}
}

func TestBeginLoginRecoverableKeepsSessionOpen(t *testing.T) {
	r := newTestRegistry(clock.NewFixed(time.Now()))
	done := make(chan struct{})
	d := &fakeDriver{loginResult: automation.Result{Err: errors.New("timeout")}, loginGate: done}

	id, err := r.Create(context.Background(), "alice", d)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.BeginLogin(id); err != nil {
		t.Fatalf("begin login: %v", err)
	}
	close(done)

	time.Sleep(50 * time.Millisecond)
	if _, err := r.Get(id); err != nil {
		t.Fatalf("recoverable failure closed the session: %v", err)
	}
}

func TestTransferRequiresAuthentication(t *testing.T) {
	r := newTestRegistry(clock.NewFixed(time.Now()))
	id, err := r.Create(context.Background(), "alice", &fakeDriver{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Transfer(context.Background(), id); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}
	if _, err := r.Transfer(context.Background(), "unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTransferFatalClosesSession(t *testing.T) {
	r := newTestRegistry(clock.NewFixed(time.Now()))
	d := &fakeDriver{transferResult: automation.Result{Fatal: true, Err: errors.New("session hijacked")}}

	id, err := r.Create(context.Background(), "alice", d)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.MarkAuthenticated(id); err != nil {
		t.Fatalf("mark: %v", err)
	}

	res, err := r.Transfer(context.Background(), id)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if !res.Fatal {
		t.Fatal("expected fatal result")
	}
	if _, err := r.Get(id); !errors.Is(err, ErrNotFound) {
		t.Fatal("fatal transfer did not remove the session")
	}
	if !d.closedOnce() {
		t.Fatal("driver not released after fatal transfer")
	}
}

func TestWaitingForFiltersByKind(t *testing.T) {
	r := newTestRegistry(clock.NewFixed(time.Now()))

	sms := &fakeDriver{pending: automation.InputSMSCode}
	card := &fakeDriver{pending: automation.InputCardNumber}
	idle := &fakeDriver{}

	if _, err := r.Create(context.Background(), "alice", sms); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Create(context.Background(), "bob", card); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Create(context.Background(), "carol", idle); err != nil {
		t.Fatalf("create: %v", err)
	}

	got := r.WaitingFor(automation.InputSMSCode)
	if len(got) != 1 || got[0].Username != "alice" {
		t.Fatalf("WaitingFor(sms) = %d sessions, want alice only", len(got))
	}
}

func TestSweepIdle(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	r := newTestRegistry(clk) // IdleTimeout 1h

	stale := &fakeDriver{}
	fresh := &fakeDriver{}
	staleID, err := r.Create(context.Background(), "alice", stale)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	clk.Advance(2 * time.Hour)
	freshID, err := r.Create(context.Background(), "bob", fresh)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := r.SweepIdle(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := r.Get(staleID); !errors.Is(err, ErrNotFound) {
		t.Fatal("stale session survived the sweep")
	}
	if !stale.closedOnce() {
		t.Fatal("stale driver not released")
	}
	if _, err := r.Get(freshID); err != nil {
		t.Fatalf("fresh session swept: %v", err)
	}
}

func TestCloseAllReleasesEverything(t *testing.T) {
	r := newTestRegistry(clock.NewFixed(time.Now()))

	drivers := []*fakeDriver{{}, {}, {}}
	for i, d := range drivers {
		if _, err := r.Create(context.Background(), string(rune('a'+i)), d); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.CloseAll(ctx); err != nil {
		t.Fatalf("close all: %v", err)
	}
	if r.Count() != 0 {
		t.Fatalf("Count = %d, want 0", r.Count())
	}
	for i, d := range drivers {
		if !d.closedOnce() {
			t.Fatalf("driver %d not released exactly once", i)
		}
	}
}

func TestClosedSessionReportsNoPendingInput(t *testing.T) {
	r := newTestRegistry(clock.NewFixed(time.Now()))
	d := &fakeDriver{pending: automation.InputSMSCode}

	id, err := r.Create(context.Background(), "alice", d)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s, _ := r.Get(id)
	if s.PendingInputType() != automation.InputSMSCode {
		t.Fatal("expected pending sms input")
	}

	r.Logout(context.Background(), id, false)
	if s.PendingInputType() != automation.InputNone {
		t.Fatal("closed session still reports pending input")
	}
	if s.SubmitInput("1234") {
		t.Fatal("closed session accepted input")
	}
}
