package automation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"
)

var simCodeRe = regexp.MustCompile(`^\d{4,8}$`)

// SimConfig tunes the simulated driver.
type SimConfig struct {
	LoginDelay    time.Duration // before the passcode prompt appears
	TransferDelay time.Duration
	InputTimeout  time.Duration // how long Login waits for the passcode
}

func (c SimConfig) withDefaults() SimConfig {
	if c.LoginDelay <= 0 {
		c.LoginDelay = 2 * time.Second
	}
	if c.TransferDelay <= 0 {
		c.TransferDelay = 3 * time.Second
	}
	if c.InputTimeout <= 0 {
		c.InputTimeout = 3 * time.Minute
	}
	return c
}

// SimDriver is an in-process Driver for development and tests: login
// prompts for an SMS passcode and accepts any 4-8 digit value, transfers
// always succeed after a short delay.
type SimDriver struct {
	cfg      SimConfig
	username string
	phone    string

	mu          sync.Mutex
	closed      bool
	createdAt   time.Time
	pending     InputKind
	pendingData any
	inputCh     chan string
}

// NewSimFactory returns a Factory minting SimDrivers.
func NewSimFactory(cfg SimConfig) Factory {
	cfg = cfg.withDefaults()
	return func(username, phone string) (Driver, error) {
		return &SimDriver{
			cfg:       cfg,
			username:  username,
			phone:     phone,
			createdAt: time.Now(),
			inputCh:   make(chan string, 1),
		}, nil
	}
}

func (d *SimDriver) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDriverGone
	}
	return nil
}

func (d *SimDriver) Login(ctx context.Context) Result {
	select {
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	case <-time.After(d.cfg.LoginDelay):
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return Result{Fatal: true, Err: ErrDriverGone}
	}
	d.pending = InputSMSCode
	d.pendingData = map[string]any{"phoneMask": maskPhone(d.phone)}
	d.mu.Unlock()

	select {
	case <-ctx.Done():
		d.clearPending()
		return Result{Err: ctx.Err()}
	case <-time.After(d.cfg.InputTimeout):
		d.clearPending()
		return Result{Err: errors.New("passcode not received in time")}
	case code := <-d.inputCh:
		if !simCodeRe.MatchString(code) {
			// Leave the prompt up so the client can retry.
			d.setPending(InputSMSCode)
			return Result{Err: fmt.Errorf("passcode rejected: %q", code)}
		}
		return Result{Success: true}
	}
}

func (d *SimDriver) PendingInputType() InputKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *SimDriver) PendingInputData() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pendingData
}

func (d *SimDriver) SubmitInput(value string) bool {
	d.mu.Lock()
	if d.closed || d.pending == InputNone {
		d.mu.Unlock()
		return false
	}
	d.pending = InputNone
	d.pendingData = nil
	d.mu.Unlock()

	select {
	case d.inputCh <- value:
		return true
	default:
		return false
	}
}

func (d *SimDriver) Transfer(ctx context.Context) Result {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return Result{Fatal: true, Err: ErrDriverGone}
	}
	d.mu.Unlock()

	select {
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	case <-time.After(d.cfg.TransferDelay):
		return Result{Success: true}
	}
}

func (d *SimDriver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		LifetimeMinutes: int(time.Since(d.createdAt).Minutes()),
		Extra:           map[string]any{"driver": "sim"},
	}
}

func (d *SimDriver) Close(ctx context.Context, deleteData bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.pending = InputNone
	d.pendingData = nil
	return nil
}

func (d *SimDriver) setPending(kind InputKind) {
	d.mu.Lock()
	d.pending = kind
	d.mu.Unlock()
}

func (d *SimDriver) clearPending() {
	d.mu.Lock()
	d.pending = InputNone
	d.pendingData = nil
	d.mu.Unlock()
}

func maskPhone(phone string) string {
	if len(phone) < 4 {
		return "****"
	}
	return "*******" + phone[len(phone)-4:]
}
