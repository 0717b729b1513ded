package otp

import (
	"context"
	"errors"
	"sync"
	"time"

	"homerbot/internal/automation"
	"homerbot/internal/session"
	logx "homerbot/pkg/logx"
)

// ErrNoCode means no configured pattern matched the notification text.
var ErrNoCode = errors.New("no code found in message")

// Bridge reconciles asynchronous passcode notifications with sessions
// waiting for input.
//
// Delivery discipline: every code, whether freshly notified or queued, is
// handed to a driver only by a Take executed under that key's mutex. Direct
// routing is Put-then-Take under the same lock, so the "notification
// arrives while a poller auto-resolves" race collapses to whoever holds the
// lock first - the loser finds the entry gone.
type Bridge struct {
	store    Store
	reg      *session.Registry
	log      logx.Logger
	ttl      time.Duration
	patterns []Pattern

	keyLocks sync.Map // string -> *sync.Mutex
}

func NewBridge(store Store, reg *session.Registry, patterns []Pattern, ttl time.Duration, log logx.Logger) *Bridge {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	return &Bridge{
		store:    store,
		reg:      reg,
		log:      log,
		ttl:      ttl,
		patterns: patterns,
	}
}

func (b *Bridge) keyLock(key string) *sync.Mutex {
	v, _ := b.keyLocks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func userKey(source, username string) string { return source + ":" + username }

func fallbackKey(source string, kind automation.InputKind) string {
	return source + ":" + string(kind)
}

// Resolve is the poll-path auto-resolution: when the session waits for an
// SMS passcode and a live entry exists under one of its keys, the entry is
// taken and submitted in one critical section. Reports whether a code was
// delivered.
func (b *Bridge) Resolve(ctx context.Context, s *session.Session) (bool, error) {
	kind := s.PendingInputType()
	if kind == automation.InputNone {
		return false, nil
	}
	s.MarkAwaitingInput()
	if kind != automation.InputSMSCode {
		// Card identifiers and other prompts only arrive via explicit
		// submission; nothing to auto-resolve.
		return false, nil
	}

	for _, p := range b.patterns {
		if p.Kind != kind {
			continue
		}
		for _, key := range []string{userKey(p.Source, s.Username), fallbackKey(p.Source, kind)} {
			delivered, taken, err := b.takeAndSubmit(ctx, key, s)
			if err != nil {
				return false, err
			}
			if taken {
				if !delivered {
					// Driver stopped waiting between Take and Submit; the
					// code is consumed either way (at-most-once).
					b.log.Warn("queued code consumed but not accepted",
						logx.String("key", key), logx.String("session_id", s.ID))
				}
				return delivered, nil
			}
		}
	}
	return false, nil
}

func (b *Bridge) takeAndSubmit(ctx context.Context, key string, s *session.Session) (delivered, taken bool, err error) {
	lk := b.keyLock(key)
	lk.Lock()
	defer lk.Unlock()

	code, ok, err := b.store.Take(ctx, key)
	if err != nil || !ok {
		return false, false, err
	}
	if s.SubmitInput(code) {
		b.log.Info("queued code delivered",
			logx.String("key", key), logx.String("session_id", s.ID))
		return true, true, nil
	}
	return false, true, nil
}

// RouteNotification handles an out-of-band notification carrying a code.
//
// With an explicit username the code targets that user's session; without
// one the registry is searched for sessions waiting for the matching input
// kind. Exactly one waiter gets the code immediately; zero waiters queues
// it under the best available key; multiple waiters is an ambiguous match -
// the first snapshot entry wins, best-effort, and a warning is logged.
// Reports whether the code was queued (false means delivered directly).
func (b *Bridge) RouteNotification(ctx context.Context, message, username string) (queued bool, err error) {
	for _, p := range b.patterns {
		code, ok := p.Extract(message)
		if !ok {
			continue
		}
		return b.route(ctx, p, code, username)
	}
	return false, ErrNoCode
}

func (b *Bridge) route(ctx context.Context, p Pattern, code, username string) (bool, error) {
	var target *session.Session
	key := fallbackKey(p.Source, p.Kind)

	if username != "" {
		key = userKey(p.Source, username)
		if id, ok := b.reg.FindByUsername(username); ok {
			if s, err := b.reg.Get(id); err == nil && s.PendingInputType() == p.Kind {
				target = s
			}
		}
	} else {
		waiters := b.reg.WaitingFor(p.Kind)
		switch len(waiters) {
		case 0:
			// queue under the fallback key below
		case 1:
			target = waiters[0]
			key = userKey(p.Source, target.Username)
		default:
			// Ambiguous: several sessions want the same kind and the
			// notification names nobody. Best-effort, not a guarantee.
			b.log.Warn("ambiguous code match, delivering to first waiter",
				logx.Int("waiters", len(waiters)), logx.String("kind", string(p.Kind)))
			target = waiters[0]
			key = userKey(p.Source, target.Username)
		}
	}

	lk := b.keyLock(key)
	lk.Lock()
	defer lk.Unlock()

	// Put-then-Take under the lock keeps the store the single delivery
	// path even for direct routing.
	if err := b.store.Put(ctx, key, code, b.ttl); err != nil {
		return false, err
	}
	if target == nil {
		b.log.Info("code queued", logx.String("key", key), logx.String("source", p.Source))
		return true, nil
	}

	got, ok, err := b.store.Take(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		// A concurrent poller took it first; delivered either way.
		return false, nil
	}
	if target.SubmitInput(got) {
		b.log.Info("code delivered",
			logx.String("key", key), logx.String("session_id", target.ID))
		return false, nil
	}
	// Driver stopped waiting; requeue so a later poll can pick it up.
	if err := b.store.Put(ctx, key, got, b.ttl); err != nil {
		return false, err
	}
	return true, nil
}

// SweepExpired drops every expired entry. Runs on its own cadence,
// independent of the session sweep.
func (b *Bridge) SweepExpired(ctx context.Context) error {
	removed, err := b.store.Sweep(ctx)
	if err != nil {
		return err
	}
	if removed > 0 {
		b.log.Info("expired codes swept", logx.Int("removed", removed))
	}
	return nil
}
