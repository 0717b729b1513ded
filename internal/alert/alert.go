// Package alert pushes operator notifications (authentications, transfer
// outcomes, failures) to a Telegram chat.
//
// Delivery is best-effort: alerts are queued without blocking the caller,
// rate limited, and dropped when the queue is full. Losing an alert must
// never stall a session operation.
package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "homerbot/pkg/logx"
)

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerSec int
}

type Service struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter
	queue   chan string

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New builds the alert service. A disabled config (or empty token) yields
// a valid service whose Alertf is a no-op.
func New(cfg Config, log logx.Logger) (*Service, error) {
	s := &Service{cfg: cfg, log: log, queue: make(chan string, 64)}
	if !cfg.Enabled || strings.TrimSpace(cfg.Token) == "" {
		return s, nil
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: nil, // send-only
	})
	if err != nil {
		return nil, err
	}
	s.bot = bot

	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	return s, nil
}

func (s *Service) Start(ctx context.Context) {
	if s.bot == nil {
		return
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	rctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.worker(rctx)
	}()
	s.log.Info("alert service started", logx.Int64("chat_id", s.cfg.ChatID))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.running = false
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Alertf formats and enqueues one alert. Never blocks.
func (s *Service) Alertf(format string, args ...any) {
	if s == nil || s.bot == nil {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	select {
	case s.queue <- msg:
	default:
		s.log.Debug("alert dropped (queue full)")
	}
}

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			if _, err := s.bot.Send(tele.ChatID(s.cfg.ChatID), msg); err != nil {
				s.log.Warn("alert send failed", logx.Err(err))
			}
		}
	}
}
