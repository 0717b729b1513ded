// Package ticker runs the coordinator's periodic jobs (sweeps and the
// recurring-task evaluation) on cron cadences.
//
// Jobs are skip-if-running: when a previous run of the same job is still
// executing at the next due instant, the new run is dropped instead of
// overlapping on shared state.
package ticker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "homerbot/pkg/logx"
)

type Config struct {
	Workers  int
	Timezone string // IANA TZ for cron specs; empty means time.Local
}

type runState struct {
	mu      sync.Mutex
	running bool
}

type job struct {
	id    string
	name  string
	run   func(ctx context.Context) error
	state *runState
}

type jobDef struct {
	id    string
	name  string
	spec  string // cron spec or @every
	run   func(ctx context.Context) error
	state *runState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []jobDef

	queue  chan job
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, log logx.Logger) *Service {
	return &Service{
		cfg:    cfg,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Add registers a job. Must be called before Start.
func (s *Service) Add(name, spec string, run func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return errors.New("ticker already started")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("job %s: bad spec %q: %w", name, spec, err)
	}
	id := fmt.Sprintf("job:%d", len(s.defs))
	s.defs = append(s.defs, jobDef{id: id, name: name, spec: spec, run: run, state: &runState{}})
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	s.queue = make(chan job, 64)

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	for i := range s.defs {
		s.addCronLocked(&s.defs[i])
	}

	stopCh := s.stopCh
	queue := s.queue
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer s.wg.Done()
			s.worker(ctx, stopCh, queue)
		}()
	}
	s.c.Start()
	s.log.Info("ticker started",
		logx.Int("workers", workers), logx.String("tz", loc.String()), logx.Int("jobs", len(s.defs)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	s.stopCh = nil
	c := s.c
	s.c = nil
	s.queue = nil
	s.mu.Unlock()

	close(stopCh)
	if c != nil {
		<-c.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("ticker stopped")
	case <-ctx.Done():
		s.log.Warn("ticker stop timed out")
	}
}

func (s *Service) addCronLocked(d *jobDef) {
	_, err := s.c.AddFunc(d.spec, func() {
		s.enqueue(job{id: d.id, name: d.name, run: d.run, state: d.state})
	})
	if err != nil {
		// Specs are validated in Add; this only fires on programmer error.
		s.log.Error("job registration failed", logx.String("job", d.name), logx.Err(err))
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) enqueue(j job) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return
	}
	select {
	case q <- j:
	default:
		s.log.Warn("ticker queue full, dropping run", logx.String("job", j.name))
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.execOne(ctx, j)
		}
	}
}

func (s *Service) execOne(ctx context.Context, j job) {
	// Skip-if-running: never run two instances of the same job at once.
	j.state.mu.Lock()
	if j.state.running {
		j.state.mu.Unlock()
		s.log.Debug("previous run still active, skipping", logx.String("job", j.name))
		return
	}
	j.state.running = true
	j.state.mu.Unlock()
	defer func() {
		j.state.mu.Lock()
		j.state.running = false
		j.state.mu.Unlock()
	}()

	start := time.Now()
	err := j.run(ctx)
	dur := time.Since(start)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("job failed", logx.String("job", j.name), logx.Err(err), logx.Duration("dur", dur))
		return
	}
	if dur >= 750*time.Millisecond {
		s.log.Info("job completed", logx.String("job", j.name), logx.Duration("dur", dur))
	} else {
		s.log.Debug("job completed", logx.String("job", j.name), logx.Duration("dur", dur))
	}
}
