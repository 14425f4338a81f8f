// Package pipeline runs multi-stage bulk work. Stages never talk to each other
// directly: each stage discovers ready items by polling the shared store, so a
// crash loses nothing and a rerun only picks up what is still missing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"yt-digest/internal/model"
	"yt-digest/internal/progress"
	"yt-digest/internal/ratelimit"
)

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultWakeStep       = 500 * time.Millisecond
	DefaultInterItemDelay = 2 * time.Second

	maxDiscoveryFailures = 3
)

// WorkFunc processes one item. It persists its own output; the coordinator
// only sees success or failure.
type WorkFunc func(ctx context.Context, key string) error

// DiscoverFunc returns the keys that are ready for a stage right now.
type DiscoverFunc func(ctx context.Context) ([]string, error)

type Stage struct {
	Name     string
	Workers  int
	Discover DiscoverFunc
	Process  WorkFunc
	// Producer stages hit the remote platform; their dispatch is paced by
	// the inter-item delay.
	Producer bool
}

// Recorder receives one ledger row per processed item.
type Recorder interface {
	LogWork(ctx context.Context, e model.LedgerEntry) error
}

type StageResult struct {
	Discovered int `json:"discovered"`
	Processed  int `json:"processed"`
	Succeeded  int `json:"succeeded"`
	Errors     int `json:"errors"`
}

type Result struct {
	Stages  map[string]StageResult `json:"stages"`
	Order   []string               `json:"order"`
	Elapsed time.Duration          `json:"elapsed"`
}

func (r Result) Totals() StageResult {
	var out StageResult
	for _, s := range r.Stages {
		out.Discovered += s.Discovered
		out.Processed += s.Processed
		out.Succeeded += s.Succeeded
		out.Errors += s.Errors
	}
	return out
}

type Option func(*Coordinator)

func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

func WithWakeStep(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.wakeStep = d
		}
	}
}

// WithInterItemDelay sets the minimum gap between dispatches of a producer
// stage. Zero disables pacing.
func WithInterItemDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.interItemDelay = d
		}
	}
}

func WithBackoff(b ratelimit.Backoff) Option {
	return func(c *Coordinator) {
		c.backoff = b
	}
}

func WithTracker(t *progress.Tracker) Option {
	return func(c *Coordinator) { c.tracker = t }
}

func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEstimator sets how DryRun turns ready counts into a duration.
func WithEstimator(fn func(stage string, items, workers int) time.Duration) Option {
	return func(c *Coordinator) { c.estimate = fn }
}

type Coordinator struct {
	stages         []Stage
	pollInterval   time.Duration
	wakeStep       time.Duration
	interItemDelay time.Duration
	backoff        ratelimit.Backoff
	tracker        *progress.Tracker
	recorder       Recorder
	logger         *slog.Logger
	estimate       func(stage string, items, workers int) time.Duration
	now            func() time.Time
}

func New(stages []Stage, opts ...Option) (*Coordinator, error) {
	if len(stages) == 0 {
		return nil, errors.New("pipeline needs at least one stage")
	}
	stages = append([]Stage(nil), stages...)
	seen := make(map[string]bool, len(stages))
	for i, s := range stages {
		if s.Name == "" {
			return nil, fmt.Errorf("stage %d has no name", i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate stage %q", s.Name)
		}
		seen[s.Name] = true
		if s.Discover == nil || s.Process == nil {
			return nil, fmt.Errorf("stage %q needs Discover and Process", s.Name)
		}
		if s.Workers < 1 {
			stages[i].Workers = 1
		}
	}
	c := &Coordinator{
		stages:         stages,
		pollInterval:   DefaultPollInterval,
		wakeStep:       DefaultWakeStep,
		interItemDelay: DefaultInterItemDelay,
		backoff:        ratelimit.DefaultBackoff(),
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// stageRun is the per-run state of one stage.
type stageRun struct {
	Stage

	claimed map[string]bool
	limiter *rate.Limiter
	sem     chan struct{}

	mu      sync.Mutex
	queue   []string
	kick    chan struct{}
	result  StageResult
	pending atomic.Int64 // queued plus in flight

	discoveryFailures int
}

func (s *stageRun) push(keys []string) {
	s.mu.Lock()
	s.queue = append(s.queue, keys...)
	s.mu.Unlock()
	s.pending.Add(int64(len(keys)))
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *stageRun) pop() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	key := s.queue[0]
	s.queue = s.queue[1:]
	return key, true
}

// Run drives every stage until a full poll cycle finds no new work while
// nothing is queued or in flight. On cancellation it stops dispatching, lets
// in-flight items finish and returns the partial result with ctx's error.
func (c *Coordinator) Run(ctx context.Context) (Result, error) {
	start := c.now()
	runs := make([]*stageRun, len(c.stages))
	for i, s := range c.stages {
		limit := rate.Inf
		if s.Producer && c.interItemDelay > 0 {
			limit = rate.Every(c.interItemDelay)
		}
		runs[i] = &stageRun{
			Stage:   s,
			claimed: make(map[string]bool),
			limiter: rate.NewLimiter(limit, 1),
			sem:     make(chan struct{}, s.Workers),
			kick:    make(chan struct{}, 1),
		}
	}

	idle := make(chan struct{}, 1)
	var workers sync.WaitGroup
	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()

	g, gctx := errgroup.WithContext(dispatchCtx)
	for _, sr := range runs {
		sr := sr
		g.Go(func() error {
			c.dispatch(gctx, ctx, sr, &workers, idle)
			return nil
		})
	}

	loopErr := c.loop(ctx, runs, idle)

	stopDispatch()
	_ = g.Wait()
	workers.Wait()

	res := Result{Stages: make(map[string]StageResult, len(runs)), Elapsed: c.now().Sub(start)}
	for _, sr := range runs {
		sr.mu.Lock()
		res.Stages[sr.Name] = sr.result
		sr.mu.Unlock()
		res.Order = append(res.Order, sr.Name)
	}
	t := res.Totals()
	c.logger.Info("pipeline finished",
		"processed", t.Processed, "succeeded", t.Succeeded, "errors", t.Errors,
		"elapsed", res.Elapsed.Round(time.Millisecond))
	return res, loopErr
}

func (c *Coordinator) loop(ctx context.Context, runs []*stageRun, idle chan struct{}) error {
	for cycle := 1; ; cycle++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		// sampled before discovery: if nothing was running then, nothing
		// can have produced work that this cycle's queries miss
		quietBefore := allIdle(runs)
		fresh := 0
		failed := false
		for _, sr := range runs {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := c.discover(ctx, sr)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failed = true
				sr.discoveryFailures++
				c.logger.Warn("discovery failed", "stage", sr.Name, "attempt", sr.discoveryFailures, "error", err)
				if sr.discoveryFailures >= maxDiscoveryFailures {
					return fmt.Errorf("stage %s discovery: %w", sr.Name, err)
				}
				continue
			}
			sr.discoveryFailures = 0
			fresh += n
		}
		c.logger.Debug("poll cycle", "cycle", cycle, "new", fresh, "quiet", quietBefore)
		if quietBefore && fresh == 0 && !failed {
			return nil
		}
		if err := c.wait(ctx, runs, idle); err != nil {
			return err
		}
	}
}

func (c *Coordinator) discover(ctx context.Context, sr *stageRun) (int, error) {
	keys, err := sr.Discover(ctx)
	if err != nil {
		return 0, err
	}
	var fresh []string
	for _, k := range keys {
		if k == "" || sr.claimed[k] {
			continue
		}
		sr.claimed[k] = true
		fresh = append(fresh, k)
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	sr.mu.Lock()
	sr.result.Discovered += len(fresh)
	sr.mu.Unlock()
	if c.tracker != nil {
		c.tracker.AddTotal(len(fresh))
	}
	c.logger.Info("work discovered", "stage", sr.Name, "items", len(fresh))
	sr.push(fresh)
	return len(fresh), nil
}

// wait sleeps one poll interval in wake-step increments. It returns early
// when every stage drains so termination is noticed promptly.
func (c *Coordinator) wait(ctx context.Context, runs []*stageRun, idle chan struct{}) error {
	deadline := time.NewTimer(c.pollInterval)
	defer deadline.Stop()
	step := time.NewTicker(c.wakeStep)
	defer step.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-idle:
			if allIdle(runs) {
				return nil
			}
		case <-step.C:
		}
	}
}

func allIdle(runs []*stageRun) bool {
	for _, sr := range runs {
		if sr.pending.Load() > 0 {
			return false
		}
	}
	return true
}

// dispatch feeds one stage's queue into its bounded worker pool. stopCtx ends
// dispatching; items already started run to completion on a context that
// ignores the stop.
func (c *Coordinator) dispatch(stopCtx, runCtx context.Context, sr *stageRun, workers *sync.WaitGroup, idle chan struct{}) {
	for {
		key, ok := sr.pop()
		if !ok {
			select {
			case <-stopCtx.Done():
				return
			case <-sr.kick:
				continue
			}
		}
		if err := sr.limiter.Wait(stopCtx); err != nil {
			return
		}
		select {
		case <-stopCtx.Done():
			return
		case sr.sem <- struct{}{}:
		}
		if stopCtx.Err() != nil {
			<-sr.sem
			return
		}
		workers.Add(1)
		go func() {
			defer workers.Done()
			defer func() { <-sr.sem }()
			c.process(runCtx, sr, key)
			if sr.pending.Add(-1) == 0 {
				select {
				case idle <- struct{}{}:
				default:
				}
			}
		}()
	}
}

func (c *Coordinator) process(runCtx context.Context, sr *stageRun, key string) {
	workCtx := context.WithoutCancel(runCtx)
	started := c.now()
	err := c.backoff.Do(runCtx, func(context.Context) error {
		return sr.Process(workCtx, key)
	})
	if err != nil && runCtx.Err() != nil && errors.Is(err, runCtx.Err()) {
		// stopped before or between attempts; the item stays undone
		c.logger.Info("item abandoned on stop", "stage", sr.Name, "item", key)
		return
	}
	elapsed := c.now().Sub(started)

	sr.mu.Lock()
	sr.result.Processed++
	if err != nil {
		sr.result.Errors++
	} else {
		sr.result.Succeeded++
	}
	sr.mu.Unlock()

	if c.tracker != nil {
		c.tracker.TickItem(sr.Name+" "+key, err)
	} else if err != nil {
		c.logger.Warn("item failed", "stage", sr.Name, "item", key, "error", err)
	}

	if c.recorder != nil {
		entry := model.LedgerEntry{
			VideoID:   key,
			Operation: sr.Name,
			Status:    "success",
			StartedAt: started,
			Duration:  elapsed,
		}
		if err != nil {
			entry.Status = "failed"
			entry.ErrorMessage = err.Error()
		}
		if lerr := c.recorder.LogWork(workCtx, entry); lerr != nil {
			c.logger.Warn("ledger write failed", "stage", sr.Name, "item", key, "error", lerr)
		}
	}
}
