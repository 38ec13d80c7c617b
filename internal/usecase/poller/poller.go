// Package poller issues gateway requests on a schedule and hands the
// results to a sink.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"opsdeck/internal/domain"
)

// DefaultTaskTimeout bounds one poll when the client does not answer sooner.
const DefaultTaskTimeout = time.Minute

// Client is the part of the gateway client the poller needs.
type Client interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
	Connected() bool
}

// Task is one periodic request.
type Task struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *", descriptor "@every 1m" or duration "30s"
	Method   string
	Params   any
}

// Result is the outcome of one poll.
type Result struct {
	Task    string
	Method  string
	Payload json.RawMessage
	Err     error
	At      time.Time
	Elapsed time.Duration
}

// Sink receives every poll result. It runs on the cron goroutine for the
// task and should return quickly.
type Sink func(Result)

// Poller runs Tasks against a Client.
type Poller struct {
	client  Client
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration

	cron *cron.Cron

	mu      sync.Mutex
	tasks   map[string]Task
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	skipped map[string]int
}

// New creates a Poller. A nil sink only logs results.
func New(client Client, sink Sink, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		client:  client,
		sink:    sink,
		logger:  logger,
		timeout: DefaultTaskTimeout,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		tasks:   make(map[string]Task),
		entries: make(map[string]cron.EntryID),
		skipped: make(map[string]int),
	}
}

// SetTaskTimeout overrides DefaultTaskTimeout. Call before Start.
func (p *Poller) SetTaskTimeout(d time.Duration) {
	if d > 0 {
		p.timeout = d
	}
}

// Add registers a task. Names must be unique.
func (p *Poller) Add(task Task) error {
	if task.Name == "" || task.Method == "" {
		return fmt.Errorf("%w: poll task requires name and method", domain.ErrInvalidInput)
	}
	schedule, err := ParseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("%w: task %q: %v", domain.ErrInvalidInput, task.Name, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.tasks[task.Name]; exists {
		return fmt.Errorf("%w: duplicate poll task %q", domain.ErrInvalidInput, task.Name)
	}
	p.tasks[task.Name] = task
	p.entries[task.Name] = p.cron.Schedule(schedule, cron.FuncJob(func() { p.tick(task.Name) }))
	p.logger.Info("poll task added", "task", task.Name, "schedule", task.Schedule, "method", task.Method)
	return nil
}

// Remove unregisters a task.
func (p *Poller) Remove(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.entries[name]
	if !ok {
		return fmt.Errorf("%w: poll task %q", domain.ErrNotFound, name)
	}
	p.cron.Remove(id)
	delete(p.entries, name)
	delete(p.tasks, name)
	return nil
}

// Start begins firing tasks. Ticks stop when ctx is done or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx != nil {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.cron.Start()
}

// Stop halts scheduling and waits for running polls to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.ctx == nil {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.ctx, p.cancel = nil, nil
	p.mu.Unlock()

	<-p.cron.Stop().Done()
}

// Next returns the next fire time of a task, or the zero time if it is
// unknown or the poller is not running.
func (p *Poller) Next(name string) time.Time {
	p.mu.Lock()
	id, ok := p.entries[name]
	p.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return p.cron.Entry(id).Next
}

// Skipped returns how many ticks of a task were skipped while disconnected.
func (p *Poller) Skipped(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.skipped[name]
}

// RunNow polls a task immediately, outside its schedule, and returns the result.
func (p *Poller) RunNow(ctx context.Context, name string) (Result, error) {
	p.mu.Lock()
	task, ok := p.tasks[name]
	p.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: poll task %q", domain.ErrNotFound, name)
	}
	res := p.poll(ctx, task)
	p.deliver(res)
	return res, nil
}

func (p *Poller) tick(name string) {
	p.mu.Lock()
	task, ok := p.tasks[name]
	ctx := p.ctx
	p.mu.Unlock()
	if !ok || ctx == nil {
		return
	}

	if !p.client.Connected() {
		p.mu.Lock()
		p.skipped[name]++
		p.mu.Unlock()
		p.logger.Debug("poll skipped, gateway not connected", "task", name)
		return
	}
	p.deliver(p.poll(ctx, task))
}

func (p *Poller) poll(ctx context.Context, task Task) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	payload, err := p.client.Request(ctx, task.Method, task.Params)
	return Result{
		Task:    task.Name,
		Method:  task.Method,
		Payload: payload,
		Err:     err,
		At:      start,
		Elapsed: time.Since(start),
	}
}

func (p *Poller) deliver(res Result) {
	if res.Err != nil {
		p.logger.Warn("poll failed",
			"task", res.Task,
			"method", res.Method,
			"error", res.Err,
			"code", domain.ErrorCodeOf(res.Err),
			"duration", res.Elapsed)
	} else {
		p.logger.Debug("poll completed", "task", res.Task, "duration", res.Elapsed)
	}
	if p.sink != nil {
		p.sink(res)
	}
}

// ParseSchedule accepts a cron expression (with descriptors such as @hourly
// and @every) or a positive Go duration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	d, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if d <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return every(d), nil
}

// every fires at a fixed interval. Unlike cron.Every it keeps sub-second
// precision.
type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }
