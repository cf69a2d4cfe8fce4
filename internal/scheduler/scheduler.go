package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/statekernel/internal/diag"
)

// Defaults used for zero Config fields.
const (
	DefaultMaxSteps                 = 64
	DefaultUrgentStepCap            = 32
	DefaultMicrotaskChainDepthLimit = 32
	DefaultMaxDrainRounds           = 4
)

// Config bounds the work done per tick.
type Config struct {
	MaxSteps      int `json:"maxSteps" yaml:"maxSteps"`
	UrgentStepCap int `json:"urgentStepCap" yaml:"urgentStepCap"`
	// MicrotaskChainDepthLimit is the most consecutive microtask ticks a
	// chain may reach. The tick that would go past it runs as a macrotask.
	MicrotaskChainDepthLimit int `json:"microtaskChainDepthLimit" yaml:"microtaskChainDepthLimit"`
	MaxDrainRounds           int `json:"maxDrainRounds" yaml:"maxDrainRounds"`
}

// DefaultConfig returns the builtin limits.
func DefaultConfig() Config {
	return Config{
		MaxSteps:                 DefaultMaxSteps,
		UrgentStepCap:            DefaultUrgentStepCap,
		MicrotaskChainDepthLimit: DefaultMicrotaskChainDepthLimit,
		MaxDrainRounds:           DefaultMaxDrainRounds,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSteps <= 0 {
		c.MaxSteps = d.MaxSteps
	}
	if c.UrgentStepCap <= 0 {
		c.UrgentStepCap = d.UrgentStepCap
	}
	if c.MicrotaskChainDepthLimit <= 0 {
		c.MicrotaskChainDepthLimit = d.MicrotaskChainDepthLimit
	}
	if c.MaxDrainRounds <= 0 {
		c.MaxDrainRounds = d.MaxDrainRounds
	}
	return c
}

// Via names the host path a tick was scheduled on.
type Via string

const (
	ViaMicrotask Via = "microtask"
	ViaMacrotask Via = "macrotask"
)

// Reasons recorded in TickEvidence.
const (
	ReasonMicrotaskStarvation = "microtask_starvation"

	StopDrained        = "drained"
	StopMaxSteps       = "max_steps"
	StopUrgentStepCap  = "urgent_step_cap"
	StopMaxDrainRounds = "max_drain_rounds"
)

// Job is one queued delivery.
type Job struct {
	Seq    int64
	Urgent bool
	Run    func()
}

// TickEvidence records one tick.
type TickEvidence struct {
	TickSeq         int64  `json:"tickSeq"`
	Steps           int    `json:"steps"`
	UrgentSteps     int    `json:"urgentSteps"`
	Rounds          int    `json:"rounds"`
	ScheduledVia    Via    `json:"scheduledVia"`
	ForcedMacrotask bool   `json:"forcedMacrotask"`
	Reason          string `json:"reason,omitempty"`
	StopReason      string `json:"stopReason"`
	ChainDepth      int    `json:"chainDepth"`
	Backlog         int    `json:"backlog"`
	FirstSeq        int64  `json:"firstSeq,omitempty"`
	LastSeq         int64  `json:"lastSeq,omitempty"`
}

// Scheduler is a TickScheduler for one module instance.
//
// Thread-safety: Schedule may be called from any goroutine, including from
// inside a running job. Jobs run on the host's callback goroutine, one at a
// time and in Schedule order.
type Scheduler struct {
	cfg    Config
	host   Host
	module string
	sink   diag.Sink
	onTick func(TickEvidence)
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	queue      []Job
	pending    bool // a tick is requested or running
	tickSeq    int64
	chainDepth int // consecutive microtask ticks
	forceNext  bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithModule labels diagnostics with the module ID.
func WithModule(id string) Option {
	return func(s *Scheduler) { s.module = id }
}

// WithDiagnostics sets the diagnostic sink.
func WithDiagnostics(sink diag.Sink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

// WithTickEvidence registers a callback receiving every tick's evidence.
func WithTickEvidence(fn func(TickEvidence)) Option {
	return func(s *Scheduler) { s.onTick = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithNow sets the clock stamped on diagnostics.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler on host. Zero config fields take defaults.
func New(host Host, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:    cfg.withDefaults(),
		host:   host,
		sink:   diag.Discard,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective limits.
func (s *Scheduler) Config() Config { return s.cfg }

// Schedule queues a job and requests a tick if none is pending.
func (s *Scheduler) Schedule(job Job) {
	s.mu.Lock()
	s.queue = append(s.queue, job)
	request := !s.pending
	s.pending = true
	s.mu.Unlock()

	if request {
		s.requestTick()
	}
}

// Backlog returns the number of queued jobs.
func (s *Scheduler) Backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// requestTick asks the host for the next tick, on a macrotask if the
// previous tick ended a too-long microtask chain.
func (s *Scheduler) requestTick() {
	s.mu.Lock()
	forced := s.forceNext
	s.forceNext = false
	s.mu.Unlock()

	if forced {
		s.host.Macrotask(func() { s.tick(ViaMacrotask, true) })
		return
	}
	s.host.Microtask(func() { s.tick(ViaMicrotask, false) })
}

func (s *Scheduler) tick(via Via, forced bool) {
	s.mu.Lock()
	s.tickSeq++
	ev := TickEvidence{TickSeq: s.tickSeq, ScheduledVia: via, ForcedMacrotask: forced}
	if via == ViaMicrotask {
		s.chainDepth++
	} else {
		s.chainDepth = 0
	}
	ev.ChainDepth = s.chainDepth
	s.mu.Unlock()

	if forced {
		ev.Reason = ReasonMicrotaskStarvation
		s.warnStarvation(ev.TickSeq)
	}

	ev.StopReason = s.drain(&ev)

	s.mu.Lock()
	ev.Backlog = len(s.queue)
	more := ev.Backlog > 0
	if more {
		// Another microtask tick would exceed the limit.
		if s.chainDepth >= s.cfg.MicrotaskChainDepthLimit {
			s.forceNext = true
		}
	} else {
		s.pending = false
		s.chainDepth = 0
	}
	s.mu.Unlock()

	if s.onTick != nil {
		s.onTick(ev)
	}
	s.logger.Debug("tick",
		"module", s.module,
		"tick_seq", ev.TickSeq,
		"via", ev.ScheduledVia,
		"steps", ev.Steps,
		"rounds", ev.Rounds,
		"stop", ev.StopReason,
		"backlog", ev.Backlog,
	)

	if more {
		s.requestTick()
	}
}

// drain runs jobs for one tick and returns why it stopped.
func (s *Scheduler) drain(ev *TickEvidence) string {
	for ev.Rounds < s.cfg.MaxDrainRounds {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()
		if len(batch) == 0 {
			return StopDrained
		}
		ev.Rounds++

		for i, job := range batch {
			stop := ""
			switch {
			case ev.Steps >= s.cfg.MaxSteps:
				stop = StopMaxSteps
			case job.Urgent && ev.UrgentSteps >= s.cfg.UrgentStepCap:
				stop = StopUrgentStepCap
			}
			if stop != "" {
				s.requeue(batch[i:])
				return stop
			}

			s.run(job)
			ev.Steps++
			if job.Urgent {
				ev.UrgentSteps++
			}
			if ev.FirstSeq == 0 {
				ev.FirstSeq = job.Seq
			}
			ev.LastSeq = job.Seq
		}
	}

	if s.Backlog() == 0 {
		return StopDrained
	}
	return StopMaxDrainRounds
}

// requeue puts unprocessed jobs back at the front, ahead of anything
// scheduled while they were out.
func (s *Scheduler) requeue(jobs []Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(append([]Job(nil), jobs...), s.queue...)
}

func (s *Scheduler) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled job panicked",
				"module", s.module,
				"seq", job.Seq,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	job.Run()
}

func (s *Scheduler) warnStarvation(tickSeq int64) {
	s.sink.Emit(diag.Diagnostic{
		Code:     diag.CodeMicrotaskStarvation,
		Severity: diag.SeverityWarning,
		Message: fmt.Sprintf("microtask chain exceeded %d ticks; yielding to a macrotask",
			s.cfg.MicrotaskChainDepthLimit),
		Module: s.module,
		Details: map[string]any{
			"tickSeq": tickSeq,
			"limit":   s.cfg.MicrotaskChainDepthLimit,
		},
		At: s.now(),
	})
}
