package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dapm/minerop/internal/codec"
	"github.com/dapm/minerop/internal/log"
	"github.com/dapm/minerop/internal/model"
	"github.com/dapm/minerop/internal/pipeline"
)

var ErrTerminated = errors.New("miner terminated")

// Stats are the counters of a Miner since it was created.
type Stats struct {
	Requests  int64 `json:"requests"`
	Results   int64 `json:"results"`
	Empty     int64 `json:"empty"`     // answered without a usable net
	Malformed int64 `json:"malformed"` // answered with an unparsable net
	Failures  int64 `json:"failures"`
	Timeouts  int64 `json:"timeouts"`
	Spawns    int64 `json:"spawns"`
	Refreshes int64 `json:"refreshes"`
}

// Miner turns events into Petri nets by delegating to an external miner
// process. Calls are serialized: at most one request is in flight and the
// process is started, replaced and terminated only under the same lock.
type Miner struct {
	mu         sync.Mutex
	runner     *Runner
	timeout    time.Duration
	grace      time.Duration
	meter      *pipeline.Meter
	now        func() time.Time
	stats      Stats
	terminated bool
}

type MinerOption func(*Miner)

// WithTimeout sets how long a request may wait for its response.
func WithTimeout(d time.Duration) MinerOption {
	return func(m *Miner) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithGrace sets the time between SIGTERM and SIGKILL.
func WithGrace(d time.Duration) MinerOption {
	return func(m *Miner) {
		if d >= 0 {
			m.grace = d
		}
	}
}

func NewMiner(cmd Command, prov Provisioner, opts ...MinerOption) *Miner {
	m := &Miner{
		runner:  NewRunner(cmd, prov),
		timeout: model.DefaultTimeout,
		grace:   model.DefaultGrace,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.meter = pipeline.NewMeter(m.now())
	return m
}

// MinerFromConfig builds a Miner launching the configured runtime against
// the artifact installed by prov.
func MinerFromConfig(cfg model.Miner, prov Provisioner) *Miner {
	return NewMiner(
		CommandFromConfig(cfg),
		prov,
		WithTimeout(cfg.TimeoutDuration()),
		WithGrace(cfg.GraceDuration()),
	)
}

// Start spawns the miner process unless one is already running. Failing to
// start is the only error the Miner surfaces to its host.
func (m *Miner) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminated {
		return ErrTerminated
	}
	_, err := m.runner.EnsureStarted(ctx)
	return err
}

// Process sends e to the miner and returns the mined net. It never fails:
// every problem ends up as an outcome without a result. Processing continues
// with the next event, a crashed process is replaced on the next call.
func (m *Miner) Process(ctx context.Context, e model.Event) model.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx = log.ContextAttrs(ctx, slog.String("case_id", e.CaseID))

	m.stats.Requests++
	if n, ok := m.meter.Tick(m.now()); ok {
		slog.InfoContext(ctx, "events processed in last second", "count", n)
	}
	if m.terminated {
		m.stats.Failures++
		slog.DebugContext(ctx, "dropping event", "error", ErrTerminated)
		return model.Outcome{}
	}

	net, err := m.process(ctx, e)
	if err != nil {
		m.stats.Failures++
		m.handleFailure(ctx, err)
		return model.Outcome{}
	}
	if net == nil {
		return model.Outcome{}
	}
	m.stats.Results++
	return model.Outcome{Net: net, OK: true}
}

func (m *Miner) process(ctx context.Context, e model.Event) (*model.PetriNet, error) {
	req, err := codec.EncodeEvent(e)
	if err != nil {
		return nil, err
	}
	p, err := m.runner.EnsureStarted(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := p.Channel().Exchange(ctx, req, m.timeout)
	if err != nil {
		return nil, err
	}
	if !resp.Usable() {
		m.stats.Empty++
		return nil, nil
	}
	net, err := codec.DecodeNet(resp.Content())
	if err != nil {
		m.stats.Malformed++
		slog.DebugContext(ctx, "miner answered with an unusable net", "error", err)
		return nil, nil
	}
	return &net, nil
}

// handleFailure decides what a failed request means for the process. Start
// failures are loud but leave nothing to clean up. Any failure during the
// exchange leaves the protocol out of sync, so the process is replaced.
func (m *Miner) handleFailure(ctx context.Context, err error) {
	switch {
	case errors.Is(err, ErrStart):
		slog.ErrorContext(ctx, "miner unavailable", "error", err)
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, codec.ErrMalformed):
		slog.WarnContext(ctx, "event can't be sent to the miner", "error", err)
	case errors.Is(err, ErrTimeout):
		m.stats.Timeouts++
		slog.WarnContext(ctx, "miner timed out: recycling process", "timeout", m.timeout.String())
		m.runner.Terminate(ctx, m.grace)
	default:
		p := m.runner.Current()
		slog.WarnContext(ctx, "miner exchange failed: recycling process", "alive", m.runner.Alive(p), "error", err)
		m.runner.Terminate(ctx, m.grace)
	}
}

// PublishCondition reports whether an outcome should be published.
func (m *Miner) PublishCondition(o model.Outcome) bool {
	return o.OK && o.Net != nil
}

// Terminate stops the miner process. Later calls do nothing and Process
// only yields empty outcomes afterwards.
func (m *Miner) Terminate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminated {
		return
	}
	m.terminated = true
	m.runner.Terminate(context.Background(), m.grace)
	slog.Info("miner terminated", "stats", m.snapshot())
}

// Alive reports whether a miner process is currently running.
func (m *Miner) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runner.Alive(m.runner.Current())
}

// PID returns the pid of the running miner process or 0.
func (m *Miner) PID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.runner.Current()
	if !m.runner.Alive(p) {
		return 0
	}
	return p.PID()
}

func (m *Miner) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

// snapshot must be called with m.mu held.
func (m *Miner) snapshot() Stats {
	st := m.stats
	st.Spawns = m.runner.Spawns()
	st.Refreshes = m.runner.Refreshes()
	return st
}
