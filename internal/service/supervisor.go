package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	gocron "github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dapm/minerop/internal/model"
	"github.com/dapm/minerop/internal/parallel"
)

// Source produces events until it runs out or ctx is done.
type Source interface {
	Run(ctx context.Context, out chan<- model.Event) error
}

type Filter interface {
	Accept(ctx context.Context, e model.Event) bool
}

// Report is a snapshot of the pipeline counters.
type Report struct {
	Received     int64 `json:"received"`
	Accepted     int64 `json:"accepted"`
	Published    int64 `json:"published"`
	UploadErrors int64 `json:"upload_errors"`
	Miner        Stats `json:"miner"`
	PID          int   `json:"pid"`
}

// Supervisor drives events from a source through the filters into the miner
// and publishes the mined nets.
type Supervisor struct {
	source    Source
	filters   []Filter
	miner     *Miner
	shutdown  *Shutdown
	uploaders []model.Uploader
	scheduler gocron.Scheduler

	received     atomic.Int64
	accepted     atomic.Int64
	published    atomic.Int64
	uploadErrors atomic.Int64
}

func NewSupervisor(ctx context.Context, cfg model.Service, source Source, miner *Miner, filters ...Filter) (*Supervisor, error) {
	uploaders, err := uploaders(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing uploaders: %w", err)
	}

	s := &Supervisor{
		source:    source,
		filters:   filters,
		miner:     miner,
		shutdown:  OnShutdown(miner),
		uploaders: uploaders,
	}

	if cfg.Report != nil {
		s.scheduler, err = newScheduler(ctx, *cfg.Report, func() {
			slog.InfoContext(ctx, "pipeline report", "report", s.Report())
		})
		if err != nil {
			s.closeUploaders(ctx)
			return nil, fmt.Errorf("service.report: %w", err)
		}
	}
	return s, nil
}

// WithUploaders replaces the configured uploaders.
func (s *Supervisor) WithUploaders(ctx context.Context, uploaders ...model.Uploader) *Supervisor {
	s.closeUploaders(ctx)
	s.uploaders = uploaders
	return s
}

// Do runs the pipeline until the source is exhausted or ctx is cancelled.
//
// Startup: the scheduler is started and the miner process spawned. Failing
// to spawn it is the one error returned besides a source failure.
// Shutdown (deferred order): scheduler -> uploaders -> miner. The miner is
// terminated exactly once even when Do is left early.
// Returns nil on graceful cancellation.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")

	defer s.shutdown.Close()
	defer s.closeUploaders(ctx)

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			err := s.scheduler.Shutdown()
			if err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	if err := s.miner.Start(ctx); err != nil {
		return err
	}

	events := make(chan model.Event, 16)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(events)
		return s.source.Run(gctx, events)
	})
	g.Go(func() error {
		for e := range events {
			if gctx.Err() != nil {
				continue
			}
			s.handle(gctx, e)
		}
		return nil
	})

	err := g.Wait()
	slog.InfoContext(ctx, "supervisor stopped", "report", s.Report())
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

func (s *Supervisor) handle(ctx context.Context, e model.Event) {
	s.received.Add(1)
	for _, f := range s.filters {
		if !f.Accept(ctx, e) {
			return
		}
	}
	s.accepted.Add(1)

	out := s.miner.Process(ctx, e)
	if !s.miner.PublishCondition(out) {
		return
	}
	if err := s.upload(ctx, *out.Net); err != nil {
		s.uploadErrors.Add(1)
		slog.ErrorContext(ctx, "upload failed", "case_id", e.CaseID, "error", err)
		return
	}
	s.published.Add(1)
}

// upload hands n to all uploaders at once and waits for them.
func (s *Supervisor) upload(ctx context.Context, n model.PetriNet) error {
	return parallel.Each(ctx, len(s.uploaders), s.uploaders, func(ctx context.Context, u model.Uploader) error {
		return u.Upload(ctx, n)
	})
}

func (s *Supervisor) closeUploaders(ctx context.Context) {
	for _, uploader := range s.uploaders {
		if closer, ok := uploader.(model.UploadCloser); ok {
			err := closer.Close()
			if err != nil {
				slog.ErrorContext(ctx, "closing uploader have failed", "error", err)
			}
		}
	}
	s.uploaders = nil
}

func (s *Supervisor) Report() Report {
	return Report{
		Received:     s.received.Load(),
		Accepted:     s.accepted.Load(),
		Published:    s.published.Load(),
		UploadErrors: s.uploadErrors.Load(),
		Miner:        s.miner.Stats(),
		PID:          s.miner.PID(),
	}
}

func newScheduler(ctx context.Context, cfg model.Schedule, task func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	if cfg.Cron != "" {
		if _, err := model.ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
	} else {
		d, err := cfg.Interval()
		if err != nil {
			return nil, err
		}
		job = gocron.DurationJob(d)
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(job, gocron.NewTask(task))
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
