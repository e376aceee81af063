package service

import (
	"context"
	"fmt"
	"io"

	"github.com/dapm/minerop/internal/artifact"
	"github.com/dapm/minerop/internal/model"
	"github.com/dapm/minerop/internal/pipeline"
)

// ProvisionerFromConfig returns the provisioner for the configured install
// directory. An explicit bundle directory replaces the embedded artifact.
func ProvisionerFromConfig(cfg model.Miner) *artifact.Provisioner {
	var opts []artifact.Option
	if cfg.Bundle != "" {
		opts = append(opts, artifact.WithBundleDir(cfg.Bundle))
	}
	return artifact.New(cfg.InstallDir(), opts...)
}

// Run implements CLI run command: synthetic hospital events are filtered by
// department and mined until ctx is cancelled.
func Run(ctx context.Context, cfg model.Config) error {
	if cfg.Version != 0 {
		return fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}
	miner := MinerFromConfig(cfg.Miner, ProvisionerFromConfig(cfg.Miner))
	source := pipeline.NewHospitalSource(cfg.Pipeline.Seed, cfg.Pipeline.Rate)
	filter := pipeline.NewDepartmentFilter(cfg.Pipeline.Department)

	supervisor, err := NewSupervisor(ctx, cfg.Service, source, miner, filter)
	if err != nil {
		miner.Terminate()
		return err
	}
	return supervisor.Do(ctx)
}

// Mine implements CLI mine command: events are read from r, one JSON
// document per line, and the mined nets written to w. No filter is applied.
func Mine(ctx context.Context, cfg model.Config, r io.Reader, w io.Writer) error {
	miner := MinerFromConfig(cfg.Miner, ProvisionerFromConfig(cfg.Miner))
	supervisor, err := NewSupervisor(ctx, model.Service{Format: cfg.Service.Format}, pipeline.NewReaderSource(r), miner)
	if err != nil {
		miner.Terminate()
		return err
	}
	supervisor = supervisor.WithUploaders(ctx, NewWriteUploader(w, cfg.Service.Format))
	return supervisor.Do(ctx)
}
