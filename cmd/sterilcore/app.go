package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"sterilcore/internal/clock"
	"sterilcore/internal/config"
	"sterilcore/internal/core"
	blobs3 "sterilcore/internal/infra/blob/s3"
	"sterilcore/internal/phaseconfig"
	"sterilcore/internal/telemetry"
	"sterilcore/pkg/domain"
)

// app holds what a command invocation builds from configuration. Tests
// preset clock and logger.
type app struct {
	v       *viper.Viper
	cfg     config.Config
	clock   clock.Clock
	logger  *zap.Logger
	metrics *prometheus.Registry

	store   domain.PersistentStore
	svc     *core.Service
	tracing *telemetry.Provider
	closers []func() error

	// served runs once serve has started its workers.
	served func()
}

func newApp() *app {
	return &app{v: config.New()}
}

// setup loads configuration and opens the service.
func (a *app) setup(cmd *cobra.Command) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	if err := config.ReadFile(a.v, cfgFile); err != nil {
		return err
	}
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if a.logger == nil {
		logger, err := newLogger(cfg.Log)
		if err != nil {
			return err
		}
		a.logger = logger
		a.closers = append(a.closers, func() error {
			_ = logger.Sync()
			return nil
		})
	}

	registry, err := loadPhases(cfg.PhasesFile)
	if err != nil {
		return err
	}
	if a.clock == nil {
		a.clock = clock.Real{Location: cfg.Location()}
	}
	policy := core.NewPolicy(registry, a.clock, cfg.BI.Enforce)

	ctx := cmd.Context()
	store, closeStore, err := core.OpenPersistentStore(ctx, storageConfig(cfg), policy)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, closeStore)

	archive, err := core.OpenBlobStore(ctx, blobConfig(cfg))
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}

	spanOut := io.Writer(os.Stderr)
	if cfg.Telemetry.Stdout {
		spanOut = os.Stdout
	}
	tp, err := telemetry.New(telemetry.Options{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: "sterilcore",
		Version:     version,
		Writer:      spanOut,
	})
	if err != nil {
		return err
	}
	a.tracing = tp
	a.closers = append(a.closers, func() error {
		return tp.Shutdown(context.Background())
	})

	a.metrics = prometheus.NewRegistry()
	recorder, err := core.NewPrometheusMetricsRecorder(a.metrics)
	if err != nil {
		return err
	}

	a.svc = core.NewService(store, policy,
		core.WithClock(a.clock),
		core.WithFacility(cfg.FacilityID),
		core.WithLogger(core.NewZapLogger(a.logger)),
		core.WithAuditRecorder(core.NewZapAuditRecorder(a.logger)),
		core.WithMetricsRecorder(recorder),
		core.WithTracer(tp.Tracer()),
		core.WithBlobStore(archive),
		core.WithDuePollInterval(cfg.BI.DuePollInterval),
	)
	a.closers = append(a.closers, func() error {
		a.svc.Close()
		return nil
	})
	return nil
}

// teardown releases everything setup opened, newest first.
func (a *app) teardown() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

func loadPhases(path string) (*phaseconfig.Registry, error) {
	if path == "" {
		return phaseconfig.Load(phaseconfig.Defaults())
	}
	return phaseconfig.LoadFile(path)
}

func storageConfig(cfg config.Config) core.StorageConfig {
	return core.StorageConfig{
		Driver:      core.StorageDriver(cfg.Storage.Driver),
		SQLitePath:  cfg.Storage.SQLitePath,
		PostgresDSN: cfg.Storage.PostgresDSN,
	}
}

func blobConfig(cfg config.Config) core.BlobConfig {
	return core.BlobConfig{
		Driver: cfg.Blob.Driver,
		FSRoot: cfg.Blob.FSRoot,
		S3: blobs3.Config{
			Bucket:          cfg.Blob.S3.Bucket,
			Region:          cfg.Blob.S3.Region,
			Endpoint:        cfg.Blob.S3.Endpoint,
			PathStyle:       cfg.Blob.S3.PathStyle,
			AccessKeyID:     cfg.Blob.S3.AccessKeyID,
			SecretAccessKey: cfg.Blob.S3.SecretAccessKey,
		},
	}
}
