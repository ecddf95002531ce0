package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sterilcore/internal/core"
	"sterilcore/internal/feed"
	"sterilcore/pkg/domain"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run phase countdowns, the BI-due monitor and the change feed",
		Long: `Resumes phases left active by earlier runs, polls the daily BI rule,
follows BI result and incident changes for the facility and retries writes
the store did not confirm. Metrics are served on metrics.addr when set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	log := a.logger.Named("serve")

	hub := feed.NewHub(feed.DefaultBuffer)
	if c, ok := a.store.(feed.Committer); ok {
		hub.Attach(c)
	}
	defer hub.Close()

	resumed, err := a.svc.ResumeActivePhases(ctx)
	if err != nil {
		log.Warn("resume active phases", zap.Error(err))
	}
	log.Info("phase countdowns resumed", zap.Int("count", resumed))

	monitor := a.svc.NewDueMonitor()
	unsubscribe := monitor.Subscribe(func(st core.DueStatus) {
		if st.Remind {
			log.Warn("daily BI test due", zap.String("facility", st.FacilityID), zap.Timep("last_test", st.LastTestDate))
		}
	})
	defer unsubscribe()
	monitor.Start()
	defer monitor.Stop()

	g, gctx := errgroup.WithContext(ctx)

	filter := feed.Filter{Column: "facility_id", Value: a.cfg.FacilityID}.String()
	for _, table := range []string{domain.EntityTestResult.Table(), domain.EntityIncident.Table()} {
		sub, err := feed.Subscribe(gctx, hub, table, filter, a.svc.HandleChangeEvent,
			feed.WithLogger(log),
			feed.WithStateHook(func(s feed.State) {
				log.Debug("change feed", zap.String("table", table), zap.String("state", string(s)))
			}),
		)
		if err != nil {
			return err
		}
		g.Go(func() error {
			<-sub.Done()
			if gctx.Err() != nil {
				return nil
			}
			return sub.Err()
		})
	}

	g.Go(func() error {
		a.svc.ReconcileQueue().Run(gctx, a.cfg.Reconcile.Interval, func(err error) {
			log.Warn("pending writes not yet confirmed", zap.Int("pending", a.svc.ReconcileQueue().Len()), zap.Error(err))
		})
		return nil
	})

	if addr := a.cfg.Metrics.Addr; addr != "" {
		a.metrics.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: shutdownTimeout}
		g.Go(func() error {
			log.Info("metrics listening", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	log.Info("serving", zap.String("facility", a.cfg.FacilityID))
	if a.served != nil {
		a.served()
	}
	return g.Wait()
}
