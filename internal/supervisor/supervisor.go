// Package supervisor wires a PCI session and its MQTT gateway together and
// drives the process lifecycle, including the bounded-quiescence graceful
// shutdown of both.
package supervisor

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mitchell-johnson/cbus/internal/cbus/session"
	"github.com/mitchell-johnson/cbus/internal/cbus/throttle"
	"github.com/mitchell-johnson/cbus/internal/gateway"
	"github.com/mitchell-johnson/cbus/internal/metrics"
)

// drainTimeout is the best-effort window given to in-flight MQTT publishes
// before shutdown proceeds regardless.
const drainTimeout = 1 * time.Second

// Supervisor owns a Session, its Throttler and Gateway, and an optional
// metrics HTTP server, and coordinates their startup and graceful
// shutdown.
type Supervisor struct {
	sess       *session.Session
	thr        *throttle.Throttler
	gw         *gateway.Gateway
	stat       *metrics.Stat
	metricsSrv *http.Server
	logger     *log.Logger

	inShutdown atomic.Bool
}

// New constructs a Supervisor. metricsAddr may be empty to skip serving
// /metrics.
func New(sess *session.Session, thr *throttle.Throttler, gw *gateway.Gateway, stat *metrics.Stat, metricsAddr string, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	s := &Supervisor{sess: sess, thr: thr, gw: gw, stat: stat, logger: logger}
	if stat != nil {
		stat.Register()
	}
	if metricsAddr != "" {
		s.metricsSrv = metrics.Serve(metricsAddr)
	}
	return s
}

// Run connects the gateway, starts the PCI session, and blocks until ctx
// is cancelled or a component fails unrecoverably. It always attempts a
// graceful Shutdown before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.gw.Connect(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.sess.Run(gctx)
	})
	g.Go(func() error {
		s.gw.RunStatusResync(gctx)
		return nil
	})

	err := g.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout+time.Second)
	defer cancel()
	if shutErr := s.Shutdown(shutdownCtx); shutErr != nil && err == nil {
		err = shutErr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown stops the throttler (discarding anything still queued),
// disconnects the gateway (paho's Disconnect blocks while in-flight
// retained publishes drain, up to drainTimeout), and stops the metrics
// server.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if !s.inShutdown.CompareAndSwap(false, true) {
		return nil
	}

	s.thr.Shutdown()
	s.gw.Disconnect(drainTimeout)

	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			s.logger.Printf("supervisor: warning: metrics server shutdown: %v", err)
			return err
		}
	}
	return nil
}
