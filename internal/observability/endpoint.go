package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/conf"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/logger"
	metricspkg "github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/observability/metrics"
)

// Endpoint serves /metrics while a command runs.
type Endpoint struct {
	server        *http.Server
	listenAddress string
	metrics       *Metrics
	addr          net.Addr
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewEndpoint creates an Endpoint for settings.Metrics.Listen. It returns an
// error when metrics are disabled or no listen address is set.
func NewEndpoint(settings *conf.Settings, metrics *Metrics) (*Endpoint, error) {
	if !settings.Metrics.Enabled || settings.Metrics.Listen == "" {
		return nil, fmt.Errorf("metrics endpoint not enabled in settings")
	}
	return &Endpoint{
		listenAddress: settings.Metrics.Listen,
		metrics:       metrics,
	}, nil
}

// Start binds the listen address and serves in the background. The server
// stops when ctx is done or Stop is called.
func (e *Endpoint) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	e.metrics.RegisterHandlers(mux)

	ln, err := net.Listen("tcp", e.listenAddress)
	if err != nil {
		return fmt.Errorf("metrics endpoint listen on %s: %w", e.listenAddress, err)
	}
	e.server = &http.Server{Handler: mux}
	e.addr = ln.Addr()
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Go(func() {
		log.Info("metrics endpoint starting", logger.String("address", ln.Addr().String()))
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics HTTP server error", logger.Error(err))
		}
	})

	e.wg.Go(func() {
		<-ctx.Done()
		e.shutdown()
	})
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (e *Endpoint) Addr() string {
	if e.addr != nil {
		return e.addr.String()
	}
	return e.listenAddress
}

// Stop shuts the server down and waits for its goroutines.
func (e *Endpoint) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	e.wg.Wait()
}

func (e *Endpoint) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), metricspkg.ShutdownTimeout)
	defer cancel()
	if err := e.server.Shutdown(ctx); err != nil {
		log.Error("metrics server shutdown error", logger.Error(err))
	}
}
