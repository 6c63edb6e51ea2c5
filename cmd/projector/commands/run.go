package commands

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	cfg "github.com/tendermint/tm-projector/config"
	"github.com/tendermint/tm-projector/internal/projection"
	"github.com/tendermint/tm-projector/internal/subscriber"
)

// AddProjectorFlags exposes some common configuration options on the
// command-line.
func AddProjectorFlags(cmd *cobra.Command) {
	cmd.Flags().String("event_source.endpoint", config.EventSource.Endpoint,
		"websocket URL of the validator's event subscription endpoint")
	cmd.Flags().StringSlice("event_source.namespace_prefixes", config.EventSource.NamespacePrefixes,
		"hex address prefixes to project (default: all)")

	cmd.Flags().String("storage.backend", config.Storage.Backend,
		"storage backend: goleveldb | memdb | postgres | sqlite")
	cmd.Flags().String("storage.db_dir", config.Storage.DBPath, "database directory")
	cmd.Flags().String("storage.conn_string", config.Storage.ConnString, "postgres connection string")

	cmd.Flags().Int("subscriber.max_fork_depth", config.Subscriber.MaxForkDepth,
		"maximum number of blocks rolled back to resolve a fork")

	cmd.Flags().Bool("instrumentation.prometheus", config.Instrumentation.Prometheus,
		"serve prometheus metrics")
	cmd.Flags().String("instrumentation.prometheus_listen_addr", config.Instrumentation.PrometheusListenAddr,
		"prometheus listen address")
}

// RunProjectorCmd follows the event source until interrupted.
var RunProjectorCmd = &cobra.Command{
	Use:     "start",
	Aliases: []string{"run"},
	Short:   "Follow the event source and keep the projection up to date",
	RunE:    runProjector,
}

func init() {
	AddProjectorFlags(RunProjectorCmd)
}

func runProjector(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	storeMetrics, subMetrics := metricsProvider(config.Instrumentation)

	store, err := openStore(ctx, logger, storeMetrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing projection store", "err", err)
		}
	}()

	sub := subscriber.New(
		config.Subscriber,
		config.EventSource.NamespacePrefixes,
		subscriber.NewEventStreamDialer(config.EventSource, logger),
		store,
		logger,
		subscriber.WithMetrics(subMetrics),
	)

	g, gctx := errgroup.WithContext(ctx)
	if config.Instrumentation.Prometheus {
		srv := newPrometheusServer(config.Instrumentation)
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return err
		}
		if limit := config.Instrumentation.MaxOpenConnections; limit > 0 {
			ln = netutil.LimitListener(ln, limit)
		}
		g.Go(func() error {
			logger.Info("serving metrics", "addr", ln.Addr())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		if err := sub.Start(gctx); err != nil {
			return err
		}
		sub.Wait()
		// a clean stop does not end the group on its own
		cancel()
		return sub.Err()
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("projector stopped")
	return nil
}

func metricsProvider(conf *cfg.InstrumentationConfig) (*projection.Metrics, *subscriber.Metrics) {
	if conf.Prometheus {
		return projection.PrometheusMetrics(conf.Namespace), subscriber.PrometheusMetrics(conf.Namespace)
	}
	return projection.NopMetrics(), subscriber.NopMetrics()
}

func newPrometheusServer(conf *cfg.InstrumentationConfig) *http.Server {
	return &http.Server{
		Addr: conf.PrometheusListenAddr,
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(
				prometheus.DefaultGatherer,
				promhttp.HandlerOpts{MaxRequestsInFlight: conf.MaxOpenConnections},
			),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
