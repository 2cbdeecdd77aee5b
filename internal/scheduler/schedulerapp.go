package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/G-Research/batchflow/internal/common/app"
	dbcommon "github.com/G-Research/batchflow/internal/common/database"
	"github.com/G-Research/batchflow/internal/common/health"
	"github.com/G-Research/batchflow/internal/common/pgkeyvalue"
	"github.com/G-Research/batchflow/internal/common/serve"
	"github.com/G-Research/batchflow/internal/common/stringinterner"
	"github.com/G-Research/batchflow/internal/common/task"
	"github.com/G-Research/batchflow/internal/errorcatalog"
	"github.com/G-Research/batchflow/internal/messages"
	"github.com/G-Research/batchflow/internal/messaging"
	"github.com/G-Research/batchflow/internal/messaging/backends"
	"github.com/G-Research/batchflow/internal/scheduler/cluster"
	schedulerconfig "github.com/G-Research/batchflow/internal/scheduler/configuration"
	"github.com/G-Research/batchflow/internal/scheduler/leader"
	"github.com/G-Research/batchflow/internal/scheduler/resources"
	"github.com/G-Research/batchflow/internal/storage"
	"github.com/G-Research/batchflow/internal/store"
)

// Run sets up a Scheduler application and runs it until a SIGTERM is received
func Run(config schedulerconfig.Configuration) error {
	shutdownCtx, cancel := app.CreateContextWithShutdown()
	defer cancel()
	g, ctx := errgroup.WithContext(shutdownCtx)
	ctx = ctxlogrus.ToContext(ctx, log.NewEntry(log.StandardLogger()))
	realClock := clock.RealClock{}

	//////////////////////////////////////////////////////////////////////////
	// Database
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Setting up the %s database", config.Database.Backend)
	st, pool, err := OpenStore(ctx, config.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.WithError(err).Warn("store didn't close down cleanly")
		}
	}()
	if err := SeedJobTypes(ctx, st, config.JobTypes, realClock.Now()); err != nil {
		return errors.WithMessage(err, "failed to create the configured job types")
	}

	//////////////////////////////////////////////////////////////////////////
	// Command messages
	//////////////////////////////////////////////////////////////////////////
	backend, err := backends.New(config.Messaging.Broker, realClock)
	if err != nil {
		return errors.WithMessage(err, "error creating the message broker")
	}
	var ledger messaging.Ledger = messaging.NewMemoryLedger(config.DedupTable.Retention)
	if pool != nil {
		kv, err := pgkeyvalue.New(ctx, pool, config.DedupTable.CacheSize, config.DedupTable.TableName)
		if err != nil {
			return errors.WithMessage(err, "error creating the message ledger")
		}
		ledger = messaging.NewPostgresLedger(kv)
	}
	catalog := errorcatalog.NewCatalog()
	registry := messaging.NewRegistry()
	messages.RegisterAll(registry, &messages.Env{
		Store:   st,
		Clock:   realClock,
		Catalog: catalog,
		Mover:   storage.NewLocalMover(config.Workspace.Root),
	})
	messageManager := messaging.NewManager(backend, registry, ledger, realClock, config.Messaging.Manager)
	defer func() {
		if err := messageManager.Close(); err != nil {
			log.WithError(err).Warn("message broker didn't close down cleanly")
		}
	}()

	//////////////////////////////////////////////////////////////////////////
	// Cluster
	//////////////////////////////////////////////////////////////////////////
	agents, err := agentsFromConfig(config.Nodes)
	if err != nil {
		return err
	}
	fakeCluster := cluster.NewFakeCluster(agents, cluster.FakeConfig{
		StartDelay:  config.FakeCluster.StartDelay,
		RunDuration: config.FakeCluster.RunDuration,
	}, realClock)

	//////////////////////////////////////////////////////////////////////////
	// Scheduler
	//////////////////////////////////////////////////////////////////////////
	scheduler := NewScheduler(
		config.Scheduler,
		st,
		fakeCluster,
		messageManager,
		catalog,
		stringinterner.New(config.InternedStringsCacheSize),
		realClock,
	)

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsRegistry.MustRegister(scheduler, messageManager)

	taskManager := task.NewBackgroundTaskManager("batchflow_scheduler_", config.Scheduler.WarnThreshold, metricsRegistry, func(err error) {
		log.WithError(err).Error("background task failed, shutting down")
		cancel()
	})

	//////////////////////////////////////////////////////////////////////////
	// Health and metrics
	//////////////////////////////////////////////////////////////////////////
	startupComplete := health.NewStartupCompleteChecker()
	mux := http.NewServeMux()
	health.SetupHttpMux(mux, health.NewMultiChecker(startupComplete, health.FuncChecker(scheduler.Check)))
	mux.Handle("/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))
	if config.Metrics.Port != 0 {
		server := &http.Server{Addr: fmt.Sprintf(":%d", config.Metrics.Port), Handler: mux}
		g.Go(func() error {
			return serve.ListenAndServe(ctx, server)
		})
	}

	//////////////////////////////////////////////////////////////////////////
	// Leader election
	//////////////////////////////////////////////////////////////////////////
	if pool != nil && config.LeaderElection.Enabled {
		election := leader.NewLeaderElection(pool, config.LeaderElection.Interval, config.LeaderElection.Timeout)
		log.Infof("instance %s waiting to become the leader", election.ID())
		if err := election.BecomeLeader(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return g.Wait()
			}
			return err
		}
		g.Go(func() error {
			err := election.StayLeader(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	taskManager.Register(func(ctx context.Context) error {
		fakeCluster.Tick(ctx)
		return nil
	}, config.FakeCluster.TickInterval, "cluster_tick")
	scheduler.Start(taskManager)
	startupComplete.MarkComplete()
	log.Info("scheduler started")

	g.Go(func() error {
		<-ctx.Done()
		log.Info("stopping scheduler threads")
		if !taskManager.StopAll(config.Scheduler.ShutdownTimeout) {
			log.Warnf("scheduler threads did not stop within %s", config.Scheduler.ShutdownTimeout)
		}
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		scheduler.Stop(stopCtx)
		return nil
	})
	return g.Wait()
}

// OpenStore opens the configured store. The pool is only returned for postgres.
func OpenStore(ctx context.Context, config schedulerconfig.DatabaseConfig) (store.Store, *pgxpool.Pool, error) {
	switch config.Backend {
	case schedulerconfig.SqliteBackend:
		st, err := store.NewSqliteStore(ctx, config.SqlitePath)
		return st, nil, errors.WithMessagef(err, "error opening sqlite database %s", config.SqlitePath)
	case schedulerconfig.PostgresBackend:
		pool, err := dbcommon.OpenPgxPool(ctx, config.Postgres)
		if err != nil {
			return nil, nil, errors.WithMessage(err, "error opening connection to postgres")
		}
		if err := store.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, errors.WithMessage(err, "error migrating postgres")
		}
		st, err := store.NewPostgresStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return st, pool, nil
	default:
		st, err := store.NewMemDbStore()
		return st, nil, err
	}
}

func agentsFromConfig(nodes []schedulerconfig.NodeConfig) ([]cluster.Agent, error) {
	agents := make([]cluster.Agent, 0, len(nodes))
	for _, n := range nodes {
		nodeResources, err := resources.FromQuantities(n.Resources)
		if err != nil {
			return nil, errors.WithMessagef(err, "invalid resources for node %s", n.Hostname)
		}
		agents = append(agents, cluster.Agent{AgentID: n.AgentID, Hostname: n.Hostname, Resources: nodeResources})
	}
	return agents, nil
}
