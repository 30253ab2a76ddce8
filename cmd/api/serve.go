package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/melih/lighthouse/internal/adapters/builder"
	"github.com/melih/lighthouse/internal/adapters/docker"
	"github.com/melih/lighthouse/internal/adapters/http"
	"github.com/melih/lighthouse/internal/adapters/memory"
	"github.com/melih/lighthouse/internal/adapters/mongo"
	redisstore "github.com/melih/lighthouse/internal/adapters/redis"
	"github.com/melih/lighthouse/internal/config"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/deploy"
	"github.com/melih/lighthouse/internal/ingest"
	"github.com/melih/lighthouse/internal/jobqueue"
	"github.com/melih/lighthouse/internal/logpipe"
	"github.com/melih/lighthouse/internal/metrics"
	"github.com/melih/lighthouse/internal/router"
	"github.com/melih/lighthouse/internal/tag"
)

// stores holds the persistence backends and how to release them.
type stores struct {
	workspaces ports.WorkspaceStore
	jobs       jobqueue.Store
	closers    []func()
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStores(ctx context.Context, cfg config.StoreConfig) (*stores, error) {
	s := &stores{}
	var rdb redis.UniversalClient
	if cfg.Workspaces == config.BackendRedis || cfg.Jobs == config.BackendRedis {
		rdb = redis.NewUniversalClient(cfg.Redis.AsUniversalOptions())
		s.closers = append(s.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			s.close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	switch cfg.Workspaces {
	case config.BackendRedis:
		s.workspaces = redisstore.NewWorkspaceStore(rdb, cfg.Redis.Prefix)
	case config.BackendMongo:
		store, err := mongo.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			s.close()
			return nil, err
		}
		s.workspaces = store
		s.closers = append(s.closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = store.Close(ctx)
		})
	default:
		s.workspaces = memory.NewWorkspaceStore()
	}

	if cfg.Jobs == config.BackendRedis {
		s.jobs = redisstore.NewJobStore(rdb, cfg.Redis.Prefix)
	} else {
		s.jobs = jobqueue.NewMemoryStore()
	}
	log.WithFields(log.Fields{"workspaces": cfg.Workspaces, "jobs": cfg.Jobs}).Info("Opened stores")
	return s, nil
}

// logPipeline is the ingestion side: tag parser, reassembler, router and sink.
type logPipeline struct {
	pipeline *logpipe.Pipeline
	router   *router.Router
	sink     *router.FileSink
}

func openLogPipeline(cfg config.LogsConfig, m *metrics.Metrics) (*logPipeline, error) {
	parser, err := tag.NewParser(cfg.MinSegments, cfg.MaxSegments)
	if err != nil {
		return nil, err
	}
	table, err := router.NewTable(cfg.Rules)
	if err != nil {
		return nil, err
	}
	sink, err := router.NewFileSink(cfg.Root, cfg.MaxOpenFiles)
	if err != nil {
		return nil, err
	}
	rt := router.New(table, sink, cfg.Router, m)
	pipeline, err := logpipe.New(parser, cfg.Reassembly, rt, m)
	if err != nil {
		_ = sink.Close()
		return nil, err
	}
	return &logPipeline{pipeline: pipeline, router: rt, sink: sink}, nil
}

// close flushes open records before the sink goes away.
func (l *logPipeline) close() {
	l.pipeline.Close()
	if err := l.sink.Close(); err != nil {
		log.WithError(err).Warn("Failed to close log files")
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	logs, err := openLogPipeline(cfg.Logs, m)
	if err != nil {
		return err
	}
	defer logs.close()
	hooks := cloneHooks(log.StandardLogger().Hooks)
	hook := logpipe.NewHook(logs.pipeline, log.InfoLevel, logpipe.DefaultHookBuffer)
	log.AddHook(hook)
	// Deployment logs stop flowing into the pipeline before it is closed.
	defer hook.Close()
	defer log.StandardLogger().ReplaceHooks(hooks)

	st, err := openStores(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.close()

	runtime, err := docker.NewAdapter(cfg.Docker)
	if err != nil {
		return err
	}
	defer runtime.Close()
	if err := runtime.Ping(ctx); err != nil {
		return err
	}
	imageBuilder, err := builder.NewBuilderAdapter(cfg.Builder.WorkDir)
	if err != nil {
		return err
	}
	portPool, err := deploy.NewPortPool(cfg.Ports.Min, cfg.Ports.Max, m.PortsInUse)
	if err != nil {
		return err
	}

	follower := ingest.NewFollower(runtime, logs.pipeline)
	defer follower.Close()

	machine := deploy.NewMachine(deploy.Deps{
		Store:   st.workspaces,
		Runtime: runtime,
		Builder: imageBuilder,
		Ports:   portPool,
		Labeler: deploy.NewLabeler(cfg.Traefik),
		Logs:    follower,
		Metrics: m,
	}, cfg.Deploy)
	queue := jobqueue.New(st.jobs, cfg.Queue.Retry)

	if _, err := machine.Recover(ctx); err != nil {
		return err
	}
	requeued, err := queue.Recover(ctx)
	if err != nil {
		return err
	}
	log.Infof("Recovered %d pending jobs", requeued)

	service := deploy.NewService(queue, st.workspaces)
	pool := jobqueue.NewPool(queue, machine, cfg.Queue.Pool, m)

	var proxy *http.ProxyHandler
	if cfg.Proxy.Domain != "" {
		proxy = http.NewProxyHandler(service, cfg.Proxy.Domain, cfg.Proxy.TargetHost)
	}
	app := http.NewApp(
		http.NewWorkspaceHandler(service, runtime, logs.pipeline),
		proxy,
		prometheus.Gatherers{reg, prometheus.DefaultGatherer},
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pool.Run(ctx)
	})
	g.Go(func() error {
		return logs.router.Run(ctx)
	})
	g.Go(func() error {
		log.Infof("Server starting on %s", cfg.Listen)
		if err := app.Listen(cfg.Listen); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down")
		return app.ShutdownWithTimeout(cfg.ShutdownTimeout)
	})
	return g.Wait()
}

func cloneHooks(hooks log.LevelHooks) log.LevelHooks {
	out := make(log.LevelHooks, len(hooks))
	for level, hs := range hooks {
		out[level] = append([]log.Hook(nil), hs...)
	}
	return out
}
