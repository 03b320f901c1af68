package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"tagpin/internal/config"
	"tagpin/internal/web"
	"tagpin/pkg/hashing"
	"tagpin/pkg/metrics"
	"tagpin/pkg/resolver"
	"tagpin/pkg/store"
)

type ServeCmd struct {
	ConfigPath       string `arg:"--config-path,env:CONFIG_PATH" help:"Path to the TOML tuning file, optional."`
	ServerAddr       string `arg:"--server-addr,env:SERVER_ADDR" default:":8080" help:"Address to serve the resolve API."`
	MetricsAddr      string `arg:"--metrics-addr,env:METRICS_ADDR" default:":9090" help:"Address to serve metrics."`
	StoreURI         string `arg:"--store-uri,env:STORE_URI" help:"Postgres URI for the mapping store, taking precedence over the config file's store uri. Empty in both runs an in-memory store without durability."`
	StartMode        string `arg:"--start-mode,env:START_MODE" default:"restart" help:"How new workflow resolvers initialize, fresh or restart."`
	RegistryInsecure bool   `arg:"--registry-insecure,env:REGISTRY_INSECURE" default:"false" help:"When true registries are contacted over plain HTTP."`
}

type ConfigurationCmd struct {
	ConfigPath string `arg:"--config-path,required,env:CONFIG_PATH" help:"Path to write the default TOML tuning file to."`
}

type Arguments struct {
	Serve         *ServeCmd         `arg:"subcommand:serve"`
	Configuration *ConfigurationCmd `arg:"subcommand:configuration"`
	LogLevel      slog.Level        `arg:"--log-level,env:LOG_LEVEL" default:"INFO" help:"Minimum log level to output. Value should be DEBUG, INFO, WARN, or ERROR."`
}

func main() {
	args := &Arguments{}
	arg.MustParse(args)

	opts := slog.HandlerOptions{
		AddSource: true,
		Level:     args.LogLevel,
	}
	handler := slog.NewJSONHandler(os.Stderr, &opts)
	log := logr.FromSlogHandler(handler)
	ctx := logr.NewContext(context.Background(), log)

	err := run(ctx, args)
	if err != nil {
		log.Error(err, "run exit with error")
		os.Exit(1)
	}
	log.Info("gracefully shutdown")
}

func run(ctx context.Context, args *Arguments) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer cancel()
	switch {
	case args.Serve != nil:
		return serveCommand(ctx, args.Serve)
	case args.Configuration != nil:
		return configurationCommand(args.Configuration)
	default:
		return errors.New("unknown subcommand")
	}
}

func configurationCommand(args *ConfigurationCmd) error {
	return config.Write(args.ConfigPath, config.Default())
}

func serveCommand(ctx context.Context, args *ServeCmd) (err error) {
	log := logr.FromContextOrDiscard(ctx)
	g, ctx := errgroup.WithContext(ctx)

	cfg, err := config.Load(args.ConfigPath)
	if err != nil {
		return err
	}
	startMode, err := resolver.ParseStartMode(args.StartMode)
	if err != nil {
		return err
	}
	username, password, err := loadBasicAuth()
	if err != nil {
		return err
	}

	// Store
	storeURI := args.StoreURI
	if storeURI == "" {
		storeURI = cfg.Store.URI
	}
	var mappingStore store.Store
	if storeURI != "" {
		storeCfg := store.SQLConfig{
			URI:             storeURI,
			PingTimeout:     cfg.Store.PingTimeout.Std(),
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime.Std(),
			ConnMaxIdleTime: cfg.Store.ConnMaxIdleTime.Std(),
		}
		sqlStore, err := store.OpenSQL(ctx, storeCfg)
		if err != nil {
			return err
		}
		defer sqlStore.Close()
		if err := sqlStore.EnsureSchema(ctx); err != nil {
			return err
		}
		mappingStore = sqlStore
	} else {
		log.Info("no store uri configured, resolved mappings will not survive a restart")
		mappingStore = store.NewMemory()
	}

	// Hashing service and driver
	hashingService, err := hashing.NewRegistry(
		hashing.WithRegistryLogger(log),
		hashing.WithInsecure(args.RegistryInsecure),
	)
	if err != nil {
		return err
	}
	driver, err := hashing.NewDriver(hashingService,
		hashing.WithDriverLogger(log),
		hashing.WithBackpressureBase(cfg.Resolver.BackpressureBase.Std()),
		hashing.WithJitterFactor(cfg.Resolver.BackpressureJitterFactor),
		hashing.WithRequestTimeout(cfg.Resolver.RequestTimeout.Std()),
	)
	if err != nil {
		return err
	}

	// Workflow resolvers
	manager, err := resolver.NewManager(driver, mappingStore,
		resolver.WithManagerLogger(log),
		resolver.WithStartMode(startMode),
		resolver.WithIdleWorkflowTTL(cfg.Resolver.IdleWorkflowTTL.Std()),
		resolver.WithResolverOptions(resolver.WithLogger(log)),
	)
	if err != nil {
		return err
	}
	g.Go(func() error {
		return manager.Run(ctx)
	})

	// Resolve API
	webOpts := []web.WebOption{
		web.WithLogger(log),
		web.WithBasicAuth(username, password),
	}
	w, err := web.NewWeb(manager, webOpts...)
	if err != nil {
		return err
	}
	srv, err := w.Server(args.ServerAddr)
	if err != nil {
		return err
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// Metrics
	metrics.Register()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.DefaultGatherer, promhttp.HandlerOpts{}))
	mux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
	mux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	mux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
	mux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/allocs", pprof.Handler("allocs"))
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	mux.Handle("/debug/pprof/block", pprof.Handler("block"))
	mux.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))

	metricsSrv := &http.Server{
		Addr:    args.MetricsAddr,
		Handler: mux,
	}
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	log.Info("running tagpin", "server", args.ServerAddr, "metrics", args.MetricsAddr, "startMode", startMode)
	err = g.Wait()
	if err != nil {
		return err
	}
	return nil
}

func loadBasicAuth() (string, string, error) {
	dirPath := "/etc/secrets/basic-auth"
	username, err := os.ReadFile(filepath.Join(dirPath, "username"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", "", err
	}
	password, err := os.ReadFile(filepath.Join(dirPath, "password"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", "", err
	}
	return string(username), string(password), nil
}
