package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/xiaonanln/pulsejob/admin"
	"github.com/xiaonanln/pulsejob/cluster/etcdmanager"
	"github.com/xiaonanln/pulsejob/cluster/hooks"
	"github.com/xiaonanln/pulsejob/config"
	"github.com/xiaonanln/pulsejob/notify"
	"github.com/xiaonanln/pulsejob/util/logger"
	"github.com/xiaonanln/pulsejob/util/postgres"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to YAML configuration file")
		listenAddr  = flag.String("listen", "", "Executor listen address (e.g., ':7070')")
		advertise   = flag.String("advertise", "", "Address published in etcd (defaults to the bound listen address)")
		grpcAddr    = flag.String("grpc", "", "gRPC health service address (optional)")
		metricsAddr = flag.String("metrics", "", "HTTP address for Prometheus metrics (optional, e.g., ':9090')")
		etcdAddr    = flag.String("etcd", "", "Etcd address (optional)")
		etcdPrefix  = flag.String("etcd-prefix", etcdmanager.DefaultPrefix, "Etcd key prefix")
		natsURL     = flag.String("nats", "", "NATS URL for executor and job log events (optional)")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	cfg := &config.Config{Version: 1}
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadConfig(*configFile); err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	}
	overrideString(&cfg.Admin.ListenAddr, *listenAddr)
	overrideString(&cfg.Admin.AdvertiseAddr, *advertise)
	overrideString(&cfg.Admin.GRPCAddr, *grpcAddr)
	overrideString(&cfg.Admin.MetricsAddr, *metricsAddr)
	overrideString(&cfg.NATS.URL, *natsURL)
	overrideString(&cfg.Logging.Level, *logLevel)
	if *etcdAddr != "" {
		cfg.Etcd = config.EtcdConfig{Endpoints: []string{*etcdAddr}, Prefix: *etcdPrefix}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.Admin.ListenAddr == "" {
		log.Fatal("--listen is required when the configuration has no admin.listen_addr")
	}
	logger.SetDefaultLevel(cfg.LogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Printf("Admin error: %v", err)
		os.Exit(1)
	}
	log.Println("Admin stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	opts, err := cfg.AdminOptions()
	if err != nil {
		return err
	}

	var deps admin.Dependencies
	if validator, err := cfg.NewAccessValidator(); err != nil {
		return err
	} else if validator != nil {
		deps.Filters = append(deps.Filters, hooks.NewAccessFilter(validator.Check))
	}

	if cfg.Postgres != nil {
		db, err := postgres.NewDB(cfg.Postgres)
		if err != nil {
			return err
		}
		defer db.Close()
		if deps.Store, err = admin.NewPostgresStore(ctx, db); err != nil {
			return err
		}
		if deps.Instances, err = admin.NewPostgresInstanceStore(ctx, db); err != nil {
			return err
		}
	}

	notifiers := notify.Multi{notify.NewLogNotifier()}
	if cfg.NATS.URL != "" {
		n, err := notify.NewNATSNotifier(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			return err
		}
		notifiers = append(notifiers, n)
	}
	defer notifiers.Close()
	deps.Notifier = notifiers

	if addr := cfg.GetEtcdAddress(); addr != "" {
		mgr, err := etcdmanager.NewEtcdManager(addr, cfg.GetEtcdPrefix())
		if err != nil {
			return err
		}
		if err := mgr.Connect(); err != nil {
			return err
		}
		defer mgr.Close()
		deps.Etcd = mgr
	}

	a, err := admin.New(opts, deps)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop()
	log.Printf("Admin accepting executors on %s", a.Addr())

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Admin.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.Admin.MetricsAddr) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

// serveMetrics exposes /metrics until ctx is done.
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Printf("Metrics on http://%s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func overrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
