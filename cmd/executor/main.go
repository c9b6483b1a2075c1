package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/xiaonanln/pulsejob/cluster/etcdmanager"
	"github.com/xiaonanln/pulsejob/config"
	"github.com/xiaonanln/pulsejob/executor"
	"github.com/xiaonanln/pulsejob/util/logger"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to YAML configuration file")
		name        = flag.String("name", "", "Executor name admins route jobs by")
		address     = flag.String("address", "", "Instance address registered with admins")
		admins      = flag.String("admins", "", "Comma-separated static admin addresses")
		metricsAddr = flag.String("metrics", "", "HTTP address for Prometheus metrics (optional)")
		etcdAddr    = flag.String("etcd", "", "Etcd address for admin discovery (optional)")
		etcdPrefix  = flag.String("etcd-prefix", etcdmanager.DefaultPrefix, "Etcd key prefix")
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
	if *name != "" {
		cfg.Executor.Name = *name
	}
	if *address != "" {
		cfg.Executor.Address = *address
	}
	if *admins != "" {
		cfg.Executor.Admins = strings.Split(*admins, ",")
	}
	if *metricsAddr != "" {
		cfg.Executor.MetricsAddr = *metricsAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *etcdAddr != "" {
		cfg.Etcd = config.EtcdConfig{Endpoints: []string{*etcdAddr}, Prefix: *etcdPrefix}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger.SetDefaultLevel(cfg.LogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Printf("Executor error: %v", err)
		os.Exit(1)
	}
	log.Println("Executor stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	opts, err := cfg.ExecutorOptions()
	if err != nil {
		return err
	}

	var deps executor.Dependencies
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

	c, err := executor.New(opts, deps)
	if err != nil {
		return err
	}
	if err := registerHandlers(c); err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Stop()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Executor.MetricsAddr != "" {
		g.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: cfg.Executor.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				<-gctx.Done()
				srv.Close()
			}()
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		waitCtx, cancel := context.WithTimeout(gctx, 30*time.Second)
		defer cancel()
		if err := c.WaitForAvailable(waitCtx); err != nil {
			log.Printf("No admin reachable yet: %v", err)
		}
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}
