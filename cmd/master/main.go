// Package main Master 入口
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"angel-master/internal/apiserver/auth"
	"angel-master/internal/apiserver/metrics"
	"angel-master/internal/apiserver/server"
	"angel-master/internal/apiserver/service"
	"angel-master/internal/config"
	"angel-master/internal/shared/election"
	"angel-master/internal/shared/eventbus"
	redisbus "angel-master/internal/shared/eventbus/redis"
	"angel-master/internal/shared/objstore"
	"angel-master/internal/shared/storage/factory"
	"angel-master/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		log.Printf("[master.exit] error=%v", err)
		os.Exit(1)
	}
	fmt.Println("Master stopped")
}

func run() error {
	cfg := config.Load()
	log.Printf("[master.start] env=%s", cfg.Env)
	log.Printf("[master.config] %s", cfg.String())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 主备选举：成为 Leader 之前不恢复状态、不对外服务
	var lost <-chan struct{}
	if len(cfg.Etcd.Endpoints) > 0 {
		elector, err := election.New(election.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
			Prefix:      cfg.Etcd.Prefix,
			TTL:         cfg.Etcd.ElectionTTL,
		})
		if err != nil {
			return err
		}
		defer elector.Close()

		log.Printf("[master.election.campaign] identity=%s", elector.Identity())
		if err := elector.Campaign(ctx); err != nil {
			return fmt.Errorf("campaign: %w", err)
		}
		log.Printf("[master.election.leader] identity=%s", elector.Identity())
		lost = elector.Done()
	}

	persist, err := factory.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer persist.Close()
	log.Printf("[master.storage] driver=%s", cfg.DatabaseDriver)

	var bus eventbus.EventBus
	if cfg.Redis.URL != "" {
		rb, err := redisbus.NewStoreFromURL(cfg.Redis.URL, cfg.Redis.Stream, cfg.Redis.MaxLen)
		if err != nil {
			return err
		}
		bus = rb
		log.Printf("[master.eventbus] backend=redis stream=%s", cfg.Redis.Stream)
	} else {
		bus = eventbus.NewMemoryBus(0)
		log.Printf("[master.eventbus] backend=memory")
	}
	defer bus.Close()

	var archive objstore.LogArchive
	if cfg.MinIO.Endpoint != "" {
		client, err := objstore.NewClient(cfg.MinIO)
		if err != nil {
			return err
		}
		if err := client.EnsureBucket(ctx); err != nil {
			return err
		}
		archive = objstore.NewArchive(client)
		log.Printf("[master.archive] endpoint=%s bucket=%s", cfg.MinIO.Endpoint, client.Bucket())
	}

	// 持久化层不可达时停止服务并以非零状态退出
	fatalCh := make(chan error, 1)
	m := metrics.NewMetrics("angel_master")
	svc := service.New(service.Deps{
		Config:  cfg,
		Persist: persist,
		Bus:     bus,
		Archive: archive,
		Metrics: m,
		Logger:  logging.Default("master"),
		OnFatal: func(err error) {
			select {
			case fatalCh <- err:
			default:
			}
		},
	})
	defer svc.Close()

	if err := svc.Restore(ctx); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	go svc.Run(ctx)

	validator, err := server.NewValidator(ctx)
	if err != nil {
		return err
	}
	h := server.NewHandler(server.Options{
		Service:   svc,
		Auth:      auth.FromSettings(cfg.Auth),
		Bus:       bus,
		Metrics:   m,
		Validator: validator,
	})
	if !cfg.Auth.Enabled() {
		log.Printf("[master.auth] WARNING: JWT_SECRET is empty, authentication is disabled")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("[master.listen] addr=:%s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var exitErr error
	select {
	case <-ctx.Done():
		log.Printf("[master.shutdown] reason=signal")
	case <-lost:
		exitErr = errors.New("lost leadership")
	case err := <-fatalCh:
		exitErr = fmt.Errorf("persistence unavailable: %w", err)
	case err := <-serveErr:
		exitErr = fmt.Errorf("http server: %w", err)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[master.shutdown.failed] error=%v", err)
	}
	return exitErr
}
