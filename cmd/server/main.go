// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main is the entry point for the scan orchestrator server. It wires
// the registry, queue, worker, housekeeper, and HTTP surface together and
// runs until interrupted.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eafonin/nessus-orchestrator/internal/handler"
	"github.com/eafonin/nessus-orchestrator/internal/pkg/logger"
	"github.com/eafonin/nessus-orchestrator/internal/queue"
	"github.com/eafonin/nessus-orchestrator/internal/registry"
	"github.com/eafonin/nessus-orchestrator/internal/repository"
	"github.com/eafonin/nessus-orchestrator/internal/router"
	"github.com/eafonin/nessus-orchestrator/internal/scanner"
	"github.com/eafonin/nessus-orchestrator/internal/service"
	"github.com/eafonin/nessus-orchestrator/internal/types"
)

// rootCmd is the root command for the CLI application.
var rootCmd = &cobra.Command{
	Use:   "nessusd",
	Short: "Nessus orchestrator - vulnerability scan scheduling across scanner pools",
	Long:  `A control plane that accepts scan requests, queues them per pool, and drives them against Nessus scanner instances.`,
	Run:   runServer,
}

// init initializes command-line flags and environment variable bindings.
func init() {
	rootCmd.Flags().String("host", "0.0.0.0", "Server host")
	rootCmd.Flags().IntP("port", "p", 8080, "Server port")
	rootCmd.Flags().String("pools-file", "./pools.yaml", "Path to the declarative pools file")
	rootCmd.Flags().String("redis-addr", "127.0.0.1:6379", "Redis address (host:port)")
	rootCmd.Flags().String("redis-password", "", "Redis AUTH password")
	rootCmd.Flags().Int("redis-db", 0, "Redis database index")
	rootCmd.Flags().StringSlice("pools", []string{"default"}, "Pool names this worker dequeues from")
	rootCmd.Flags().Int("max-concurrent-scans", 5, "Worker-level in-flight scan cap")
	rootCmd.Flags().Int("poll-interval", 30, "Backend status poll interval in seconds")
	rootCmd.Flags().Int("scan-deadline", 86400, "Absolute per-scan deadline in seconds")
	rootCmd.Flags().Int("retention-completed-days", 7, "Days to keep completed tasks")
	rootCmd.Flags().Int("retention-failed-days", 30, "Days to keep failed tasks")
	rootCmd.Flags().Int("retention-timeout-days", 30, "Days to keep timed-out tasks")
	rootCmd.Flags().Int("idempotency-ttl", 172800, "Idempotency key lifetime in seconds")
	rootCmd.Flags().Int("breaker-failure-threshold", 5, "Consecutive failures before a breaker opens")
	rootCmd.Flags().Int("breaker-cooldown", 300, "Breaker open to half-open cooldown in seconds")
	rootCmd.Flags().Int("breaker-success-threshold", 2, "Half-open successes before a breaker closes")
	rootCmd.Flags().Int("queue-pop-timeout", 5, "Blocking dequeue timeout in seconds")
	rootCmd.Flags().String("reports-dir", "./reports", "Directory for task records and exported artifacts")
	rootCmd.Flags().StringSlice("cors-allowed-origins", []string{"*"}, "CORS allowed origins")

	viper.BindPFlags(rootCmd.Flags())

	// Set environment variable prefix to "NESSUS"
	viper.SetEnvPrefix("NESSUS")
	viper.AutomaticEnv()
	// Replace hyphens with underscores in environment variable names
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
}

// loadConfig builds the configuration tree from viper.
func loadConfig() *types.Config {
	return &types.Config{
		Server: types.ServerConfig{
			Host: viper.GetString("host"),
			Port: viper.GetInt("port"),
		},
		Redis: types.RedisConfig{
			Addr:     viper.GetString("redis-addr"),
			Password: viper.GetString("redis-password"),
			DB:       viper.GetInt("redis-db"),
		},
		Worker: types.WorkerConfig{
			Subscriptions:       viper.GetStringSlice("pools"),
			MaxConcurrentScans:  viper.GetInt("max-concurrent-scans"),
			PollIntervalSeconds: viper.GetInt("poll-interval"),
			ScanDeadlineSeconds: viper.GetInt("scan-deadline"),
		},
		Retention: types.RetentionConfig{
			CompletedDays: viper.GetInt("retention-completed-days"),
			FailedDays:    viper.GetInt("retention-failed-days"),
			TimeoutDays:   viper.GetInt("retention-timeout-days"),
		},
		Idempotency: types.IdempotencyConfig{
			TTLSeconds: viper.GetInt("idempotency-ttl"),
		},
		Breaker: types.BreakerConfig{
			FailureThreshold: viper.GetInt("breaker-failure-threshold"),
			CooldownSeconds:  viper.GetInt("breaker-cooldown"),
			SuccessThreshold: viper.GetInt("breaker-success-threshold"),
		},
		Queue: types.QueueConfig{
			PopTimeoutSeconds: viper.GetInt("queue-pop-timeout"),
		},
		Storage: types.StorageConfig{
			ReportsDir: viper.GetString("reports-dir"),
		},
		CORS: types.CORSConfig{
			AllowedOrigins: viper.GetStringSlice("cors-allowed-origins"),
		},
	}
}

// runServer is the main server execution function.
func runServer(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	poolsFile := viper.GetString("pools-file")

	log := logger.New()

	log.Info("Starting Nessus orchestrator")
	log.Info("=================================")
	log.Info("Worker Configuration:")
	log.Info("  Pools: %s", strings.Join(cfg.Worker.Subscriptions, ", "))
	log.Info("  Max In-Flight Scans: %d", cfg.Worker.MaxConcurrentScans)
	log.Info("  Poll Interval: %d seconds", cfg.Worker.PollIntervalSeconds)
	log.Info("  Scan Deadline: %d seconds", cfg.Worker.ScanDeadlineSeconds)
	log.Info("Retention: completed %dd, failed %dd, timeout %dd",
		cfg.Retention.CompletedDays, cfg.Retention.FailedDays, cfg.Retention.TimeoutDays)

	// Scanner registry from the declarative pools file
	pools, err := types.LoadPools(poolsFile)
	if err != nil {
		log.Error("Failed to load pools file: %v", err)
		return
	}
	reg := registry.New(cfg.Breaker, log)
	if err := reg.Load(pools); err != nil {
		log.Error("Invalid pools configuration: %v", err)
		return
	}

	// Redis-backed queue and idempotency store
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	taskQueue := queue.New(rdb, time.Duration(cfg.Queue.PopTimeoutSeconds)*time.Second)
	idemStore := queue.NewIdempotencyStore(rdb, time.Duration(cfg.Idempotency.TTLSeconds)*time.Second)

	// File-based task storage
	log.Info("Initializing task store...")
	log.Info("  Reports directory: %s", cfg.Storage.ReportsDir)
	taskStore, err := repository.NewFileTaskStore(cfg.Storage.ReportsDir)
	if err != nil {
		log.Error("Failed to initialize task store: %v", err)
		return
	}

	// Services
	vault := service.NewCredentialVault()
	taskManager := service.NewTaskManager(taskStore, log)
	orchestrator := service.NewOrchestrator(taskManager, taskQueue, idemStore, reg, vault, log)
	worker := service.NewWorker(taskQueue, reg, taskManager, scanner.NewNessusBackend, vault, cfg.Worker, log)
	housekeeper := service.NewHousekeeper(taskStore, cfg.Retention, log)

	if err := worker.Start(); err != nil {
		log.Error("Failed to start worker: %v", err)
		return
	}
	defer worker.Stop()

	housekeeper.Start()
	defer housekeeper.Stop()

	// Hot reload of the pools file on SIGHUP and on file change
	stopReload := watchPools(poolsFile, reg, log)
	defer stopReload()

	// HTTP surface
	scanHandler := handler.NewScanHandler(orchestrator, log)
	resultsHandler := handler.NewResultsHandler(orchestrator, log)
	adminHandler := handler.NewAdminHandler(orchestrator, log)

	r := router.New(scanHandler, resultsHandler, adminHandler)
	engine := r.Setup(cfg)

	// Set up graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Info("=================================")
	log.Info("Server listening on %s", addr)
	log.Info("Press Ctrl+C to stop")

	go func() {
		if err := engine.Run(addr); err != nil {
			log.Error("Server failed: %v", err)
			quit <- syscall.SIGTERM
		}
	}()

	<-quit
	log.Info("Shutting down server...")
	log.Info("Goodbye!")
}

// watchPools reloads the pools file into the registry on SIGHUP or when the
// file changes on disk. A bad file is rejected and the previous table stays
// in effect.
func watchPools(path string, reg *registry.Registry, log logger.Logger) func() {
	reload := func(origin string) {
		pools, err := types.LoadPools(path)
		if err != nil {
			log.Error("Pools reload (%s) rejected: %v", origin, err)
			return
		}
		if err := reg.Load(pools); err != nil {
			log.Error("Pools reload (%s) rejected: %v", origin, err)
			return
		}
		log.Info("Pools reloaded (%s)", origin)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Error("Failed to create pools file watcher: %v", err)
		watcher = nil
	} else if err := watcher.Add(path); err != nil {
		log.Error("Failed to watch pools file %s: %v", path, err)
		watcher.Close()
		watcher = nil
	}

	stop := make(chan struct{})
	go func() {
		var events chan fsnotify.Event
		var errs chan error
		if watcher != nil {
			events = watcher.Events
			errs = watcher.Errors
		}
		for {
			select {
			case <-stop:
				return
			case <-hup:
				reload("SIGHUP")
			case event, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					reload("file change")
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				log.Error("Pools file watcher error: %v", err)
			}
		}
	}()

	return func() {
		close(stop)
		signal.Stop(hup)
		if watcher != nil {
			watcher.Close()
		}
	}
}

// main is the application entry point.
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
