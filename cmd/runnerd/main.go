package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"runnerd/internal/controller"
	"runnerd/internal/logarchive"
	"runnerd/internal/repository"
	"runnerd/internal/runner"
	"runnerd/internal/sandbox/engine"
	"runnerd/pkg/utils/logger"
)

const defaultConfigPath = "configs/runnerd.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	sandboxEngine, err := engine.NewEngine(appCfg.Sandbox.toEngineConfig())
	if err != nil {
		logger.Error(context.Background(), "init sandbox engine failed", zap.Error(err))
		return
	}

	var records runner.RecordSink
	var recordStore controller.RecordStore
	if appCfg.Records.Enabled {
		redisClient, err := repository.NewRedisClient(appCfg.Records.Redis)
		if err != nil {
			logger.Error(context.Background(), "init redis failed", zap.Error(err))
			return
		}
		defer func() {
			_ = redisClient.Close()
		}()
		recordRepo := repository.NewRunRecordRepository(redisClient, appCfg.Records.TTL)
		records = recordRepo
		recordStore = recordRepo
	}

	runEngine, err := runner.NewEngine(appCfg.Runner.toRunnerConfig(), sandboxEngine, records)
	if err != nil {
		logger.Error(context.Background(), "init run engine failed", zap.Error(err))
		return
	}

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	if appCfg.Archive.Enabled {
		archiver := logarchive.NewArchiver(appCfg.Archive.toArchiverConfig())
		go archiver.Run(janitorCtx)
	}

	httpServer := buildHTTPServer(appCfg.Server, runEngine, recordStore)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "runner http server started",
			zap.String("addr", appCfg.Server.Addr),
			zap.String("build_directory", appCfg.Runner.BuildDirectoryPath))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	// In-flight runs get the shutdown window to finish; their process
	// trees die with the daemon via the parent-death signal anyway.
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
}

func buildHTTPServer(cfg ServerConfig, svc runner.Service, store controller.RecordStore) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(controller.TraceContextMiddleware())
	router.Use(requestLogger())

	controller.NewRunController(svc).RegisterRoutes(router)
	if store != nil {
		controller.NewRecordsController(store).RegisterRoutes(router)
	}

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
