// Command taskagent is the coding-agent runtime's single entrypoint: the
// producer that polls issue trackers for activated work, the consumer that
// drives each task through planning/execution/verification, and the
// HTTP control surface operators use when they don't have filesystem
// access to the pause-signal path.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taskagent/runtime/pkg/config"
	"github.com/taskagent/runtime/pkg/consumer"
	"github.com/taskagent/runtime/pkg/controlplane"
	"github.com/taskagent/runtime/pkg/database"
	"github.com/taskagent/runtime/pkg/inheritance"
	"github.com/taskagent/runtime/pkg/llm"
	"github.com/taskagent/runtime/pkg/mcp"
	"github.com/taskagent/runtime/pkg/models"
	"github.com/taskagent/runtime/pkg/producer"
	"github.com/taskagent/runtime/pkg/queue"
	"github.com/taskagent/runtime/pkg/rawlog"
	"github.com/taskagent/runtime/pkg/sandbox"
	"github.com/taskagent/runtime/pkg/taskcontext"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	mode := flag.String("mode", getEnv("MODE", ""), "producer, consumer, or empty to run both")
	flag.Parse()

	if *mode != "" && *mode != "producer" && *mode != "consumer" {
		log.Fatalf("invalid --mode %q: want producer, consumer, or empty", *mode)
	}

	logLevel := slog.LevelInfo
	if getEnv("DEBUG", "") != "" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("failed to initialize configuration: %v", err)
	}
	slog.Info("taskagent starting", "mode", modeLabel(*mode), "task_source", cfg.TaskSource, "config_dir", *configDir)

	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("failed to close database client", "error", err)
		}
	}()
	slog.Info("connected to database")

	rawLogger, err := rawlog.New(cfg.RawLogDir)
	if err != nil {
		log.Fatalf("failed to open raw LLM logger: %v", err)
	}

	llmClient, err := llm.New(cfg.LLM, rawLogger)
	if err != nil {
		log.Fatalf("failed to build LLM client: %v", err)
	}

	contextMgr, err := taskcontext.New(cfg.ContextStore.RootDir, dbClient.TaskDB)
	if err != nil {
		log.Fatalf("failed to initialize task context manager: %v", err)
	}

	sandboxMgr := sandbox.New(cfg.Sandbox)
	inheritanceMgr := inheritance.New(cfg.Compression, filepath.Join(cfg.ContextStore.RootDir, "completed"), dbClient.TaskDB)
	clientFactory := mcp.NewClientFactory(cfg.MCPServers)

	isGitLab := cfg.TaskSource == config.SourceGitLab
	serverID := string(cfg.TaskSource)
	trackerClient, err := clientFactory.CreateClient(ctx, []string{serverID})
	if err != nil {
		log.Fatalf("failed to connect to %s MCP server: %v", serverID, err)
	}
	defer func() {
		if err := trackerClient.Close(); err != nil {
			slog.Error("failed to close issue-tracker mcp client", "error", err)
		}
	}()
	trackerExecutor := mcp.NewToolExecutor(trackerClient, cfg.MCPServers, []string{serverID}, nil)
	tracker := mcp.NewIssueTracker(trackerExecutor, serverID, isGitLab)

	q, err := queue.New(cfg.Queue)
	if err != nil {
		log.Fatalf("failed to construct queue: %v", err)
	}
	defer func() {
		if err := q.Close(); err != nil {
			slog.Error("failed to close queue", "error", err)
		}
	}()

	pauseMgr := controlplane.NewPauseResumeManager(cfg.ControlPlane.PauseSignalFile, contextMgr)
	stopMgr := controlplane.NewTaskStopManager(cfg.ControlPlane.AssigneeCheckInterval, cfg.ControlPlane.MinAssigneeCheckGap, contextMgr)

	runProducer := *mode == "" || *mode == "producer"
	runConsumer := *mode == "" || *mode == "consumer"

	var wg sync.WaitGroup

	if reconciled, err := contextMgr.Reconcile(ctx, cfg.ControlPlane.WatchdogThreshold); err != nil {
		slog.Error("watchdog reconciliation failed", "error", err)
	} else if len(reconciled) > 0 {
		slog.Warn("watchdog force-failed orphaned runs", "count", len(reconciled), "uuids", reconciled)
	}

	if runConsumer {
		restored, err := controlplane.RestoreAll(ctx, contextMgr, func(ctx context.Context, uuid string) error {
			_, err := contextMgr.Resume(ctx, uuid)
			return err
		})
		if err != nil {
			slog.Error("failed to restore paused runs", "error", err)
		} else if len(restored) > 0 {
			slog.Info("restored paused runs to running/", "count", len(restored), "uuids", restored)
		}

		c := consumer.New(cfg, dbClient.TaskDB, q, tracker, contextMgr, sandboxMgr, clientFactory, inheritanceMgr, llmClient, pauseMgr, stopMgr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Run(ctx); err != nil {
				slog.Error("consumer stopped", "error", err)
			}
		}()
	}

	if runProducer {
		p := producer.New(cfg, dbClient.TaskDB, q, tracker)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(cfg.ProducerPollInterval)
			defer ticker.Stop()
			for {
				if err := p.Run(ctx); err != nil {
					slog.Error("producer poll failed", "error", err)
				}
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}

	gin.SetMode(getEnv("GIN_MODE", "release"))
	router := gin.Default()
	registerRoutes(router, dbClient, q, pauseMgr, contextMgr, cfg)

	httpPort := getEnv("HTTP_PORT", "8080")
	srv := &http.Server{Addr: ":" + httpPort, Handler: router}
	go func() {
		slog.Info("http control surface listening", "port", httpPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	wg.Wait()
	slog.Info("taskagent stopped cleanly")
}

func modeLabel(mode string) string {
	if mode == "" {
		return "producer+consumer"
	}
	return mode
}

// depther is satisfied by queue.InMemory; the health endpoint reports depth
// when the configured backend supports it.
type depther interface {
	Depth() int
}

func registerRoutes(
	router *gin.Engine,
	dbClient *database.Client,
	q queue.Queue,
	pauseMgr *controlplane.PauseResumeManager,
	contextMgr *taskcontext.Manager,
	cfg *config.Config,
) {
	router.GET("/health", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		dbHealth, err := database.Health(reqCtx, dbClient.DB(), dbClient.TaskDB, cfg.ControlPlane.WatchdogThreshold)
		body := gin.H{"status": "healthy", "database": dbHealth}
		if d, ok := q.(depther); ok {
			body["queue_depth"] = d.Depth()
		}
		if err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		c.JSON(http.StatusOK, body)
	})

	router.POST("/control/pause", func(c *gin.Context) {
		if err := os.WriteFile(cfg.ControlPlane.PauseSignalFile, []byte{}, 0o644); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("write pause signal: %v", err)})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "pause signal set", "signal_file": cfg.ControlPlane.PauseSignalFile})
	})

	router.POST("/control/stop", func(c *gin.Context) {
		var body struct {
			UUID string `json:"uuid"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.UUID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be {\"uuid\": \"...\"}"})
			return
		}

		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		run, err := dbClient.TaskDB.GetRun(reqCtx, body.UUID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if run.Status.IsTerminal() {
			c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("run %s is already %s", run.UUID, run.Status)})
			return
		}
		if err := contextMgr.Complete(reqCtx, run, models.StatusStopped, "stopped via control API"); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "stopped", "uuid": run.UUID})
	})

	router.GET("/control/pause", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"paused_signal_present": pauseMgr.SignalPresent()})
	})
}
