package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kozaktomas/face-linker/internal/constants"
	"github.com/kozaktomas/face-linker/internal/scheduler"
	"github.com/kozaktomas/face-linker/internal/web"
	"github.com/kozaktomas/face-linker/internal/web/handlers"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and background workers",
	Long: `Start the Face Linker HTTP API together with the background task queue
and the periodic maintenance jobs (match cache sweep, task pruning and
face index snapshots).`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
}

// startJobs registers the maintenance jobs and starts the scheduler.
func startJobs(a *app) (*scheduler.Scheduler, error) {
	s := scheduler.New(a.logger)
	if err := s.AddJob(scheduler.JobCacheSweep, constants.CacheSweepInterval,
		scheduler.SweepCache(a.cache, a.logger)); err != nil {
		return nil, err
	}
	if err := s.AddJob(scheduler.JobTaskPrune, constants.TaskPruneInterval,
		scheduler.PruneTasks(a.tasks, a.cfg.Matching.TaskRetention, a.logger)); err != nil {
		return nil, err
	}
	if a.cfg.Database.HNSWIndexPath != "" {
		if err := s.AddJob(scheduler.JobIndexSnapshot, constants.HNSWSnapshotInterval,
			scheduler.SnapshotIndexes(a.collection)); err != nil {
			return nil, err
		}
	}
	s.Start()
	return s, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fmt.Printf("Connecting to PostgreSQL database...\n")
	a, err := newApp(ctx, appOptions{hnsw: true})
	if err != nil {
		return err
	}
	defer a.Close()

	webCfg := a.cfg.Web
	if port := mustGetInt(cmd, "port"); port > 0 {
		webCfg.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		webCfg.Host = host
	}

	recovered, err := a.queue.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover pending tasks: %w", err)
	}
	if recovered > 0 {
		fmt.Printf("Recovered %d pending tasks\n", recovered)
	}
	go a.queue.Run(ctx, a.engine.HandleTask)

	jobs, err := startJobs(a)
	if err != nil {
		return fmt.Errorf("failed to schedule jobs: %w", err)
	}

	server := web.NewServer(webCfg, web.Deps{
		Registrar:     a.engine,
		Photos:        a.engine,
		Identities:    a.identities,
		PhotoReader:   a.photos,
		Records:       a.records,
		Notifications: a.notifications,
		Tasks:         a.tasks,
		HealthChecks: map[string]handlers.HealthCheck{
			"database":    a.pool.Ping,
			"recognition": a.embedder.Health,
		},
	}, a.logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()
		jobs.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer shutdownCancel()

		if a.cfg.Database.HNSWIndexPath != "" {
			if err := a.collection.SaveHNSWIndexes(shutdownCtx); err != nil {
				a.logger.Warn("failed to save face indexes", zap.Error(err))
			} else {
				fmt.Println("Face indexes saved to disk")
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting Face Linker API on http://%s:%d\n", webCfg.Host, webCfg.Port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
