package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"folderd/config"
	"folderd/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the folderd background daemon",
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	Long: `Run the daemon in the foreground, logging to stderr.

This is what 'daemon start' spawns in the background; run it directly
when debugging or under a process supervisor.`,
	RunE: runDaemonRun,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background daemon",
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether the daemon is running",
	RunE:  runDaemonStatus,
}

func init() {
	daemonCmd.AddCommand(daemonRunCmd, daemonStartCmd, daemonStopCmd, daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

func resolveLogDir(cfg *config.Config) (string, error) {
	if cfg.Daemon.LogDir != "" {
		return cfg.Daemon.LogDir, nil
	}
	return daemon.GetDefaultLogDir()
}

func runDaemonRun(cmd *cobra.Command, args []string) error {
	stateDir, err := config.StateDir()
	if err != nil {
		return err
	}
	cfg := loadConfig(stateDir)

	rt, err := daemon.NewRuntime(cfg, stateDir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return rt.Run(ctx)
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	stateDir, err := config.StateDir()
	if err != nil {
		return err
	}
	cfg := loadConfig(stateDir)

	logDir, err := resolveLogDir(cfg)
	if err != nil {
		return err
	}

	if pid, err := daemon.GetRunningPID(logDir); err == nil && pid != 0 {
		fmt.Printf("Daemon already running (PID %d)\n", pid)
		return nil
	}

	pid, died, err := daemon.SpawnBackground(logDir, []string{"daemon", "run"})
	if err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Wait for the ready file, bailing out early if the child exits.
	deadline := time.After(30 * time.Second)
	for {
		if daemon.IsReady(logDir) {
			fmt.Printf("Daemon started (PID %d)\n", pid)
			return nil
		}
		select {
		case <-died:
			return fmt.Errorf("daemon exited during startup; check logs in %s", logDir)
		case <-deadline:
			return fmt.Errorf("daemon did not become ready in time; check logs in %s", logDir)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	stateDir, err := config.StateDir()
	if err != nil {
		return err
	}
	cfg := loadConfig(stateDir)

	logDir, err := resolveLogDir(cfg)
	if err != nil {
		return err
	}

	pid, err := daemon.GetRunningPID(logDir)
	if err != nil || pid == 0 {
		fmt.Println("Daemon is not running.")
		return nil
	}

	if err := daemon.StopProcess(pid); err != nil {
		return fmt.Errorf("failed to stop daemon (PID %d): %w", pid, err)
	}

	deadline := time.After(10 * time.Second)
	for daemon.IsProcessRunning(pid) {
		select {
		case <-deadline:
			return fmt.Errorf("daemon (PID %d) did not stop in time", pid)
		case <-time.After(100 * time.Millisecond):
		}
	}
	fmt.Printf("Daemon stopped (PID %d)\n", pid)
	return nil
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	stateDir, err := config.StateDir()
	if err != nil {
		return err
	}
	cfg := loadConfig(stateDir)

	logDir, err := resolveLogDir(cfg)
	if err != nil {
		return err
	}

	pid, err := daemon.GetRunningPID(logDir)
	if err != nil || pid == 0 {
		fmt.Println("Daemon is not running.")
		return nil
	}

	client, err := dialDaemon()
	if err != nil {
		fmt.Printf("Daemon process exists (PID %d) but is not answering: %v\n", pid, err)
		return nil
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		fmt.Printf("Daemon process exists (PID %d) but ping failed: %v\n", pid, err)
		return nil
	}

	fmt.Printf("Daemon is running (PID %d)\n", pid)
	return nil
}
