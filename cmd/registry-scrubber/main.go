// Command registry-scrubber is the standalone scrubber binary:
// a process that periodically drains pending_delete images independent
// of whether an API server is running in the same process. registryd
// can also run a scrubber embedded (see its --enable-scrubber flag);
// this binary is for deployments that want the scrubber isolated in
// its own process and lifecycle (its own pidfile, its own restart
// cadence, its own log file).
package main

import (
	"fmt"
	"log/syslog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/glacier/pkg/catalog"
	"github.com/cuemby/glacier/pkg/events"
	glog "github.com/cuemby/glacier/pkg/log"
	"github.com/cuemby/glacier/pkg/scrubber"
	"github.com/cuemby/glacier/pkg/store"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "registry-scrubber",
	Short:   "drains pending_delete images from the catalog by invoking the object store's delete",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("registry-scrubber version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("pidfile", "/var/run/registry-scrubber.pid", "Pidfile used by start/stop/restart")
	rootCmd.PersistentFlags().String("log-file", "", "Write logs to this file instead of stderr")
	rootCmd.PersistentFlags().Bool("use-syslog", false, "Send logs to syslog instead of stderr")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.PersistentFlags().String("db", "./registry.db", "Path to the SQLite catalog database")
	rootCmd.PersistentFlags().String("store-dir", "./registry-data", "Base directory for the filesystem storage driver")
	rootCmd.PersistentFlags().Duration("scrub_time", time.Minute, "How often the scrubber sweeps pending_delete images")
	rootCmd.PersistentFlags().Duration("scrub-grace-period", 0, "Minimum time an image must sit in pending_delete before it is scrubbed")
	rootCmd.PersistentFlags().Bool("delayed_delete", true, "Expect delayed-delete semantics; informational, matches the API server's own setting")

	rootCmd.AddCommand(startCmd, stopCmd, restartCmd, runCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scrubber, optionally detached (--daemon)",
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running scrubber identified by --pidfile",
	RunE:  runStop,
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Stop then start the scrubber",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runStop(cmd, args); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
		return runStart(cmd, args)
	},
}

// runCmd runs the scrub loop in the foreground; start re-execs into
// this when --daemon is given (without it, start runs the loop
// in-process), and runCmd is also useful directly under
// an external supervisor (systemd, runit) that wants to own the
// process rather than a detached child.
var runCmd = &cobra.Command{
	Use:    "run",
	Short:  "Run the scrub loop in the foreground",
	Hidden: true,
	RunE:   runForeground,
}

func init() {
	startCmd.Flags().Bool("daemon", false, "Detach into the background after starting")
}

func runStart(cmd *cobra.Command, args []string) error {
	pidPath, _ := cmd.Flags().GetString("pidfile")
	daemon, _ := cmd.Flags().GetBool("daemon")

	if pid, err := readPidfile(pidPath); err != nil {
		return err
	} else if processAlive(pid) {
		return fmt.Errorf("registry-scrubber already running (pid %d)", pid)
	}

	if !daemon {
		return runForeground(cmd, args)
	}

	execArgs := append([]string{"run"}, forwardedFlags(cmd)...)

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable path: %w", err)
	}
	proc := &os.ProcAttr{
		Files: []*os.File{nil, nil, nil},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	}
	child, err := os.StartProcess(self, append([]string{self}, execArgs...), proc)
	if err != nil {
		return fmt.Errorf("spawning detached scrubber: %w", err)
	}
	if err := writePidfile(pidPath, child.Pid); err != nil {
		return fmt.Errorf("writing pidfile: %w", err)
	}
	fmt.Printf("registry-scrubber started (pid %d)\n", child.Pid)
	return nil
}

// forwardedFlags re-serializes the flags runForeground needs onto the
// detached child's argv, since os.StartProcess does not inherit the
// parent's parsed cobra flag values.
func forwardedFlags(cmd *cobra.Command) []string {
	var out []string
	for _, name := range []string{"db", "store-dir", "scrub_time", "scrub-grace-period", "delayed_delete", "log-file", "use-syslog", "log-level", "pidfile"} {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			out = append(out, fmt.Sprintf("--%s=%s", name, f.Value.String()))
		}
	}
	return out
}

func runStop(cmd *cobra.Command, args []string) error {
	pidPath, _ := cmd.Flags().GetString("pidfile")
	pid, err := readPidfile(pidPath)
	if err != nil {
		return err
	}
	if pid == 0 || !processAlive(pid) {
		_ = os.Remove(pidPath)
		return fmt.Errorf("registry-scrubber is not running")
	}
	if err := stopPid(pid); err != nil {
		return fmt.Errorf("signaling pid %d: %w", pid, err)
	}
	_ = os.Remove(pidPath)
	fmt.Printf("registry-scrubber stopped (pid %d)\n", pid)
	return nil
}

func runForeground(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logFile, _ := cmd.Flags().GetString("log-file")
	useSyslog, _ := cmd.Flags().GetBool("use-syslog")
	dbPath, _ := cmd.Flags().GetString("db")
	storeDir, _ := cmd.Flags().GetString("store-dir")
	scrubTime, _ := cmd.Flags().GetDuration("scrub_time")
	gracePeriod, _ := cmd.Flags().GetDuration("scrub-grace-period")

	logCfg := glog.Config{Level: glog.Level(logLevel)}
	switch {
	case useSyslog:
		writer, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, "registry-scrubber")
		if err != nil {
			return fmt.Errorf("connecting to syslog: %w", err)
		}
		logCfg.Output = writer
	case logFile != "":
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		logCfg.Output = f
	}
	glog.Init(logCfg)

	catalogStore, err := catalog.Open(dbPath, catalog.DefaultConfig())
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer catalogStore.Close()

	fsDriver, err := store.NewFilesystemDriver(storeDir)
	if err != nil {
		return fmt.Errorf("initializing filesystem store: %w", err)
	}
	dispatcher := store.NewDispatcher(map[string]store.Driver{
		"file": fsDriver,
		"http": store.NewHTTPDriver(&http.Client{}),
	})

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	scrubCfg := scrubber.DefaultConfig()
	scrubCfg.Interval = scrubTime
	scrubCfg.GracePeriod = gracePeriod
	s := scrubber.New(catalogStore, dispatcher, broker, scrubCfg)
	s.Start()
	defer s.Stop()

	glog.Logger.Info().Dur("interval", scrubTime).Dur("grace_period", gracePeriod).Msg("registry-scrubber running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	glog.Logger.Info().Msg("registry-scrubber shutting down")
	return nil
}
