package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sitekeeper/pkg/config"
	"sitekeeper/pkg/daemon/api"
	"sitekeeper/pkg/daemon/metrics"
	"sitekeeper/pkg/events"
	"sitekeeper/pkg/logger"
	"sitekeeper/pkg/logwatch"
	"sitekeeper/pkg/manager"
	"sitekeeper/pkg/registry"
	"sitekeeper/pkg/supervisor"
)

var Version = "dev"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:     "sitekeeper",
	Short:   "Local Flask site manager",
	Long:    `Scaffold, run, archive and restore local Flask sites, each on its own port.`,
	Version: Version,
}

// app bundles the wired components behind every command.
type app struct {
	cfg     *config.Config
	mgr     *manager.Manager
	sup     *supervisor.Supervisor
	bus     *events.Bus
	watcher *logwatch.Watcher
	log     logger.Logger
}

func bootstrap() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log := logger.New(logLevel, true)

	reg := registry.NewRegistry(cfg.RegistryPath())
	if err := reg.Load(); err != nil {
		return nil, err
	}

	sup := supervisor.New(cfg.PythonBin, cfg.LogDir, cfg.StopTimeoutDuration(), log)
	bus := events.NewBus()
	mgr := manager.New(cfg, reg, sup, bus, log)
	watcher := logwatch.NewWatcher(bus, sup.LogPath)

	// Repair anything a previous crash left behind before taking new
	// commands.
	if actions, err := mgr.Reconcile(); err != nil {
		return nil, err
	} else {
		for _, action := range actions {
			fmt.Printf("repaired: %s\n", action)
		}
	}

	return &app{cfg: cfg, mgr: mgr, sup: sup, bus: bus, watcher: watcher, log: log}, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sitekeeper daemon with its HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}

		srv := api.NewServer(a.cfg.ListenPort, a.mgr, a.sup, a.watcher, a.bus, a.log)

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		}
	},
}

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Scaffold a new Flask site on the next free port",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		site, err := a.mgr.CreateSite(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Created %s at %s\n", site.Name, site.Directory)
		fmt.Printf("It will serve on %s\n", site.URL())
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List all sites and their status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		sites := a.mgr.Sites()
		if len(sites) == 0 {
			fmt.Println("No sites yet. Create one with: sitekeeper create <name>")
			return nil
		}
		fmt.Printf("%-20s %-10s %-6s %s\n", "NAME", "STATUS", "PORT", "LOCATION")
		for _, s := range sites {
			location := s.Directory
			if s.Status == registry.StatusArchived {
				location = s.ArchivePath
			}
			fmt.Printf("%-20s %-10s %-6d %s\n", s.Name, s.Status, s.Port, location)
		}
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "Start a site's server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		site, err := a.mgr.StartSite(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Started %s (pid %d) on %s\n", site.Name, site.PID, site.URL())
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Stop a running site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		site, err := a.mgr.StopSite(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Stopped %s\n", site.Name)
		return nil
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive <name>",
	Short: "Compress a site into a zip and remove its directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		site, err := a.mgr.ArchiveSite(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Archived %s to %s\n", site.Name, site.ArchivePath)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <name>",
	Short: "Restore an archived site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		site, err := a.mgr.RestoreSite(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Restored %s to %s (port %d)\n", site.Name, site.Directory, site.Port)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a site's directory and registry entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		if err := a.mgr.DeleteSite(args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

var deleteArchiveCmd = &cobra.Command{
	Use:   "delete-archive <name>",
	Short: "Delete an archived site's zip and registry entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		if err := a.mgr.DeleteArchive(args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted archive for %s\n", args[0])
		return nil
	},
}

var openCmd = &cobra.Command{
	Use:   "open <name>",
	Short: "Open a site in the browser, starting it if needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		site, err := a.mgr.OpenSite(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Opened %s\n", site.URL())
		return nil
	},
}

var folderCmd = &cobra.Command{
	Use:   "folder <name>",
	Short: "Open a site's directory in the file manager",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		site, err := a.mgr.OpenFolder(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Opened %s\n", site.Directory)
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <name>",
	Short: "Show the tail of a site's server log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		lines, err := cmd.Flags().GetInt("lines")
		if err != nil {
			return err
		}
		entries, err := a.watcher.LastLines(manager.NormalizeName(args[0]), lines)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Println(e.Raw)
		}
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Repair registry entries that disagree with the filesystem",
	RunE: func(cmd *cobra.Command, args []string) error {
		// bootstrap runs the reconcile pass and prints each repair.
		if _, err := bootstrap(); err != nil {
			return err
		}
		fmt.Println("Reconcile complete.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system and per-site resource usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		stats, err := metrics.Collect(a.mgr, a.sup)
		if err != nil {
			return err
		}
		fmt.Printf("CPU: %.1f%%   RAM: %s / %s (%.1f%%)\n",
			stats.CPUPercent, stats.RAMUsage, stats.RAMTotal, stats.RAMPercent)
		fmt.Printf("Sites: %d total, %d running, %d archived\n",
			stats.SitesTotal, stats.SitesRunning, stats.SitesArchived)
		for _, s := range stats.Sites {
			if s.Status == registry.StatusRunning {
				fmt.Printf(" - %s (:%d) pid %d, cpu %.1f%%, rss %.1f MB\n",
					s.Name, s.Port, s.PID, s.CPUPercent, float64(s.RSSBytes)/1024/1024)
			} else {
				fmt.Printf(" - %s (:%d) %s\n", s.Name, s.Port, s.Status)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.sitekeeper/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	logsCmd.Flags().Int("lines", 50, "number of lines to show")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(deleteArchiveCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(folderCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
