package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"schedmirror/internal/config"
	"schedmirror/internal/daemon"
	"schedmirror/internal/extract"
	appLog "schedmirror/internal/log"
	"schedmirror/internal/navigator"
	"schedmirror/internal/page"
	"schedmirror/internal/scheduler"
	"schedmirror/internal/store"
	"schedmirror/internal/web"
)

// app carries what every subcommand needs once the root has loaded config.
type app struct {
	configPath string
	logLevel   string

	cfg *config.Config
	loc *time.Location
	now func() time.Time
}

func newRootCmd() *cobra.Command {
	a := &app{now: time.Now}

	cmd := &cobra.Command{
		Use:   "schedmirror",
		Short: "Mirror a rendered web schedule into SQLite",
		Long: `schedmirror keeps a local SQLite copy of a JavaScript-driven schedule page.
It refreshes each upcoming day as it goes stale and serves the mirror over HTTP.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.load,
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "./schedmirror.yaml", "Path to config file")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides config")

	cmd.AddCommand(
		a.initCmd(),
		a.runCmd(),
		a.onceCmd(),
		a.planCmd(),
		a.serveCmd(),
	)
	return cmd
}

func (a *app) load(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("loading config %s: %w", a.configPath, err)
	}
	a.cfg = cfg

	level := cfg.LogLevel
	if a.logLevel != "" {
		level = a.logLevel
	}
	lvl, err := appLog.ParseLevel(level)
	if err != nil {
		return err
	}
	appLog.SetLevel(lvl)

	if a.loc, err = cfg.Location(); err != nil {
		return err
	}

	appLog.Debug("effective config",
		"command", cmd.Name(),
		"page_url", cfg.PageURL,
		"database", cfg.Database,
		"timezone", a.loc.String(),
		"rules", len(cfg.Rules),
		"recheck", cfg.Recheck,
		"listen", cfg.Listen,
	)
	return nil
}

func (a *app) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the database tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Init(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", a.cfg.Database)
			return nil
		},
	}
}

func (a *app) runCmd() *cobra.Command {
	var noWeb bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the refresh daemon (and the read API unless --no-web)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if err := a.ensureInitialized(ctx); err != nil {
				return err
			}
			d, closeBrowser, err := a.newDaemon(ctx)
			if err != nil {
				return err
			}
			defer closeBrowser()

			var serve func(context.Context) error
			if !noWeb && a.cfg.Listen != "" {
				st, err := a.openStore(ctx)
				if err != nil {
					return err
				}
				defer st.Close()
				serve = web.NewServer(a.cfg, st).Serve
			}
			return runAlongside(ctx, d.Run, serve)
		},
	}
	cmd.Flags().BoolVar(&noWeb, "no-web", false, "Do not start the HTTP read API")
	return cmd
}

// runAlongside runs the daemon and, when serve is set, the read API. If
// either stops on its own the other is cancelled and both errors returned.
func runAlongside(ctx context.Context, run, serve func(context.Context) error) error {
	if serve == nil {
		return run(ctx)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	webErr := make(chan error, 1)
	go func() { webErr <- serve(ctx) }()
	runErr := make(chan error, 1)
	go func() { runErr <- run(ctx) }()

	select {
	case err := <-webErr:
		if ctx.Err() == nil {
			if err == nil {
				err = errors.New("server stopped")
			}
			err = fmt.Errorf("web: %w", err)
			appLog.Error("web: server exited, stopping daemon", err)
		}
		cancel()
		return errors.Join(err, <-runErr)
	case err := <-runErr:
		cancel()
		return errors.Join(err, <-webErr)
	}
}

func (a *app) onceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Load the page, run a single refresh cycle and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.ensureInitialized(ctx); err != nil {
				return err
			}
			d, closeBrowser, err := a.newDaemon(ctx)
			if err != nil {
				return err
			}
			defer closeBrowser()

			rep, err := d.Once(ctx)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "cycle %s: refreshed %d, failed %d, purged %d\n",
				rep.ID, len(rep.Refreshed), len(rep.Failed), rep.Purged)
			for _, f := range rep.Failed {
				fmt.Fprintf(w, "  %s: %v\n", f.Date, f.Err)
			}
			fmt.Fprintf(w, "next refresh due %s\n", humanize.RelTime(rep.NextWakeup, a.now(), "ago", "from now"))
			return rep.Err
		},
	}
}

func (a *app) planCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print which days are stale right now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			snap, err := st.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			plan := scheduler.Plan(a.now().In(a.loc), a.cfg.ModelRules(), snap)
			return printPlan(cmd.OutOrStdout(), plan)
		},
	}
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the read API without refreshing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Listen == "" {
				return errors.New("listen address is empty")
			}
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			return web.NewServer(a.cfg, st).Serve(cmd.Context())
		},
	}
}

func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	if dir := filepath.Dir(a.cfg.Database); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return store.Open(ctx, a.cfg.Database, store.WithLocation(a.loc))
}

// ensureInitialized creates the tables on first run so the daemon can start
// against an empty file.
func (a *app) ensureInitialized(ctx context.Context) error {
	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	ok, err := st.Initialized(ctx)
	if err != nil || ok {
		return err
	}
	appLog.Info("initializing database", "path", a.cfg.Database)
	if err := st.Init(ctx); err != nil && !errors.Is(err, store.ErrAlreadyInitialized) {
		return err
	}
	return nil
}

func (a *app) newDaemon(ctx context.Context) (*daemon.Daemon, func(), error) {
	recheck, err := a.cfg.RecheckSchedule()
	if err != nil {
		return nil, nil, err
	}

	b, err := page.NewBrowser(ctx, page.BrowserOptions{
		Headless: a.cfg.Browser.Headless,
		ExecPath: a.cfg.Browser.ExecPath,
	})
	if err != nil {
		return nil, nil, err
	}

	p := a.cfg.Page
	nav := navigator.New(b, navigator.Options{
		DayHeaderSelector: p.DayHeader,
		DateAttribute:     p.DateAttribute,
		DateLayout:        p.DateLayout,
		SchedulerObject:   p.SchedulerObject,
		PollInterval:      a.cfg.PollInterval,
		Timeout:           a.cfg.NavigationTimeout,
		Location:          a.loc,
	})
	ext, err := extract.New(b, extract.Options{
		ContainerSelector: p.EventContainer,
		EventRootPattern:  p.EventRootPattern,
		StartSelector:     p.StartTime,
		EndSelector:       p.EndTime,
		TitleSelector:     p.Title,
		Location:          a.loc,
	})
	if err != nil {
		b.Close()
		return nil, nil, err
	}

	d := daemon.New(daemon.Options{
		PageURL:     a.cfg.PageURL,
		Rules:       a.cfg.ModelRules(),
		SleepBuffer: a.cfg.SleepBuffer,
		Recheck:     recheck,
		Location:    a.loc,
		DumpDir:     a.cfg.Browser.DumpDir,
	}, b, nav, ext, a.openStore)
	return d, b.Close, nil
}

func printPlan(w io.Writer, plan scheduler.Schedule) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tPERIOD\tLAST UPDATED\tNEXT DUE\tSTATUS")
	for _, d := range plan.Days {
		last, next, status := "never", "now", "fresh"
		if !d.LastUpdated.IsZero() {
			last = humanize.RelTime(d.LastUpdated, plan.Now, "ago", "from now")
			next = d.NextDue.Format(store.TimestampLayout)
		}
		if d.Due {
			status = "due"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Date, d.Period, last, next, status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d due; next wakeup %s\n", len(plan.Due), plan.NextWakeup.Format(store.TimestampLayout))
	return err
}
