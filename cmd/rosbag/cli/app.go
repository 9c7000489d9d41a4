// Package cli implements the rosbag command tree.
//
// Logging:
//   - One text logger on stderr, filtered per component
//   - The logger is passed to every component; no slog.SetDefault
//   - -v lowers the default level to debug; config log_levels override
//     single components
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"rosbag/internal/bag"
	"rosbag/internal/config"
	configfile "rosbag/internal/config/file"
	"rosbag/internal/home"
	"rosbag/internal/logging"
	"rosbag/internal/metrics"
	"rosbag/internal/schema"
)

// App holds the state shared by all commands of one invocation.
type App struct {
	Version string
	Stdout  io.Writer
	Stderr  io.Writer

	logger  *slog.Logger
	levels  *logging.ComponentFilterHandler
	metrics *metrics.Metrics

	homeFlag    string
	msgPath     []string
	verbose     bool
	metricsFile string

	home     home.Dir
	cfg      config.Config
	registry *schema.Registry
}

// New returns an App writing to stdout and stderr.
func New(version string, stdout, stderr io.Writer) *App {
	base := slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // filtering is done by the component filter
	})
	levels := logging.NewComponentFilterHandler(base, slog.LevelInfo)
	return &App{
		Version: version,
		Stdout:  stdout,
		Stderr:  stderr,
		logger:  slog.New(levels),
		levels:  levels,
		metrics: metrics.New(),
	}
}

// Command builds the root command.
func (a *App) Command() *cobra.Command {
	root := &cobra.Command{
		Use:           "rosbag",
		Short:         "Inspect, rewrite and migrate bag files",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.SetOut(a.Stdout)
	root.SetErr(a.Stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.homeFlag, "home", "", "home directory (default: platform config dir)")
	pf.StringSliceVar(&a.msgPath, "msg-path", nil, "message definition roots (overrides config)")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "log debug output")
	pf.StringVar(&a.metricsFile, "metrics-file", "", "write Prometheus text metrics to this file on exit")

	root.AddCommand(
		a.newInfoCmd(),
		a.newFilterCmd(),
		a.newFixCmd(),
		a.newCheckCmd(),
		a.newCompressCmd(true),
		a.newCompressCmd(false),
		a.newIndexCmd(),
		a.newSortCmd(),
		a.newExecCmd("record"),
		a.newExecCmd("play"),
		a.newVersionCmd(),
	)
	return root
}

// Run executes the command line args and writes the metrics file, if one
// was requested, whatever the outcome.
func (a *App) Run(ctx context.Context, args []string) error {
	root := a.Command()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil {
		_, _ = fmt.Fprintln(a.Stderr, "Error:", err)
	}
	if a.metricsFile != "" {
		if merr := a.metrics.WriteToTextfile(a.metricsFile); merr != nil {
			err = errors.Join(err, fmt.Errorf("write metrics: %w", merr))
		}
	}
	return err
}

func (a *App) setup() error {
	if a.homeFlag != "" {
		a.home = home.New(a.homeFlag)
	} else {
		hd, err := home.Default()
		if err != nil {
			return err
		}
		a.home = hd
	}

	cfg, err := configfile.NewStore(a.home.ConfigPath()).Load()
	if err != nil {
		return err
	}
	a.cfg = cfg.Resolve(a.home)
	if len(a.msgPath) > 0 {
		a.cfg.MsgPath = a.msgPath
	}

	if a.verbose {
		a.levels.SetDefaultLevel(slog.LevelDebug)
	}
	for comp, lvl := range a.cfg.LogLevels {
		l, err := config.ParseLevel(lvl)
		if err != nil {
			return err
		}
		a.levels.SetLevel(comp, l)
	}
	a.logger.Debug("config loaded", "component", "cli", "home", a.home.Root(), "msg_path", a.cfg.MsgPath)
	return nil
}

// Registry returns the schema registry over the configured message path
// and the standard types.
func (a *App) Registry() *schema.Registry {
	if a.registry == nil {
		catalog := schema.Catalogs{
			schema.NewDirCatalog(a.cfg.MsgPath...),
			schema.NewMapCatalog(schema.StdTypes),
		}
		a.registry = schema.NewRegistry(catalog, schema.WithLogger(a.logger), schema.WithMetrics(a.metrics))
	}
	return a.registry
}

// bagOptions returns the options every reader and writer gets.
func (a *App) bagOptions(extra ...bag.Option) []bag.Option {
	return append([]bag.Option{bag.WithLogger(a.logger), bag.WithMetrics(a.metrics)}, extra...)
}

// compression picks the flag value, then the config default, then none.
func (a *App) compression(flag string) (bag.Compression, error) {
	if flag == "" {
		flag = a.cfg.Compression
	}
	return bag.ParseCompression(flag)
}

// rulePaths returns the configured rule paths that exist followed by
// extra, which must exist.
func (a *App) rulePaths(extra []string) []string {
	var paths []string
	for _, p := range a.cfg.RulePaths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		paths = append(paths, p)
	}
	return append(paths, extra...)
}
