package cli

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"rosbag/internal/bag"
	"rosbag/internal/migrate"
)

// migrator loads the configured rules plus extra and builds a Migrator
// over the app registry.
func (a *App) migrator(extra []string) (*migrate.Migrator, error) {
	loader, err := migrate.NewLoader(a.Registry())
	if err != nil {
		return nil, err
	}
	rules, err := loader.LoadPaths(a.rulePaths(extra))
	if err != nil {
		return nil, err
	}
	a.logger.Debug("migration rules loaded", "component", "cli", "rules", len(rules))
	return migrate.New(a.Registry(), rules, migrate.WithLogger(a.logger), migrate.WithMetrics(a.metrics))
}

func (a *App) printFailures(failures []migrate.Failure) {
	for _, f := range failures {
		_, _ = fmt.Fprintln(a.Stderr, f.String())
	}
}

func (a *App) newFixCmd() *cobra.Command {
	var compression string
	cmd := &cobra.Command{
		Use:   "fix INBAG OUTBAG [RULES...]",
		Short: "Migrate a bag's messages to the installed definitions",
		Long: "Write INBAG to OUTBAG with every message converted to the installed\n" +
			"version of its type. RULES are rule files or directories, loaded after the\n" +
			"configured rule paths. Nothing is written when any type has no complete\n" +
			"migration path.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, out := args[0], args[1]
			c, err := a.compression(compression)
			if err != nil {
				return err
			}
			m, err := a.migrator(args[2:])
			if err != nil {
				return err
			}
			res, err := m.Fix(cmd.Context(), in, out, a.bagOptions(bag.WithCompression(c))...)
			var gerr *migrate.GapError
			if errors.As(err, &gerr) {
				a.printFailures(gerr.Failures)
				_, _ = fmt.Fprintf(a.Stderr, "run `rosbag check -g FILE %s` to generate rule stubs\n", in)
				return err
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(a.Stderr, "migrated %d and copied %d records to %s\n", res.Migrated, res.Copied, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&compression, "compression", "c", "", "output compression: none, zstd or brotli")
	return cmd
}

func (a *App) newCheckCmd() *cobra.Command {
	var (
		genFile  string
		appendTo bool
	)
	cmd := &cobra.Command{
		Use:   "check BAG [RULES...]",
		Short: "Report the migrations a bag needs",
		Long: "List the types of BAG whose recorded definitions differ from the installed\n" +
			"ones, with the rule chain that converts each. With -g, stubs for every\n" +
			"missing rule are written to FILE for editing.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.migrator(args[1:])
			if err != nil {
				return err
			}
			report, err := m.Check(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			p := newPrinter("table", a.Stdout)
			if pending := report.Pending(); len(pending) > 0 {
				rows := make([][]string, 0, len(pending))
				for _, pl := range pending {
					rows = append(rows, []string{pl.Type, pl.MD5, pl.Target, strconv.Itoa(len(pl.Chain)), strconv.Itoa(pl.Count)})
				}
				p.table([]string{"TYPE", "RECORDED", "INSTALLED", "STEPS", "MESSAGES"}, rows)
			}
			if len(report.Failures) == 0 {
				if len(report.Pending()) == 0 {
					_, _ = fmt.Fprintln(a.Stdout, "bag is up to date")
				}
				return nil
			}

			a.printFailures(report.Failures)
			if genFile == "" {
				return &migrate.GapError{Failures: report.Failures}
			}
			n, err := writeStubs(genFile, appendTo, report.Failures)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(a.Stderr, "wrote %d rule stubs to %s\n", n, genFile)
			return nil
		},
	}
	cmd.Flags().StringVarP(&genFile, "generate", "g", "", "write rule stubs for missing migrations to this file")
	cmd.Flags().BoolVarP(&appendTo, "append", "a", false, "append to the stub file instead of requiring a new one")
	return cmd
}

func writeStubs(path string, appendTo bool, failures []migrate.Failure) (int, error) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if appendTo {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open stub file: %w", err)
	}
	if appendTo {
		if st, err := f.Stat(); err == nil && st.Size() > 0 {
			if _, err := f.WriteString("---\n"); err != nil {
				_ = f.Close()
				return 0, err
			}
		}
	}
	n, err := migrate.Scaffold(f, failures)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}
