package cli

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"rosbag/internal/bag"
	"rosbag/internal/filter"
	"rosbag/internal/index"
	"rosbag/internal/progress"
	"rosbag/internal/schema"
)

// parseStamp parses SECS or SECS.FRACTION into a bag time.
func parseStamp(s string) (schema.Time, error) {
	secs, frac, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseUint(secs, 10, 32)
	if err != nil {
		return schema.Time{}, fmt.Errorf("invalid time %q: want SECS[.FRACTION]", s)
	}
	var nsec uint64
	if frac != "" {
		if len(frac) > 9 {
			return schema.Time{}, fmt.Errorf("invalid time %q: more than nanosecond precision", s)
		}
		if nsec, err = strconv.ParseUint(frac+strings.Repeat("0", 9-len(frac)), 10, 32); err != nil {
			return schema.Time{}, fmt.Errorf("invalid time %q: want SECS[.FRACTION]", s)
		}
	}
	return schema.Time{Sec: uint32(sec), Nsec: uint32(nsec)}, nil
}

// window resolves --start and --end into an inclusive time range. Empty
// bounds are open.
func window(start, end string) (from, to schema.Time, err error) {
	to = schema.Time{Sec: math.MaxUint32, Nsec: 999_999_999}
	if start != "" {
		if from, err = parseStamp(start); err != nil {
			return from, to, err
		}
	}
	if end != "" {
		if to, err = parseStamp(end); err != nil {
			return from, to, err
		}
	}
	if to.Before(from) {
		return from, to, fmt.Errorf("end %s is before start %s", to, from)
	}
	return from, to, nil
}

func (a *App) newFilterCmd() *cobra.Command {
	var (
		printExpr   string
		topics      []string
		compression string
		start, end  string
	)
	cmd := &cobra.Command{
		Use:   "filter INBAG OUTBAG [EXPRESSION]",
		Short: "Write the records matching an expression to a new bag",
		Long: "Copy the records of INBAG for which EXPRESSION is true to OUTBAG.\n\n" +
			"EXPRESSION is CEL over topic (string), m (the message fields) and\n" +
			"t ({secs, nsecs}), e.g. `topic == '/chatter' && m.data.startsWith('hi')`.\n" +
			"Records are copied without re-encoding. With --start or --end only the\n" +
			"records inside the window are read, located through the bag's index.",
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, out := args[0], args[1]
			expr := ""
			if len(args) == 3 {
				expr = args[2]
			}
			opts := []filter.Option{filter.WithLogger(a.logger), filter.WithTopics(topics...)}
			if printExpr != "" {
				opts = append(opts, filter.WithPrint(printExpr, a.Stdout))
			}
			f, err := filter.New(expr, opts...)
			if err != nil {
				return err
			}
			c, err := a.compression(compression)
			if err != nil {
				return err
			}

			var positions []int64
			windowed := start != "" || end != ""
			if windowed {
				from, to, err := window(start, end)
				if err != nil {
					return err
				}
				idx, _, err := index.NewLoader(a.logger, a.bagOptions()...).Get(cmd.Context(), in)
				if err != nil {
					return err
				}
				for _, e := range idx.Window(from, to) {
					positions = append(positions, e.Pos)
				}
				a.logger.Debug("filter window", "component", "cli", "start", from, "end", to, "records", len(positions))
			}

			var st filter.Stats
			err = bag.Rewrite(cmd.Context(), out, func(ctx context.Context, w *bag.Writer) error {
				r, err := bag.Open(in, a.bagOptions(bag.WithMode(bag.ModeRaw), bag.WithRegistry(a.Registry()))...)
				if err != nil {
					return err
				}
				defer func() { _ = r.Close() }()
				if windowed {
					st, err = f.RunAt(ctx, r, w, positions)
				} else {
					st, err = f.Run(ctx, r, w)
				}
				return err
			}, a.bagOptions(bag.WithCompression(c))...)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(a.Stderr, "kept %d of %d records", st.Kept, st.Read)
			if st.Skipped > 0 {
				_, _ = fmt.Fprintf(a.Stderr, ", skipped %d undecodable", st.Skipped)
			}
			_, _ = fmt.Fprintln(a.Stderr)
			return nil
		},
	}
	cmd.Flags().StringVarP(&printExpr, "print", "p", "", "expression to print for every matching record")
	cmd.Flags().StringSliceVarP(&topics, "topic", "t", nil, "only records on topics matching these globs")
	cmd.Flags().StringVar(&start, "start", "", "only records at or after this time (SECS[.FRACTION])")
	cmd.Flags().StringVar(&end, "end", "", "only records at or before this time (SECS[.FRACTION])")
	cmd.Flags().StringVarP(&compression, "compression", "c", "", "output compression: none, zstd or brotli")
	return cmd
}

func (a *App) newCompressCmd(compress bool) *cobra.Command {
	var (
		force  bool
		quiet  bool
		format string
	)
	use, short := "compress", "Compress bag payloads in place"
	if !compress {
		use, short = "decompress", "Decompress bag payloads in place"
	}
	cmd := &cobra.Command{
		Use:   use + " BAG...",
		Short: short,
		Long: short + ". Each BAG is moved to NAME.orig.EXT and rewritten; the backup is\n" +
			"restored if the rewrite fails or is interrupted. Bags with an existing\n" +
			"backup are skipped unless --force is given.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := bag.CompressionNone
			if compress {
				if format == "" && a.cfg.Compression != "" && a.cfg.Compression != string(bag.CompressionNone) {
					format = a.cfg.Compression
				}
				if format == "" {
					format = string(bag.CompressionZstd)
				}
				c, err := bag.ParseCompression(format)
				if err != nil {
					return err
				}
				if c == bag.CompressionNone {
					return errors.New("compress: format must be zstd or brotli")
				}
				target = c
			}

			failed := 0
			for _, path := range args {
				if err := a.recompress(cmd.Context(), path, target, force, quiet); err != nil {
					if errors.Is(err, bag.ErrBackupExists) {
						_, _ = fmt.Fprintf(a.Stderr, "skipping %s: %v\n", path, err)
						continue
					}
					if errors.Is(err, context.Canceled) {
						return err
					}
					failed++
					_, _ = fmt.Fprintf(a.Stderr, "%s: %v\n", path, err)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d bags failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing backup")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "hide the progress meter")
	if compress {
		cmd.Flags().StringVar(&format, "format", "", "compression: zstd or brotli (default: config, then zstd)")
	}
	return cmd
}

// recompress rewrites one bag in place with every payload stored as target.
// Bags whose first record already uses target are left alone.
func (a *App) recompress(ctx context.Context, path string, target bag.Compression, force, quiet bool) error {
	current, err := firstCompression(path)
	if err != nil {
		return err
	}
	if current == target {
		_, _ = fmt.Fprintf(a.Stderr, "%s: already %s\n", path, target)
		return nil
	}

	return bag.RewriteInPlace(ctx, path, force, func(ctx context.Context, src string, w *bag.Writer) error {
		r, err := bag.Open(src, a.bagOptions(bag.WithMode(bag.ModeRaw), bag.WithRegistry(a.Registry()))...)
		if err != nil {
			return err
		}
		defer func() { _ = r.Close() }()

		meter := progress.Stderr(filepath.Base(path), r.Size(), quiet)
		_, err = bag.Copy(ctx, r, w, func(m *bag.Message) (bool, error) {
			meter.Update(m.Pos)
			return true, nil
		})
		if err == nil {
			meter.Finish()
		}
		return err
	}, a.bagOptions(bag.WithCompression(target))...)
}

// firstCompression returns the storage of the first data record, or an
// empty value for a bag without records.
func firstCompression(path string) (bag.Compression, error) {
	r, err := bag.Open(path, bag.WithMode(bag.ModeHeaders))
	if err != nil {
		return "", err
	}
	defer func() { _ = r.Close() }()
	m, err := r.Next()
	if errors.Is(err, bag.ErrNoMoreRecords) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return m.Compression, nil
}

func (a *App) newIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index BAG...",
		Short: "Build side-car index files",
		Long:  "Scan each BAG and save its per-topic index next to it as BAG.index.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				idx, err := index.BuildFile(cmd.Context(), path, a.bagOptions()...)
				if err == nil {
					err = idx.Save(index.SidecarPath(path))
				}
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return err
					}
					failed++
					_, _ = fmt.Fprintf(a.Stderr, "%s: %v\n", path, err)
					continue
				}
				_, _ = fmt.Fprintf(a.Stdout, "%s: %d records in %d topics\n", index.SidecarPath(path), idx.Count, len(idx.Topics))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d bags failed", failed, len(args))
			}
			return nil
		},
	}
}

func (a *App) newSortCmd() *cobra.Command {
	var compression string
	cmd := &cobra.Command{
		Use:   "sort INBAG OUTBAG",
		Short: "Write a bag's records in time order",
		Long:  "Write the records of INBAG to OUTBAG ordered by time. Records with equal times keep their order.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, out := args[0], args[1]
			c, err := a.compression(compression)
			if err != nil {
				return err
			}
			idx, _, err := index.NewLoader(a.logger, a.bagOptions()...).Get(cmd.Context(), in)
			if err != nil {
				return err
			}
			return bag.Rewrite(cmd.Context(), out, func(ctx context.Context, w *bag.Writer) error {
				r, err := bag.Open(in, a.bagOptions(bag.WithMode(bag.ModeRaw), bag.WithRegistry(a.Registry()))...)
				if err != nil {
					return err
				}
				defer func() { _ = r.Close() }()
				n, err := index.Sort(ctx, idx, r, w)
				if err != nil {
					return err
				}
				a.logger.Debug("bag sorted", "component", "cli", "records", n, "out", out)
				return nil
			}, a.bagOptions(bag.WithCompression(c))...)
		},
	}
	cmd.Flags().StringVarP(&compression, "compression", "c", "", "output compression: none, zstd or brotli")
	return cmd
}
