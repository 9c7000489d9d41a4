package cli

import (
	"cmp"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"rosbag/internal/bag"
	"rosbag/internal/index"
	"rosbag/internal/schema"
)

type typeSummary struct {
	Type  string `json:"type"`
	MD5   string `json:"md5"`
	Count int    `json:"count"`
}

type topicSummary struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type bagSummary struct {
	Path     string         `json:"path"`
	Version  string         `json:"version,omitempty"`
	Size     int64          `json:"size"`
	Start    *time.Time     `json:"start,omitempty"`
	End      *time.Time     `json:"end,omitempty"`
	Duration string         `json:"duration,omitempty"`
	Messages int            `json:"messages"`
	Sidecar  bool           `json:"sidecar"`
	Types    []typeSummary  `json:"types"`
	Topics   []topicSummary `json:"topics"`
	Error    string         `json:"error,omitempty"`

	// TruncatedAt is the offset of the first unreadable record when the
	// summary covers only the records before it.
	TruncatedAt *int64 `json:"truncated_at,omitempty"`
}

func summarize(path string, idx *index.Index, fromSidecar bool) bagSummary {
	s := bagSummary{
		Path:     path,
		Version:  idx.Version,
		Size:     idx.Size,
		Messages: idx.Count,
		Sidecar:  fromSidecar,
	}
	if idx.Count > 0 {
		start, end := idx.Start.Std(), idx.End.Std()
		s.Start, s.End = &start, &end
		s.Duration = idx.Duration().String()
	}
	for _, ts := range idx.Types {
		s.Types = append(s.Types, typeSummary{Type: ts.Type, MD5: ts.MD5, Count: ts.Count})
	}
	slices.SortFunc(s.Types, func(a, b typeSummary) int {
		return cmp.Or(cmp.Compare(a.Type, b.Type), cmp.Compare(a.MD5, b.MD5))
	})
	for _, name := range idx.TopicNames() {
		tp := idx.Topics[name]
		s.Topics = append(s.Topics, topicSummary{Topic: name, Type: tp.Type, Count: len(tp.Entries)})
	}
	return s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	st := schema.NewTime(*t)
	return fmt.Sprintf("%s (%d.%09d)", t.Format(time.RFC3339Nano), st.Sec, st.Nsec)
}

func (a *App) newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info BAG...",
		Short: "Summarize the contents of bag files",
		Long: "Summarize bags: version, size, time span, message count, types and topics. " +
			"A fresh side-car index is used when present. Every bag is processed even when " +
			"some fail; the exit status is non-zero if any failed.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			loader := index.NewLoader(a.logger, a.bagOptions()...)

			summaries := make([]bagSummary, len(args))
			var g errgroup.Group
			g.SetLimit(runtime.GOMAXPROCS(0))
			for i, path := range args {
				g.Go(func() error {
					idx, fromSidecar, err := loader.Get(ctx, path)
					var ferr *bag.FormatError
					if errors.As(err, &ferr) && idx != nil {
						s := summarize(path, idx, false)
						s.Error = err.Error()
						s.TruncatedAt = &ferr.Offset
						summaries[i] = s
						return nil
					}
					if err != nil {
						summaries[i] = bagSummary{Path: path, Error: err.Error()}
						return nil
					}
					summaries[i] = summarize(path, idx, fromSidecar)
					return nil
				})
			}
			_ = g.Wait()

			p := newPrinter(format, a.Stdout)
			failed := 0
			for _, s := range summaries {
				if s.Error != "" {
					failed++
					_, _ = fmt.Fprintf(a.Stderr, "%s: %s\n", s.Path, s.Error)
				}
			}
			if format == "json" {
				if err := p.json(summaries); err != nil {
					return err
				}
			} else {
				first := true
				for _, s := range summaries {
					if s.Error != "" && s.TruncatedAt == nil {
						continue
					}
					if !first {
						_, _ = fmt.Fprintln(a.Stdout)
					}
					first = false
					printSummary(p, s)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d bags failed", failed, len(args))
			}
			return nil
		},
	}
	addOutputFlag(cmd)
	return cmd
}

func printSummary(p *printer, s bagSummary) {
	duration := s.Duration
	if duration == "" {
		duration = "-"
	}
	pairs := [][2]string{
		{"path", s.Path},
		{"version", s.Version},
		{"size", humanize.Bytes(uint64(s.Size)) + " (" + strconv.FormatInt(s.Size, 10) + " bytes)"},
		{"start", formatTime(s.Start)},
		{"end", formatTime(s.End)},
		{"duration", duration},
		{"messages", strconv.Itoa(s.Messages)},
	}
	if s.TruncatedAt != nil {
		pairs = append(pairs, [2]string{"note", fmt.Sprintf("truncated at offset %d; counts cover the readable records", *s.TruncatedAt)})
	}
	p.kv(pairs)
	if len(s.Types) > 0 {
		rows := make([][]string, 0, len(s.Types))
		for _, t := range s.Types {
			rows = append(rows, []string{t.Type, t.MD5, strconv.Itoa(t.Count)})
		}
		p.table([]string{"TYPE", "MD5", "MESSAGES"}, rows)
	}
	if len(s.Topics) > 0 {
		rows := make([][]string, 0, len(s.Topics))
		for _, t := range s.Topics {
			rows = append(rows, []string{t.Topic, strconv.Itoa(t.Count), t.Type})
		}
		p.table([]string{"TOPIC", "MESSAGES", "TYPE"}, rows)
	}
}
