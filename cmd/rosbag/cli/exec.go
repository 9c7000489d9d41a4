package cli

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

// ExitError carries the exit status of a delegated command so the process
// can exit with the same code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// newExecCmd delegates name to the external command configured for it.
// Arguments after the first positional one, or after "--", are passed
// through unparsed.
func (a *App) newExecCmd(name string) *cobra.Command {
	short := "Record topics to a bag with the configured recorder"
	if name == "play" {
		short = "Play a bag back with the configured player"
	}
	cmd := &cobra.Command{
		Use:   name + " [-- ARGS...]",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			base := a.cfg.RecordCommand
			if name == "play" {
				base = a.cfg.PlayCommand
			}
			if len(base) == 0 {
				return fmt.Errorf("%s: no %s_command set in %s", name, name, a.home.ConfigPath())
			}

			argv := append(append([]string(nil), base[1:]...), args...)
			a.logger.Debug("exec", "component", "cli", "command", base[0], "args", argv)
			// Not tied to the command context: an interrupt reaches the child
			// directly and the child decides when to stop.
			c := exec.Command(base[0], argv...)
			c.Stdin = os.Stdin
			c.Stdout = a.Stdout
			c.Stderr = a.Stderr
			err := c.Run()
			var xerr *exec.ExitError
			if errors.As(err, &xerr) && xerr.ExitCode() > 0 {
				return &ExitError{Code: xerr.ExitCode(), Err: fmt.Errorf("%s: %w", name, err)}
			}
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		},
	}
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func (a *App) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the rosbag version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(a.Stdout, a.Version)
			return err
		},
	}
}
