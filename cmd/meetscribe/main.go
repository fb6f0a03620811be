// Command meetscribe records meetings and transcribes audio files into
// timestamped transcripts.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaz8081/meetscribe/internal/apperr"
)

// exitInterrupted is the conventional status for a SIGINT-terminated run.
const exitInterrupted = 130

// exitUsage reports malformed command lines.
const exitUsage = 64

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI with args and returns the process exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return newApp(stdout, stderr).execute(ctx, args)
}

func (a *app) execute(ctx context.Context, args []string) int {
	defer a.close()

	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.SilenceErrors = true
	root.SilenceUsage = true
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	return a.report(root.ExecuteContext(ctx))
}

// usageError marks a malformed command line.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// usageArgs tags argument validation failures as usage errors.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// reportedError wraps a failure that has already been printed.
type reportedError struct{ err error }

func (e reportedError) Error() string { return e.err.Error() }
func (e reportedError) Unwrap() error { return e.err }

// report prints err as a single line and maps it to an exit status.
func (a *app) report(err error) int {
	if err == nil {
		return 0
	}

	var rep reportedError
	if errors.As(err, &rep) {
		return exitCode(rep.err)
	}

	var usage usageError
	switch {
	case errors.As(err, &usage):
		fmt.Fprintf(a.stderr, "Error: %v\nRun 'meetscribe --help' for usage.\n", usage.err)
		return exitUsage
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(a.stderr, "interrupted")
		return exitInterrupted
	default:
		fmt.Fprintln(a.stderr, apperr.Describe(err))
		return apperr.ExitCode(err)
	}
}

func exitCode(err error) int {
	if errors.Is(err, context.Canceled) {
		return exitInterrupted
	}
	return apperr.ExitCode(err)
}
