// Command cbmcopy copies whole disks between Commodore drives and disk image
// files.
//
//	cbmcopy [flags] SRC DST
//
// A numeric SRC or DST is a drive (device 8-30) on the configured adapter,
// anything else an image file.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
)

const (
	exitOK       = 0
	exitFatal    = 1
	exitUsage    = 2
	exitWarnings = 3
)

// usageError marks errors in the command line itself.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }

func usage(err error) error {
	if err == nil {
		return nil
	}
	return &usageError{err}
}

// errWarnings is returned by strict runs that completed with warnings.
var errWarnings = errors.New("copy completed with warnings")

// reportedError was already logged by the copy engine.
type reportedError struct{ err error }

func (e *reportedError) Error() string { return e.err.Error() }

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return exitCode(root.ExecuteContext(ctx), stderr)
}

func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return exitOK
	}
	var ue *usageError
	var re *reportedError
	switch {
	case errors.As(err, &ue):
		fmt.Fprintf(stderr, "cbmcopy: %v\nRun 'cbmcopy --help' for usage.\n", ue.err)
		return exitUsage
	case errors.Is(err, errWarnings):
		return exitWarnings
	case errors.As(err, &re):
		return exitFatal
	}
	fmt.Fprintf(stderr, "cbmcopy: %v\n", err)
	return exitFatal
}
