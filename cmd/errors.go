package cmd

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/pkg/errors"

	"github.com/capsoftware/cap/packages/cli/internal/export"
	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/media/encoder"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitGeneric = 1
	ExitUsage   = 2
	ExitSetup   = 3
	ExitAborted = 4
)

// ExitError carries the exit code a command failed with.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

func usageError(err error) error {
	return &ExitError{Code: ExitUsage, Err: err}
}

// exitCode maps an error to its exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var setupErr *core.SetupError
	switch {
	case errors.As(err, &setupErr):
		return ExitSetup
	case errors.Is(err, export.ErrAborted), errors.Is(err, encoder.ErrAborted):
		return ExitAborted
	default:
		return ExitGeneric
	}
}

// reportError prints err, if any, and returns its exit code.
func reportError(w io.Writer, err error) int {
	code := exitCode(err)
	if err == nil {
		return code
	}
	fmt.Fprintf(w, "%s %v\n", color.RedString("Error:"), err)
	var setupErr *core.SetupError
	if errors.As(err, &setupErr) {
		switch setupErr.Kind {
		case core.KindPermissionDenied:
			fmt.Fprintln(w, color.New(color.Faint).Sprint("Grant screen recording, camera or microphone access to your terminal and retry."))
		case core.KindMissingEncoder:
			fmt.Fprintln(w, color.New(color.Faint).Sprint("Run 'cap devices' to see which encoders are available."))
		}
	}
	return code
}
