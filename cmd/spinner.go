package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/briandowns/spinner"
)

// uiSpinner shows progress on a terminal, or plain lines in verbose mode
// where log output would garble it.
type uiSpinner struct {
	sp    *spinner.Spinner
	out   io.Writer
	plain bool
}

func newUISpinner(out io.Writer, plain bool, message string) *uiSpinner {
	s := &uiSpinner{out: out, plain: plain}
	if plain {
		fmt.Fprintf(out, "%s\n", message)
		return s
	}
	s.sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(out))
	s.sp.Prefix = "  "
	s.sp.Suffix = " " + message
	s.sp.Start()
	return s
}

func (s *uiSpinner) Update(message string) {
	if s.sp != nil {
		s.sp.Lock()
		s.sp.Suffix = " " + message
		s.sp.Unlock()
	}
}

func (s *uiSpinner) Success(message string) {
	s.finish("✓", message)
}

func (s *uiSpinner) Fail(message string) {
	s.finish("✗", message)
}

func (s *uiSpinner) finish(mark, message string) {
	if s.sp != nil {
		s.sp.Stop()
		fmt.Fprintf(s.out, "\r\033[K  %s %s\n", mark, message)
		return
	}
	fmt.Fprintf(s.out, "%s %s\n", mark, message)
}
