package cmd

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
)

// UISpinner shows progress while a step runs. In debug mode it prints plain
// lines instead so they interleave with the log output.
type UISpinner struct {
	sp    *spinner.Spinner
	out   io.Writer
	debug bool
	once  sync.Once
}

// NewUISpinner starts a spinner with the given message.
func NewUISpinner(debug bool, message string) *UISpinner {
	s := &UISpinner{debug: debug, out: os.Stderr}

	if !debug {
		s.sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(s.out))
		s.sp.Prefix = "  "
		s.sp.Suffix = " " + message
		s.sp.Start()
	} else {
		fmt.Fprintf(s.out, "[DEBUG] %s\n", message)
	}

	return s
}

// Success stops the spinner and prints a success message. Only the first of
// Success, Fail and Stop has an effect.
func (s *UISpinner) Success(message string) {
	s.finish(color.GreenString("✓"), message)
}

// Fail stops the spinner and prints an error message.
func (s *UISpinner) Fail(message string) {
	s.finish(color.RedString("✗"), message)
}

// Stop stops the spinner without printing anything.
func (s *UISpinner) Stop() {
	s.once.Do(func() {
		if s.sp != nil {
			s.sp.Stop()
			fmt.Fprint(s.out, "\r\033[K")
		}
	})
}

func (s *UISpinner) finish(mark, message string) {
	s.once.Do(func() {
		if s.debug {
			fmt.Fprintf(s.out, "[DEBUG] %s %s\n", mark, message)
			return
		}
		s.sp.Stop()
		fmt.Fprintf(s.out, "\r\033[K  %s %s\n", mark, message)
	})
}
