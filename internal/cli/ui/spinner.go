package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/briandowns/spinner"
)

// PhaseSpinner provides animated feedback for sequential migration
// phases. In TTY mode it shows a braille dot spinner; in non-TTY mode it
// prints static text so piped/CI output stays clean.
type PhaseSpinner struct {
	w      io.Writer
	s      *spinner.Spinner
	msg    string
	active bool
	noSpin bool // true when not a TTY
}

// NewPhaseSpinner creates a spinner that writes to w.
// Set noSpin=true for non-interactive environments.
func NewPhaseSpinner(w io.Writer, noSpin bool) *PhaseSpinner {
	return &PhaseSpinner{w: w, noSpin: noSpin}
}

// Start begins a named phase with an animated spinner (or static text).
func (ps *PhaseSpinner) Start(msg string) {
	ps.msg = msg
	if ps.noSpin {
		fmt.Fprintf(ps.w, "  %s", msg)
		return
	}
	ps.s = spinner.New(
		spinner.CharSets[14], // braille dots: ⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏
		80*time.Millisecond,
		spinner.WithWriter(ps.w),
	)
	ps.s.Prefix = "  "
	ps.s.Suffix = " " + msg
	ps.s.FinalMSG = ""
	ps.s.Start()
	ps.active = true
}

// StartPhase begins one counted phase of a run, rendering a [step/total]
// marker before the label. Step 0 means the phase sits outside the
// counted sequence and the marker is omitted.
func (ps *PhaseSpinner) StartPhase(step, total int, label string) {
	if step > 0 {
		label = fmt.Sprintf("[%d/%d] %s", step, total, label)
	}
	ps.Start(label)
}

// Update replaces the progress text next to the spinner, for example
// with a rows-copied counter.
func (ps *PhaseSpinner) Update(detail string) {
	if ps.noSpin || ps.s == nil {
		return
	}
	ps.s.Suffix = " " + ps.msg + "  " + StyleDim.Render(detail)
}

// Done completes the current phase with a green checkmark.
func (ps *PhaseSpinner) Done() {
	if ps.noSpin {
		fmt.Fprintf(ps.w, " %s\n", StyleSuccess.Render(SymbolCheck))
		return
	}
	if ps.s != nil && ps.active {
		ps.s.Stop()
		ps.active = false
	}
	fmt.Fprintf(ps.w, "\r  %s %s\n", ps.msg, StyleSuccess.Render(SymbolCheck))
}

// Fail completes the current phase with a red cross.
func (ps *PhaseSpinner) Fail() {
	if ps.noSpin {
		fmt.Fprintf(ps.w, " %s\n", StyleError.Render(SymbolCross))
		return
	}
	if ps.s != nil && ps.active {
		ps.s.Stop()
		ps.active = false
	}
	fmt.Fprintf(ps.w, "\r  %s %s\n", ps.msg, StyleError.Render(SymbolCross))
}

// Stop halts the spinner without printing a status (for cleanup on signals).
func (ps *PhaseSpinner) Stop() {
	if ps.s != nil && ps.active {
		ps.s.Stop()
		ps.active = false
	}
}
