package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/mattn/go-isatty"

	wsync "github.com/TheMichaelB/weavesync/internal/services/sync"
)

// ProgressDisplay shows a spinner with the current phase on a terminal
// and falls back to plain lines elsewhere.
type ProgressDisplay struct {
	mu      sync.Mutex
	spinner *spinner.Spinner
	records int
	skipped int
	errors  []string
}

// NewProgressDisplay starts a display.
func NewProgressDisplay(message string) *ProgressDisplay {
	p := &ProgressDisplay{}
	if jsonOutput || !isatty.IsTerminal(os.Stderr.Fd()) {
		return p
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + message
	if err := s.Color("cyan"); err != nil {
		logger.WithError(err).Debug("Failed to set spinner color")
	}
	s.Start()
	p.spinner = s
	return p
}

// SetPhase replaces the message next to the spinner.
func (p *ProgressDisplay) SetPhase(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.spinner == nil {
		if !jsonOutput {
			printInfo("%s", message)
		}
		return
	}
	p.spinner.Lock()
	p.spinner.Suffix = " " + message
	p.spinner.Unlock()
}

// Handle updates the display from a coordinator event.
func (p *ProgressDisplay) Handle(e wsync.Event) {
	switch e.Type {
	case wsync.EventChecked:
		p.SetPhase(fmt.Sprintf("Checked %s: %s", e.Collection, e.Message))
	case wsync.EventRunning:
		p.SetPhase("Syncing...")
	case wsync.EventProgress:
		if e.Progress == nil {
			return
		}
		p.mu.Lock()
		p.records += e.Progress.Records
		p.skipped += e.Progress.Skipped
		records := p.records
		p.mu.Unlock()
		p.SetPhase(fmt.Sprintf("%s batch %d/%d, %s stored, %d tasks left",
			e.Progress.Collection, e.Progress.BatchIndex+1, e.Progress.BatchTotal,
			formatCount(records, "record", "records"), e.Progress.Pending))
	case wsync.EventFailed:
		p.mu.Lock()
		p.errors = append(p.errors, e.Error)
		p.mu.Unlock()
		p.SetPhase("Failed")
	case wsync.EventStopped:
		p.SetPhase("Stopped")
	case wsync.EventFinished:
		p.SetPhase("Finished")
	}
}

// Totals returns the records stored and skipped so far.
func (p *ProgressDisplay) Totals() (records, skipped int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.records, p.skipped
}

// Close stops the spinner.
func (p *ProgressDisplay) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.spinner != nil {
		p.spinner.Stop()
		p.spinner = nil
	}
}
