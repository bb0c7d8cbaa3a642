// Copyright 2024 The Tessera authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tui implements ledger-tui's terminal interface: a status/log/help
// grid built with gdamore/tcell and rivo/tview, the same three-pane layout
// the teacher's own hammer TUI (internal/hammer/loadtest/tui.go) uses for
// watching a running load test.
package tui

import (
	"context"
	"flag"
	"fmt"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"k8s.io/klog/v2"

	"github.com/converge-io/ledger/internal/transport"
)

// Controller drives ledger-tui's display: a status bar summarizing arrival
// rate, a scrolling log of received entries, and a help line.
type Controller struct {
	contextID string
	cancel    context.CancelFunc

	app        *tview.Application
	statusView *tview.TextView
	logView    *tview.TextView
	helpView   *tview.TextView

	received     int
	lastSequence uint64
	lastArrival  time.Time
	interArrival *movingaverage.ConcurrentMovingAverage
}

// NewController builds the three-pane grid for contextID. cancel is called
// when the user quits the TUI (q or Ctrl-C).
func NewController(contextID string, cancel context.CancelFunc) *Controller {
	c := &Controller{
		contextID:    contextID,
		cancel:       cancel,
		app:          tview.NewApplication(),
		interArrival: movingaverage.Concurrent(movingaverage.New(30)),
	}

	grid := tview.NewGrid()
	grid.SetRows(3, 0, 2).SetColumns(0).SetBorders(true)

	statusView := tview.NewTextView()
	grid.AddItem(statusView, 0, 0, 1, 1, 0, 0, false)
	c.statusView = statusView

	logView := tview.NewTextView()
	logView.ScrollToEnd()
	logView.SetMaxLines(10000)
	grid.AddItem(logView, 1, 0, 1, 1, 0, 0, false)
	c.logView = logView

	helpView := tview.NewTextView()
	helpView.SetText(fmt.Sprintf("watching context %q — q or Ctrl-C to quit", contextID))
	grid.AddItem(helpView, 2, 0, 1, 1, 0, 0, false)
	c.helpView = helpView

	c.app.SetRoot(grid, true)
	return c
}

// Run redirects klog to the log view, starts consuming entries, and blocks
// running the tview event loop until the application stops.
func (c *Controller) Run(ctx context.Context, entries <-chan transport.EntryMessage) {
	if err := flag.Set("logtostderr", "false"); err != nil {
		klog.Exitf("failed to set flag: %v", err)
	}
	if err := flag.Set("alsologtostderr", "false"); err != nil {
		klog.Exitf("failed to set flag: %v", err)
	}
	klog.SetOutput(c.logView)

	go c.consume(ctx, entries)

	c.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Rune() == 'q' || event.Key() == tcell.KeyCtrlC {
			c.cancel()
			c.app.Stop()
			return nil
		}
		return event
	})

	if err := c.app.Run(); err != nil {
		klog.Exitf("tui: %v", err)
	}
}

func (c *Controller) consume(ctx context.Context, entries <-chan transport.EntryMessage) {
	for {
		select {
		case <-ctx.Done():
			c.app.Stop()
			return
		case e, ok := <-entries:
			if !ok {
				c.app.Stop()
				return
			}
			c.onEntry(e)
		}
	}
}

func (c *Controller) onEntry(e transport.EntryMessage) {
	now := time.Now()
	if !c.lastArrival.IsZero() {
		c.interArrival.Add(float64(now.Sub(c.lastArrival) / time.Millisecond))
	}
	c.lastArrival = now
	c.received++
	c.lastSequence = e.Sequence

	fmt.Fprintf(c.logView, "%d\t%s\t%s\n", e.Sequence, e.Key, e.Payload)

	status := fmt.Sprintf("context=%s received=%d last_sequence=%d mean_inter_arrival=%.0fms",
		c.contextID, c.received, c.lastSequence, c.interArrival.Avg())
	c.statusView.SetText(status)
	c.app.Draw()
}
