// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program and forwards monitor updates to it
package ui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/harperreed/capture-monitor/internal/app"
)

const noteQueueSize = 16

// Sender is the part of *tea.Program the observer needs
type Sender interface {
	Send(msg tea.Msg)
}

// Observer forwards monitor status to the TUI. Status updates are
// coalesced: only the newest undelivered snapshot is kept.
type Observer struct {
	latest chan app.Status
	notes  chan app.Notification
}

// NewObserver creates an observer; updates queue until Run is started
func NewObserver() *Observer {
	return &Observer{
		latest: make(chan app.Status, 1),
		notes:  make(chan app.Notification, noteQueueSize),
	}
}

// StatusChanged replaces any undelivered snapshot with s
func (o *Observer) StatusChanged(s app.Status) {
	for {
		select {
		case o.latest <- s:
			return
		default:
		}
		select {
		case <-o.latest:
		default:
		}
	}
}

// Notify queues a notification; it is dropped if the queue is full
func (o *Observer) Notify(n app.Notification) {
	select {
	case o.notes <- n:
	default:
	}
}

// Run delivers queued updates to program until ctx is cancelled
func (o *Observer) Run(ctx context.Context, program Sender) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-o.latest:
			program.Send(StatusMsg{s})
		case n := <-o.notes:
			program.Send(NotifyMsg{n})
		}
	}
}

// NewProgram creates the TUI program bound to controller
func NewProgram(controller Controller) *tea.Program {
	return tea.NewProgram(NewModel(controller), tea.WithAltScreen())
}
