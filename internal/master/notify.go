package master

import (
	"log/slog"
	"sync"

	"github.com/SpamExperts/bitten/internal/logfields"
	"github.com/SpamExperts/bitten/internal/model"
)

// Listener is notified of build lifecycle transitions. Implementations
// must be safe for concurrent use; events arrive from request handlers
// and from the scheduler goroutine.
type Listener interface {
	BuildStarted(build *model.Build)
	BuildCompleted(build *model.Build)
	BuildAborted(build *model.Build)
	BuildOrphaned(build *model.Build)
}

// Notifier fans build lifecycle events out to its listeners. It
// implements Listener itself, so notifiers compose.
type Notifier struct {
	mu        sync.RWMutex
	listeners []Listener
}

// NewNotifier creates a notifier with an initial set of listeners.
func NewNotifier(listeners ...Listener) *Notifier {
	return &Notifier{listeners: listeners}
}

// Subscribe adds a listener to the fan-out set.
func (n *Notifier) Subscribe(l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

func (n *Notifier) each(fn func(Listener)) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, l := range n.listeners {
		fn(l)
	}
}

func (n *Notifier) BuildStarted(b *model.Build)   { n.each(func(l Listener) { l.BuildStarted(b) }) }
func (n *Notifier) BuildCompleted(b *model.Build) { n.each(func(l Listener) { l.BuildCompleted(b) }) }
func (n *Notifier) BuildAborted(b *model.Build)   { n.each(func(l Listener) { l.BuildAborted(b) }) }
func (n *Notifier) BuildOrphaned(b *model.Build)  { n.each(func(l Listener) { l.BuildOrphaned(b) }) }

// LogListener writes build lifecycle transitions to the default logger.
type LogListener struct{}

func (LogListener) BuildStarted(b *model.Build) {
	slog.Info("build started",
		logfields.BuildID(b.ID), logfields.Project(b.Project),
		logfields.Config(b.Config), logfields.Rev(b.Rev), logfields.Slave(b.Slave))
}

func (LogListener) BuildCompleted(b *model.Build) {
	slog.Info("build completed",
		logfields.BuildID(b.ID), logfields.Project(b.Project),
		logfields.Config(b.Config), logfields.Rev(b.Rev), logfields.Slave(b.Slave),
		logfields.Status(string(b.Status)))
}

func (LogListener) BuildAborted(b *model.Build) {
	slog.Info("build aborted",
		logfields.BuildID(b.ID), logfields.Project(b.Project),
		logfields.Config(b.Config), logfields.Rev(b.Rev), logfields.Slave(b.Slave))
}

func (LogListener) BuildOrphaned(b *model.Build) {
	slog.Warn("build orphaned",
		logfields.BuildID(b.ID), logfields.Project(b.Project),
		logfields.Config(b.Config), logfields.Rev(b.Rev), logfields.Slave(b.Slave))
}
