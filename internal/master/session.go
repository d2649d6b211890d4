package master

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/SpamExperts/bitten/internal/logfields"
)

// SessionState tracks how far a slave has come with its current build.
type SessionState string

const (
	// StateRegistered means the slave is known and has no build assigned.
	StateRegistered SessionState = "registered"

	// StateAllocated means a build was assigned but its recipe has not
	// been fetched yet.
	StateAllocated SessionState = "allocated"

	// StateBuilding means the slave fetched the recipe and is reporting
	// step results.
	StateBuilding SessionState = "building"
)

// Session is the master's view of one build slave: its registration
// properties, the build it currently holds and the timestamp warp that
// applies to that build.
type Session struct {
	Name       string            `json:"name"`
	Props      map[string]string `json:"props,omitempty"`
	State      SessionState      `json:"state"`
	BuildID    int64             `json:"build_id,omitempty"`
	Delta      time.Duration     `json:"-"`
	Registered time.Time         `json:"registered"`
	LastSeen   time.Time         `json:"last_seen"`
}

// Registry maps slave names to sessions. A slave registering under a
// name that is already taken replaces the previous session; a build the
// old session held stays in progress and is recovered by the queue
// timeout.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session), now: time.Now}
}

// Register adds or replaces the session of the named slave and reports
// whether a previous session was replaced.
func (r *Registry) Register(name string, props map[string]string) (replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.sessions[name]
	if ok && old.BuildID != 0 {
		slog.Info("replacing slave session with active build",
			logfields.Slave(name), logfields.BuildID(old.BuildID))
	}
	now := r.now()
	r.sessions[name] = &Session{
		Name:       name,
		Props:      props,
		State:      StateRegistered,
		Registered: now,
		LastSeen:   now,
	}
	return ok
}

// Unregister removes the named slave's session.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, name)
}

// Assign records that a build was handed to the slave. The recipe has
// not been delivered yet.
func (r *Registry) Assign(name string, buildID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[name]
	if !ok {
		return
	}
	s.State = StateAllocated
	s.BuildID = buildID
	s.LastSeen = r.now()
}

// StartBuild records recipe delivery and pins the timestamp warp used
// for the rest of the build.
func (r *Registry) StartBuild(name string, buildID int64, delta time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[name]
	if !ok {
		return
	}
	s.State = StateBuilding
	s.BuildID = buildID
	s.Delta = delta
	s.LastSeen = r.now()
}

// Touch bumps the slave's last-seen time.
func (r *Registry) Touch(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[name]; ok {
		s.LastSeen = r.now()
	}
}

// Delta returns the timestamp warp of the slave's active build. It is
// zero when the session is gone or holds a different build, for example
// after a master restart; step timestamps are then stored unwarped.
func (r *Registry) Delta(name string, buildID int64) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[name]
	if !ok || s.BuildID != buildID {
		return 0
	}
	return s.Delta
}

// FinishBuild returns a slave to the registered state once its build
// reached a terminal status or was aborted.
func (r *Registry) FinishBuild(name string, buildID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[name]
	if !ok || s.BuildID != buildID {
		return
	}
	s.State = StateRegistered
	s.BuildID = 0
	s.Delta = 0
	s.LastSeen = r.now()
}

// DropBuild detaches an orphaned build from whichever session holds it.
func (r *Registry) DropBuild(buildID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.BuildID != buildID {
			continue
		}
		s.State = StateRegistered
		s.BuildID = 0
		s.Delta = 0
	}
}

// Sessions returns a snapshot of all sessions, sorted by slave name.
func (r *Registry) Sessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		copied := *s
		copied.Props = make(map[string]string, len(s.Props))
		for k, v := range s.Props {
			copied.Props[k] = v
		}
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
