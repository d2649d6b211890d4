package master

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndReplace(t *testing.T) {
	r := NewRegistry()

	replaced := r.Register("hal", map[string]string{"family": "posix"})
	assert.False(t, replaced)

	sessions := r.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "hal", sessions[0].Name)
	assert.Equal(t, StateRegistered, sessions[0].State)
	assert.Equal(t, "posix", sessions[0].Props["family"])

	r.Assign("hal", 42)
	replaced = r.Register("hal", map[string]string{"family": "nt"})
	assert.True(t, replaced)

	sessions = r.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, StateRegistered, sessions[0].State, "re-registration starts a fresh session")
	assert.Zero(t, sessions[0].BuildID)
	assert.Equal(t, "nt", sessions[0].Props["family"])
}

func TestRegistryBuildLifecycle(t *testing.T) {
	r := NewRegistry()
	r.Register("hal", nil)

	r.Assign("hal", 7)
	sessions := r.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, StateAllocated, sessions[0].State)
	assert.EqualValues(t, 7, sessions[0].BuildID)

	r.StartBuild("hal", 7, 3*time.Minute)
	assert.Equal(t, StateBuilding, r.Sessions()[0].State)
	assert.Equal(t, 3*time.Minute, r.Delta("hal", 7))

	r.FinishBuild("hal", 7)
	sessions = r.Sessions()
	assert.Equal(t, StateRegistered, sessions[0].State)
	assert.Zero(t, sessions[0].BuildID)
	assert.Zero(t, r.Delta("hal", 7))
}

func TestRegistryDeltaUnknownSession(t *testing.T) {
	r := NewRegistry()
	assert.Zero(t, r.Delta("ghost", 1))

	r.Register("hal", nil)
	r.StartBuild("hal", 7, time.Minute)
	assert.Zero(t, r.Delta("hal", 8), "delta only applies to the session's own build")
}

func TestRegistryDropBuild(t *testing.T) {
	r := NewRegistry()
	r.Register("hal", nil)
	r.StartBuild("hal", 7, time.Minute)

	r.DropBuild(7)

	sessions := r.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, StateRegistered, sessions[0].State)
	assert.Zero(t, sessions[0].BuildID)
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register("hal", nil)
	r.Register("sal", nil)

	r.Unregister("hal")

	sessions := r.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "sal", sessions[0].Name)
}

func TestRegistrySessionsSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zoe", "adam", "mia"} {
		r.Register(name, nil)
	}
	sessions := r.Sessions()
	require.Len(t, sessions, 3)
	assert.Equal(t, "adam", sessions[0].Name)
	assert.Equal(t, "mia", sessions[1].Name)
	assert.Equal(t, "zoe", sessions[2].Name)
}

func TestRegistryTouch(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2009, 4, 1, 12, 0, 0, 0, time.UTC)
	current := base
	r.now = func() time.Time { return current }

	r.Register("hal", nil)
	current = base.Add(time.Minute)
	r.Touch("hal")

	sessions := r.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, base, sessions[0].Registered)
	assert.Equal(t, base.Add(time.Minute), sessions[0].LastSeen)
}
