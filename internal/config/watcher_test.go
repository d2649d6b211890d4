package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := writeEnvironment(t, "watched", map[string]string{
		"project.yml":       "repository:\n  url: /srv/git/watched\n",
		"configs/trunk.yml": "label: Trunk\npath: trunk\n",
	})
	env, err := LoadEnvironment(dir)
	require.NoError(t, err)

	applied := make(chan *Environment, 64)
	w := NewWatcher(env, func(_ context.Context, e *Environment) error {
		applied <- e
		return nil
	})
	w.debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Rewrite the config until the watcher picks it up; the first write
	// may land before the watch is registered.
	updated := "label: Main line\npath: trunk\n"
	configPath := filepath.Join(dir, "configs", "trunk.yml")
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()

	var got *Environment
	for got == nil {
		select {
		case got = <-applied:
		case <-tick.C:
			require.NoError(t, os.WriteFile(configPath, []byte(updated), 0o644))
		case <-deadline:
			t.Fatal("watcher never applied the changed environment")
		}
	}
	require.Len(t, got.Configs, 1)
	assert.Equal(t, "Main line", got.Configs[0].Config.Label)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherKeepsStateOnBrokenReload(t *testing.T) {
	dir := writeEnvironment(t, "broken", map[string]string{
		"project.yml": "repository:\n  url: /srv/git/broken\n",
	})
	env, err := LoadEnvironment(dir)
	require.NoError(t, err)

	applied := make(chan *Environment, 1)
	w := NewWatcher(env, func(_ context.Context, e *Environment) error {
		applied <- e
		return nil
	})

	// Break the project file and reload directly: the apply callback
	// must not see the broken state.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "project.yml"),
		[]byte("repository: {branch: main}\n"), 0o644))
	w.reload(t.Context())

	select {
	case e := <-applied:
		t.Fatalf("broken environment applied: %+v", e)
	default:
	}
}

func TestWatcherRelevant(t *testing.T) {
	dir := t.TempDir()
	w := &Watcher{dir: dir}

	tests := []struct {
		name string
		op   fsnotify.Op
		want bool
	}{
		{filepath.Join(dir, "project.yml"), fsnotify.Write, true},
		{filepath.Join(dir, "project.yml"), fsnotify.Chmod, false},
		{filepath.Join(dir, "configs", "trunk.yml"), fsnotify.Create, true},
		{filepath.Join(dir, "configs", "trunk.yml"), fsnotify.Remove, true},
		{filepath.Join(dir, "configs", "trunk.recipe.xml"), fsnotify.Write, true},
		{filepath.Join(dir, "configs", ".trunk.yml.swp"), fsnotify.Write, false},
		{filepath.Join(dir, "configs", "notes.txt"), fsnotify.Write, false},
		{filepath.Join(dir, "other.yml"), fsnotify.Write, false},
		{filepath.Join(dir, "sub", "deep.yml"), fsnotify.Write, false},
	}
	for _, tt := range tests {
		got := w.relevant(fsnotify.Event{Name: tt.name, Op: tt.op})
		assert.Equal(t, tt.want, got, "relevant(%s %s)", tt.op, tt.name)
	}
}
