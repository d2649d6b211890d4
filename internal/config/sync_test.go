package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SpamExperts/bitten/internal/model"
	"github.com/SpamExperts/bitten/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testEnvironment(configs ...BuildConfig) *Environment {
	return &Environment{Project: "myproject", Configs: configs}
}

func trunkConfig() BuildConfig {
	return BuildConfig{
		Config: model.BuildConfig{
			Project: "myproject", Name: "trunk", Label: "Trunk",
			Path: "trunk", Active: true, Recipe: testRecipe,
		},
		Platforms: []model.TargetPlatform{
			{Project: "myproject", Config: "trunk", Name: "linux",
				Rules: []model.Rule{{Property: "family", Pattern: "posix"}}},
		},
	}
}

func TestSyncUpserts(t *testing.T) {
	st := newTestStore(t)
	ctx := t.Context()

	env := testEnvironment(trunkConfig())
	require.NoError(t, env.Sync(ctx, st))

	cfg, err := st.Config(ctx, "myproject", "trunk")
	require.NoError(t, err)
	assert.True(t, cfg.Active)
	assert.Equal(t, "Trunk", cfg.Label)

	platforms, err := st.Platforms(ctx, "myproject", "trunk")
	require.NoError(t, err)
	require.Len(t, platforms, 1)
	firstID := platforms[0].ID

	// A second sync with edited rules keeps the platform identity, so
	// existing builds stay attached.
	edited := trunkConfig()
	edited.Config.Label = "Main line"
	edited.Platforms[0].Rules[0].Pattern = "posix|darwin"
	require.NoError(t, testEnvironment(edited).Sync(ctx, st))

	cfg, err = st.Config(ctx, "myproject", "trunk")
	require.NoError(t, err)
	assert.Equal(t, "Main line", cfg.Label)

	platforms, err = st.Platforms(ctx, "myproject", "trunk")
	require.NoError(t, err)
	require.Len(t, platforms, 1)
	assert.Equal(t, firstID, platforms[0].ID)
	assert.Equal(t, "posix|darwin", platforms[0].Rules[0].Pattern)
}

func TestSyncDeactivatesVanishedConfig(t *testing.T) {
	st := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, testEnvironment(trunkConfig()).Sync(ctx, st))

	// The trunk.yml file disappeared: the stored config is deactivated,
	// not deleted.
	require.NoError(t, testEnvironment().Sync(ctx, st))

	cfg, err := st.Config(ctx, "myproject", "trunk")
	require.NoError(t, err)
	assert.False(t, cfg.Active)

	// Re-syncing after another removal does not fail on the already
	// inactive config.
	require.NoError(t, testEnvironment().Sync(ctx, st))
}

func TestSyncRemovesUndeclaredPlatforms(t *testing.T) {
	st := newTestStore(t)
	ctx := t.Context()

	bc := trunkConfig()
	bc.Platforms = append(bc.Platforms, model.TargetPlatform{
		Project: "myproject", Config: "trunk", Name: "windows",
		Rules: []model.Rule{{Property: "family", Pattern: "nt"}},
	})
	require.NoError(t, testEnvironment(bc).Sync(ctx, st))

	platforms, err := st.Platforms(ctx, "myproject", "trunk")
	require.NoError(t, err)
	require.Len(t, platforms, 2)

	require.NoError(t, testEnvironment(trunkConfig()).Sync(ctx, st))

	platforms, err = st.Platforms(ctx, "myproject", "trunk")
	require.NoError(t, err)
	require.Len(t, platforms, 1)
	assert.Equal(t, "linux", platforms[0].Name)
}
