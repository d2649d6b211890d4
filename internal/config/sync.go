package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/SpamExperts/bitten/internal/logfields"
	"github.com/SpamExperts/bitten/internal/store"
)

// Sync upserts the environment's build configurations and target
// platforms into the store. A configuration whose file disappeared is
// deactivated, never deleted: deletion cascades into build history and
// stays an explicit admin action. Pending builds of deactivated
// configurations are dropped by the queue on the next allocation.
func (env *Environment) Sync(ctx context.Context, st store.Store) error {
	existing, err := st.Configs(ctx, env.Project, true)
	if err != nil {
		return fmt.Errorf("list stored configs: %w", err)
	}

	seen := make(map[string]bool, len(env.Configs))
	for _, bc := range env.Configs {
		cfg := bc.Config
		if err := st.SaveConfig(ctx, &cfg); err != nil {
			return fmt.Errorf("save config %s: %w", cfg.Name, err)
		}
		if err := env.syncPlatforms(ctx, st, bc); err != nil {
			return err
		}
		seen[cfg.Name] = true
		slog.Debug("synced build config", logfields.Project(env.Project),
			logfields.Config(cfg.Name), slog.Bool("active", cfg.Active),
			slog.Int("platforms", len(bc.Platforms)))
	}

	for _, old := range existing {
		if seen[old.Name] || !old.Active {
			continue
		}
		slog.Info("deactivating build config without file",
			logfields.Project(env.Project), logfields.Config(old.Name))
		if err := st.DeactivateConfig(ctx, env.Project, old.Name); err != nil {
			return fmt.Errorf("deactivate config %s: %w", old.Name, err)
		}
	}

	slog.Info("environment synced", logfields.Project(env.Project),
		slog.Int("configs", len(env.Configs)))
	return nil
}

// syncPlatforms upserts the declared platforms of one configuration and
// removes stored ones that are no longer declared. Upserting by
// (config, name) keeps the platform id stable, so existing builds stay
// attached to their platform across rule edits.
func (env *Environment) syncPlatforms(ctx context.Context, st store.Store, bc BuildConfig) error {
	stored, err := st.Platforms(ctx, env.Project, bc.Config.Name)
	if err != nil {
		return fmt.Errorf("list platforms of %s: %w", bc.Config.Name, err)
	}

	declared := make(map[string]bool, len(bc.Platforms))
	for _, platform := range bc.Platforms {
		p := platform
		if err := st.SavePlatform(ctx, &p); err != nil {
			return fmt.Errorf("save platform %s/%s: %w", bc.Config.Name, p.Name, err)
		}
		declared[p.Name] = true
	}

	for _, old := range stored {
		if declared[old.Name] {
			continue
		}
		slog.Info("removing target platform without declaration",
			logfields.Project(env.Project), logfields.Config(bc.Config.Name),
			logfields.Platform(old.Name))
		if err := st.DeletePlatform(ctx, old.ID); err != nil {
			return fmt.Errorf("delete platform %s/%s: %w", bc.Config.Name, old.Name, err)
		}
	}
	return nil
}
