// Package store persists build configurations, target platforms, builds and
// their steps, logs and reports. Builds are scoped to a project so one
// coordinator can serve several environments from a single database.
package store

import (
	"context"
	"errors"

	"github.com/SpamExperts/bitten/internal/model"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict indicates an insert or update lost against a uniqueness
	// constraint, typically the one build per (config, rev, platform) rule
	// or two slaves racing for the same pending build.
	ErrConflict = errors.New("store: conflict")
)

// Store is the persistence boundary of the coordinator.
type Store interface {
	// Build configurations.
	SaveConfig(ctx context.Context, config *model.BuildConfig) error
	Config(ctx context.Context, project, name string) (*model.BuildConfig, error)
	Configs(ctx context.Context, project string, includeInactive bool) ([]*model.BuildConfig, error)
	DeactivateConfig(ctx context.Context, project, name string) error
	DeleteConfig(ctx context.Context, project, name string) error

	// Target platforms. SavePlatform upserts by (project, config, name) and
	// fills in the surrogate ID on insert.
	SavePlatform(ctx context.Context, platform *model.TargetPlatform) error
	Platform(ctx context.Context, id int64) (*model.TargetPlatform, error)
	Platforms(ctx context.Context, project, config string) ([]model.TargetPlatform, error)
	DeletePlatform(ctx context.Context, id int64) error

	// Builds. InsertBuild returns ErrConflict when a build for the same
	// (project, config, rev, platform) already exists. AllocateBuild
	// assigns a pending build to a slave atomically and returns
	// ErrConflict when the build is no longer pending.
	InsertBuild(ctx context.Context, b *model.Build) error
	UpdateBuild(ctx context.Context, b *model.Build) error
	AllocateBuild(ctx context.Context, b *model.Build, slave string, info map[string]string, now int64) error
	Build(ctx context.Context, id int64) (*model.Build, error)
	BuildFor(ctx context.Context, project, config, rev string, platform int64) (*model.Build, error)
	BuildsByStatus(ctx context.Context, project string, status model.BuildStatus) ([]*model.Build, error)
	NewestBuild(ctx context.Context, project, config string, platform int64) (*model.Build, error)
	RecentBuilds(ctx context.Context, project, config string, limit int) ([]*model.Build, error)
	BuildCounts(ctx context.Context, project string) (map[model.BuildStatus]int, error)
	DeleteBuild(ctx context.Context, id int64) error

	// Steps. Step order is the insertion order.
	InsertStep(ctx context.Context, step *model.BuildStep) error
	Steps(ctx context.Context, build int64) ([]model.BuildStep, error)
	DeleteSteps(ctx context.Context, build int64) error

	// Logs. Messages are stored in a file below the logs directory; the
	// row records the filename.
	InsertLog(ctx context.Context, log *model.BuildLog, messages []model.LogMessage) error
	Logs(ctx context.Context, build int64) ([]model.BuildLog, error)
	LogMessages(ctx context.Context, id int64) ([]model.LogMessage, error)
	DeleteLogs(ctx context.Context, build int64) error

	// Reports.
	InsertReport(ctx context.Context, report *model.Report) error
	Reports(ctx context.Context, build int64) ([]model.Report, error)
	DeleteReports(ctx context.Context, build int64) error

	Close() error
}
