// Package config loads the master's environment directories. An
// environment is one project to build: a directory holding the project
// settings (project.yml) and one build configuration file per
// configs/<name>.yml, optionally with out-of-line recipe documents.
// Loaded configurations are synced into the store on startup and
// whenever the files change.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/SpamExperts/bitten/internal/logfields"
	"github.com/SpamExperts/bitten/internal/model"
	"github.com/SpamExperts/bitten/internal/recipe"
)

const (
	projectFile = "project.yml"
	configsDir  = "configs"

	defaultSlaveTimeout = time.Hour
)

// Environment is one loaded project directory. The project name is the
// base name of the directory.
type Environment struct {
	Project    string
	Dir        string
	Repository RepositorySettings
	Queue      QueueSettings
	Notify     NotifySettings
	Configs    []BuildConfig
}

// RepositorySettings locate the project's repository.
type RepositorySettings struct {
	// Kind names the version control adapter, "git" unless another
	// adapter is registered.
	Kind string `yaml:"kind"`

	// URL is the repository location: a local path or a clone URL.
	URL string `yaml:"url"`

	// Branch is the branch the coordinator walks. Empty means the
	// repository default.
	Branch string `yaml:"branch"`
}

// QueueSettings tune the project's build queue.
type QueueSettings struct {
	BuildAll         bool
	AdjustTimestamps bool
	StabilizeWait    time.Duration
	SlaveTimeout     time.Duration
}

// NotifySettings configure the optional build event publisher.
type NotifySettings struct {
	// NATSURL enables publishing build lifecycle events to NATS when
	// set.
	NATSURL string `yaml:"nats_url"`

	// Subject is the subject prefix events are published under.
	Subject string `yaml:"subject"`
}

// BuildConfig couples one build configuration with its target
// platforms, as declared in a configs/<name>.yml file.
type BuildConfig struct {
	Config    model.BuildConfig
	Platforms []model.TargetPlatform
}

// projectDoc is the on-disk shape of project.yml. Durations are strings
// ("90s", "1h") or bare seconds and parsed during load.
type projectDoc struct {
	Repository RepositorySettings `yaml:"repository"`
	Queue      struct {
		BuildAll         bool   `yaml:"build_all"`
		AdjustTimestamps bool   `yaml:"adjust_timestamps"`
		StabilizeWait    string `yaml:"stabilize_wait"`
		SlaveTimeout     string `yaml:"slave_timeout"`
	} `yaml:"queue"`
	Notify NotifySettings `yaml:"notify"`
}

// configDoc is the on-disk shape of a configs/<name>.yml file. The
// configuration name is the file name, not a key in the file.
type configDoc struct {
	model.BuildConfig `yaml:",inline"`

	// RecipeFile names an out-of-line recipe document, relative to the
	// configs directory. Ignored when an inline recipe is given.
	RecipeFile string `yaml:"recipe_file"`

	Platforms []model.TargetPlatform `yaml:"platforms"`
}

// LoadEnvironment loads one environment directory. A directory without
// a readable project.yml or with a broken build configuration is
// unusable and returns an error; the caller decides whether other
// environments keep the master alive.
func LoadEnvironment(dir string) (*Environment, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve environment path %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("environment %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("environment %s: not a directory", dir)
	}

	// Optional per-environment .env file, so credentials referenced as
	// ${VAR} can stay out of the YAML files.
	if err := godotenv.Load(filepath.Join(abs, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("loading environment .env file failed",
			logfields.Path(filepath.Join(abs, ".env")), logfields.Error(err))
	}

	env := &Environment{Project: filepath.Base(abs), Dir: abs}
	if err := env.loadProject(); err != nil {
		return nil, err
	}
	if err := env.loadConfigs(); err != nil {
		return nil, err
	}
	return env, nil
}

func (env *Environment) loadProject() error {
	path := filepath.Join(env.Dir, projectFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("environment %s: %w", env.Project, err)
	}

	var doc projectDoc
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &doc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if doc.Repository.Kind == "" {
		doc.Repository.Kind = "git"
	}
	if doc.Repository.URL == "" {
		return fmt.Errorf("%s: repository.url is required", path)
	}
	env.Repository = doc.Repository

	env.Queue = QueueSettings{
		BuildAll:         doc.Queue.BuildAll,
		AdjustTimestamps: doc.Queue.AdjustTimestamps,
		SlaveTimeout:     defaultSlaveTimeout,
	}
	if env.Queue.StabilizeWait, err = parseSeconds(doc.Queue.StabilizeWait, 0); err != nil {
		return fmt.Errorf("%s: invalid stabilize_wait: %w", path, err)
	}
	if env.Queue.SlaveTimeout, err = parseSeconds(doc.Queue.SlaveTimeout, defaultSlaveTimeout); err != nil {
		return fmt.Errorf("%s: invalid slave_timeout: %w", path, err)
	}
	if env.Queue.StabilizeWait < 0 || env.Queue.SlaveTimeout < 0 {
		return fmt.Errorf("%s: queue durations cannot be negative", path)
	}

	env.Notify = doc.Notify
	return nil
}

func (env *Environment) loadConfigs() error {
	dir := filepath.Join(env.Dir, configsDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("environment has no configs directory", logfields.Project(env.Project))
		return nil
	}
	if err != nil {
		return fmt.Errorf("environment %s: %w", env.Project, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		bc, err := loadBuildConfig(env.Project, dir, entry.Name())
		if err != nil {
			return err
		}
		env.Configs = append(env.Configs, bc)
	}

	sort.Slice(env.Configs, func(i, j int) bool {
		return env.Configs[i].Config.Name < env.Configs[j].Config.Name
	})
	return nil
}

func loadBuildConfig(project, dir, filename string) (BuildConfig, error) {
	path := filepath.Join(dir, filename)
	raw, err := os.ReadFile(path)
	if err != nil {
		return BuildConfig{}, fmt.Errorf("read build config: %w", err)
	}

	// Absent keys keep their defaults: a config file is active unless it
	// says otherwise.
	doc := configDoc{BuildConfig: model.BuildConfig{Active: true}}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &doc); err != nil {
		return BuildConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg := doc.BuildConfig
	cfg.Name = strings.TrimSuffix(filename, filepath.Ext(filename))
	cfg.Project = project
	if cfg.Label == "" {
		cfg.Label = cfg.Name
	}

	if cfg.Recipe == "" && doc.RecipeFile != "" {
		recipeRaw, err := os.ReadFile(filepath.Join(dir, doc.RecipeFile))
		if err != nil {
			return BuildConfig{}, fmt.Errorf("%s: read recipe file: %w", path, err)
		}
		cfg.Recipe = string(recipeRaw)
	}

	if err := cfg.Validate(); err != nil {
		return BuildConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.Recipe != "" {
		rdoc, err := recipe.Parse([]byte(cfg.Recipe))
		if err != nil {
			return BuildConfig{}, fmt.Errorf("%s: %w", path, err)
		}
		if err := rdoc.Validate(); err != nil {
			return BuildConfig{}, fmt.Errorf("%s: %w", path, err)
		}
	} else {
		slog.Warn("build config has no recipe; slaves cannot run its builds",
			logfields.Project(project), logfields.Config(cfg.Name))
	}

	bc := BuildConfig{Config: cfg}
	for _, platform := range doc.Platforms {
		if platform.Name == "" {
			return BuildConfig{}, fmt.Errorf("%s: platform without a name", path)
		}
		platform.Project = project
		platform.Config = cfg.Name
		bc.Platforms = append(bc.Platforms, platform)
	}
	return bc, nil
}

// parseSeconds reads a duration setting: a Go duration string ("90s",
// "1h") or a bare number of seconds. Empty means the default.
func parseSeconds(raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(raw)
}
