// Package model defines the persistent entities of the build coordinator:
// build configurations, target platforms, builds, steps, logs and reports.
package model

import (
	"fmt"
	"regexp"
)

// BuildStatus represents the lifecycle state of a build.
type BuildStatus string

const (
	BuildPending    BuildStatus = "pending"
	BuildInProgress BuildStatus = "in-progress"
	BuildSuccess    BuildStatus = "success"
	BuildFailure    BuildStatus = "failure"
)

// Terminal reports whether the status is a final state.
func (s BuildStatus) Terminal() bool {
	return s == BuildSuccess || s == BuildFailure
}

// StepStatus represents the outcome of a single build step.
type StepStatus string

const (
	StepInProgress StepStatus = "in-progress"
	StepSuccess    StepStatus = "success"
	StepFailure    StepStatus = "failure"
)

// Standard slave property keys. Slaves may declare arbitrary additional
// properties (including dotted package properties such as "python.version").
const (
	PropIPAddress  = "ipnr"
	PropMaintainer = "owner"
	PropOSName     = "os"
	PropOSFamily   = "family"
	PropOSVersion  = "version"
	PropMachine    = "machine"
	PropProcessor  = "processor"
)

var configNameRe = regexp.MustCompile(`^[\w.-]+$`)

// BuildConfig is a named build definition tied to a repository subtree.
type BuildConfig struct {
	Name        string `json:"name" yaml:"name"`
	Project     string `json:"project" yaml:"-"`
	Label       string `json:"label" yaml:"label"`
	Path        string `json:"path" yaml:"path"`
	Active      bool   `json:"active" yaml:"active"`
	Recipe      string `json:"-" yaml:"recipe"`
	MinRev      string `json:"min_rev,omitempty" yaml:"min_rev"`
	MaxRev      string `json:"max_rev,omitempty" yaml:"max_rev"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// Validate checks the fields that the scheduler depends on.
func (c *BuildConfig) Validate() error {
	if !configNameRe.MatchString(c.Name) {
		return fmt.Errorf("invalid config name %q", c.Name)
	}
	if c.Path == "" {
		return fmt.Errorf("config %q has no repository path", c.Name)
	}
	return nil
}

// Rule is one matching rule of a target platform: the named slave property
// must match the regex pattern (case-insensitive, anchored at the start).
type Rule struct {
	Property string `json:"property" yaml:"property"`
	Pattern  string `json:"pattern" yaml:"pattern"`
}

// TargetPlatform is a capability profile attached to a build config. A slave
// is eligible for the platform iff every rule matches one of its declared
// properties. An empty rule list matches any slave.
type TargetPlatform struct {
	ID      int64  `json:"id" yaml:"-"`
	Project string `json:"project" yaml:"-"`
	Config  string `json:"config" yaml:"-"`
	Name    string `json:"name" yaml:"name"`
	Rules   []Rule `json:"rules" yaml:"rules"`
}

// Build is one scheduled or executed build of a (config, rev, platform)
// triple. At most one build exists per triple. Timestamps are unix seconds,
// zero when unset.
type Build struct {
	ID           int64             `json:"id"`
	Project      string            `json:"project"`
	Config       string            `json:"config"`
	Rev          string            `json:"rev"`
	RevTime      int64             `json:"rev_time"`
	Platform     int64             `json:"platform"`
	Slave        string            `json:"slave,omitempty"`
	SlaveInfo    map[string]string `json:"slave_info,omitempty"`
	Status       BuildStatus       `json:"status"`
	Started      int64             `json:"started,omitempty"`
	Stopped      int64             `json:"stopped,omitempty"`
	LastActivity int64             `json:"last_activity,omitempty"`
}

// Reset returns the build to the pending pool, wiping every trace of the
// slave that held it. Step and log rows are the caller's responsibility.
func (b *Build) Reset() {
	b.Slave = ""
	b.SlaveInfo = map[string]string{}
	b.Status = BuildPending
	b.Started = 0
	b.Stopped = 0
	b.LastActivity = 0
}

// BuildStep records the outcome of one recipe step within a build.
type BuildStep struct {
	Build       int64      `json:"build"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Status      StepStatus `json:"status"`
	Started     int64      `json:"started"`
	Stopped     int64      `json:"stopped"`
	Errors      []string   `json:"errors,omitempty"`
}

// BuildLog is the stored reference to one captured log stream of a step.
// The messages themselves live in a file below the coordinator's logs
// directory; Filename is relative to it.
type BuildLog struct {
	ID        int64  `json:"id"`
	Build     int64  `json:"build"`
	Step      string `json:"step"`
	Generator string `json:"generator,omitempty"`
	Orderno   int    `json:"orderno"`
	Filename  string `json:"filename,omitempty"`
}

// LogMessage is a single line of a build log with its severity level.
type LogMessage struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Log levels used in build log messages.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
	LevelUnknown = "unknown"
)

// Report is a structured, free-form result document attached to a step,
// for example a test summary or coverage table.
type Report struct {
	ID        int64               `json:"id"`
	Build     int64               `json:"build"`
	Step      string              `json:"step"`
	Category  string              `json:"category"`
	Generator string              `json:"generator,omitempty"`
	Items     []map[string]string `json:"items,omitempty"`
}
