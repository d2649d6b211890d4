// Package slave implements the build slave: a worker process that
// polls the master for a pending build, executes the recipe it is
// handed in a scratch directory and reports step results back over the
// HTTP protocol.
package slave

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/SpamExperts/bitten/internal/logfields"
	"github.com/SpamExperts/bitten/internal/protocol"
	"github.com/SpamExperts/bitten/internal/recipe"
	"github.com/SpamExperts/bitten/internal/retry"
	"github.com/SpamExperts/bitten/internal/version"
)

// DefaultInterval is the pause between polls when the master has
// nothing to build.
const DefaultInterval = 30 * time.Second

// maxResponseSize caps how much of a master response is read. Recipes
// are small; anything larger is a misdirected URL.
const maxResponseSize = 8 << 20

// ErrRejected is returned when the master turns the slave away because
// no target platform matches its properties. Polling again would only
// repeat the rejection, so the slave exits.
var ErrRejected = errors.New("slave: registration rejected")

// Options configures a Slave.
type Options struct {
	// MasterURL locates the master's build collection, for example
	// http://buildmaster:7633/builds. See ResolveMasterURL.
	MasterURL string

	// Name is the name the slave registers under. Defaults to the
	// config file name, then to DefaultName().
	Name string

	// Config holds property overrides, packages and credentials.
	Config Config

	// WorkDir is the directory builds execute under. Defaults to a
	// fresh temporary directory.
	WorkDir string

	// KeepFiles leaves build directories in place after each build and
	// the work directory in place on Close.
	KeepFiles bool

	// DryRun executes recipes but reports nothing; the build is handed
	// back to the master afterwards.
	DryRun bool

	// Single makes Run return after the first allocated build.
	Single bool

	// Interval is the polling pause. Defaults to DefaultInterval.
	Interval time.Duration

	// Commands resolves recipe commands. Defaults to the built-in
	// registry.
	Commands recipe.CommandRegistry

	// Retry is the backoff policy for transient master errors.
	Retry retry.Policy
}

// Slave polls one master and executes the builds it is handed, one at
// a time.
type Slave struct {
	opts    Options
	name    string
	props   map[string]string
	regDoc  []byte
	client  *http.Client
	workDir string
}

// New prepares a slave. The working directory is created here; Close
// removes it again unless KeepFiles is set.
func New(opts Options) (*Slave, error) {
	u, err := url.Parse(opts.MasterURL)
	if err != nil {
		return nil, fmt.Errorf("master URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("master URL %q: not an http or https URL", opts.MasterURL)
	}

	if opts.Name == "" {
		opts.Name = opts.Config.Name
	}
	if opts.Name == "" {
		opts.Name = DefaultName()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Commands == nil {
		opts.Commands = recipe.DefaultRegistry()
	}
	if opts.Retry.Initial <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}

	workDir := opts.WorkDir
	if workDir == "" {
		workDir, err = os.MkdirTemp("", "bitten")
	} else {
		err = os.MkdirAll(workDir, 0o755)
	}
	if err != nil {
		return nil, fmt.Errorf("create work directory: %w", err)
	}

	regDoc, err := protocol.Marshal(opts.Config.Doc(opts.Name, version.Version))
	if err != nil {
		return nil, fmt.Errorf("render registration document: %w", err)
	}

	return &Slave{
		opts:    opts,
		name:    opts.Name,
		props:   opts.Config.Props(),
		regDoc:  regDoc,
		client:  &http.Client{Timeout: 30 * time.Second},
		workDir: workDir,
	}, nil
}

// Name returns the name the slave registers under.
func (s *Slave) Name() string { return s.name }

// WorkDir returns the directory builds execute under.
func (s *Slave) WorkDir() string { return s.workDir }

// Close removes the working directory unless the slave was told to
// keep build files.
func (s *Slave) Close() error {
	if s.opts.KeepFiles {
		return nil
	}
	return os.RemoveAll(s.workDir)
}

// Run polls the master until the context is cancelled. It returns
// ErrRejected when no target platform wants this slave, and nil after
// the first allocated build in single-build mode.
func (s *Slave) Run(ctx context.Context) error {
	slog.Info("build slave started", logfields.Slave(s.name),
		slog.String("master", s.opts.MasterURL), slog.String("work_dir", s.workDir))

	for {
		built, err := s.poll(ctx)
		switch {
		case ctx.Err() != nil:
			slog.Info("build slave shutting down", logfields.Slave(s.name))
			return nil
		case errors.Is(err, ErrRejected):
			slog.Error("master rejected slave", logfields.Slave(s.name), logfields.Error(err))
			return err
		case err != nil:
			slog.Error("build attempt failed", logfields.Slave(s.name), logfields.Error(err))
		}

		if built && s.opts.Single {
			slog.Info("single build done, exiting", logfields.Slave(s.name))
			return nil
		}

		select {
		case <-ctx.Done():
			slog.Info("build slave shutting down", logfields.Slave(s.name))
			return nil
		case <-time.After(s.opts.Interval):
		}
	}
}

// poll registers with the master once and executes the build it is
// offered, if any. The bool reports whether a build was allocated.
func (s *Slave) poll(ctx context.Context) (bool, error) {
	resp, body, err := s.do(ctx, http.MethodPost, s.opts.MasterURL, s.regDoc)
	if err != nil {
		return false, err
	}

	switch resp.StatusCode {
	case http.StatusCreated:
		loc := resp.Header.Get("Location")
		if loc == "" {
			return false, errors.New("master sent no build location")
		}
		buildURL, err := resp.Request.URL.Parse(loc)
		if err != nil {
			return false, fmt.Errorf("parse build location %q: %w", loc, err)
		}
		return true, s.executeBuild(ctx, buildURL.String())

	case http.StatusNoContent:
		slog.Debug("no pending builds", logfields.Slave(s.name))
		return false, nil

	case http.StatusForbidden:
		msg := strings.TrimSpace(string(body))
		var errDoc protocol.ErrorDoc
		if err := protocol.Decode(bytes.NewReader(body), &errDoc); err == nil && errDoc.Message != "" {
			msg = strings.TrimSpace(errDoc.Message)
		}
		return false, fmt.Errorf("%w: %s", ErrRejected, msg)

	default:
		return false, fmt.Errorf("unexpected response to registration: %s", resp.Status)
	}
}

// executeBuild fetches the recipe behind buildURL, runs its steps in a
// scratch directory and reports each result.
func (s *Slave) executeBuild(ctx context.Context, buildURL string) error {
	resp, body, err := s.do(ctx, http.MethodGet, buildURL, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch recipe: master answered %s", resp.Status)
	}

	doc, err := recipe.Parse(body)
	if err != nil {
		return s.refuseBuild(ctx, buildURL, doc, err)
	}
	if err := doc.Validate(); err != nil {
		return s.refuseBuild(ctx, buildURL, doc, err)
	}

	project := doc.Attrs["project"]
	if project == "" {
		project = "default"
	}
	rev := doc.Attrs["revision"]
	basedir := filepath.Join(s.workDir, pathsafe(project), "build_"+pathsafe(rev))
	if err := os.MkdirAll(basedir, 0o755); err != nil {
		return fmt.Errorf("create build directory: %w", err)
	}
	if !s.opts.KeepFiles {
		defer os.RemoveAll(basedir)
	}

	slog.Info("build started", logfields.Slave(s.name), logfields.Project(project),
		logfields.Rev(rev), slog.String("dir", basedir))

	rc := recipe.NewRunContext(basedir, s.props)
	failed := false
	for _, step := range doc.Steps {
		slog.Info("executing build step", logfields.Slave(s.name), logfields.Step(step.ID))
		started := time.Now()
		out, runErr := step.Run(ctx, rc, s.opts.Commands)
		if ctx.Err() != nil {
			return s.cancelBuild(buildURL)
		}

		stepDoc := protocol.NewStepDoc(step, out, started, time.Since(started))
		if stepDoc.Result == protocol.ResultFailure {
			slog.Warn("build step failed", logfields.Slave(s.name), logfields.Step(step.ID))
			if step.OnError != recipe.OnErrorIgnore {
				failed = true
			}
		} else {
			slog.Info("build step completed", logfields.Slave(s.name), logfields.Step(step.ID))
		}

		if !s.opts.DryRun {
			if err := s.sendStep(ctx, buildURL, stepDoc); err != nil {
				return err
			}
		}

		// A failed step stops the build only when its onerror policy
		// says so; the master draws the same conclusion from the step
		// result.
		if runErr != nil && step.OnError == recipe.OnErrorFail {
			break
		}
	}

	if failed {
		slog.Warn("build failed", logfields.Slave(s.name), logfields.Project(project), logfields.Rev(rev))
	} else {
		slog.Info("build completed", logfields.Slave(s.name), logfields.Project(project), logfields.Rev(rev))
	}

	if s.opts.DryRun {
		slog.Info("dry run, handing build back", logfields.Slave(s.name), logfields.Rev(rev))
		return s.abortBuild(ctx, buildURL)
	}
	return nil
}

// refuseBuild reports a recipe the slave cannot run. With a usable
// first step the failure is reported as that step, which fails the
// build on the master; otherwise the build is handed back unrun.
func (s *Slave) refuseBuild(ctx context.Context, buildURL string, doc recipe.Document, cause error) error {
	slog.Error("recipe cannot be run", logfields.Slave(s.name), logfields.Error(cause))
	if s.opts.DryRun || len(doc.Steps) == 0 || doc.Steps[0].ID == "" {
		return s.abortBuild(ctx, buildURL)
	}
	out := recipe.StepOutput{Errors: []recipe.Error{{Message: cause.Error()}}}
	return s.sendStep(ctx, buildURL, protocol.NewStepDoc(doc.Steps[0], out, time.Now(), 0))
}

// cancelBuild hands an interrupted build back to the master. The
// surrounding context is already cancelled, so the abort request gets
// a fresh one.
func (s *Slave) cancelBuild(buildURL string) error {
	slog.Warn("build cancelled", logfields.Slave(s.name))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.abortBuild(ctx, buildURL); err != nil {
		slog.Warn("aborting build on master failed", logfields.Slave(s.name), logfields.Error(err))
	}
	return nil
}

// sendStep reports one executed step.
func (s *Slave) sendStep(ctx context.Context, buildURL string, doc protocol.StepDoc) error {
	payload, err := protocol.Marshal(doc)
	if err != nil {
		return fmt.Errorf("render step result: %w", err)
	}
	stepURL := buildURL + "/steps/" + url.PathEscape(doc.ID)
	resp, body, err := s.do(ctx, http.MethodPut, stepURL, payload)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("report step %s: master answered %s: %s",
			doc.ID, resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

// abortBuild asks the master to wipe reported steps and requeue the
// build.
func (s *Slave) abortBuild(ctx context.Context, buildURL string) error {
	resp, body, err := s.do(ctx, http.MethodDelete, buildURL, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("abort build: master answered %s: %s",
			resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

// do performs one exchange with the master, retrying transport errors
// and 5xx answers per the retry policy. The response body is fully
// read before returning.
func (s *Slave) do(ctx context.Context, method, rawURL string, body []byte) (*http.Response, []byte, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying master request", logfields.Slave(s.name),
				slog.String("method", method), slog.String("url", rawURL),
				slog.Int("attempt", attempt))
		}
		resp, respBody, err := s.roundTrip(ctx, method, rawURL, body)
		if err == nil && resp.StatusCode < 500 {
			return resp, respBody, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("master answered %s", resp.Status)
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if attempt == s.opts.Retry.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(s.opts.Retry.Delay(attempt + 1)):
		}
	}
	return nil, nil, fmt.Errorf("%s %s: %w", method, rawURL, lastErr)
}

func (s *Slave) roundTrip(ctx context.Context, method, rawURL string, body []byte) (*http.Response, []byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, r)
	if err != nil {
		return nil, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", protocol.ContentType)
	}
	if auth := s.opts.Config.Authentication; auth != nil {
		req.SetBasicAuth(auth.Username, auth.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, nil, err
	}
	return resp, respBody, nil
}

// ResolveMasterURL turns the CLI's URL-or-host argument into the URL
// of the master's build collection. A bare host gets the http scheme
// and the given port; a URL without a path gets /builds appended.
func ResolveMasterURL(arg string, port int) (string, error) {
	if port <= 0 {
		port = 7633
	}
	if !strings.Contains(arg, "://") {
		if strings.Contains(arg, ":") {
			return "http://" + arg + "/builds", nil
		}
		return fmt.Sprintf("http://%s:%d/builds", arg, port), nil
	}
	u, err := url.Parse(arg)
	if err != nil {
		return "", fmt.Errorf("master URL: %w", err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/builds"
	}
	return u.String(), nil
}

// pathsafe flattens a value for use as a single directory name.
func pathsafe(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, s)
}
