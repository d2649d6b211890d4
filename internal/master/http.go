package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/SpamExperts/bitten/internal/logfields"
	"github.com/SpamExperts/bitten/internal/model"
	"github.com/SpamExperts/bitten/internal/protocol"
	"github.com/SpamExperts/bitten/internal/queue"
	"github.com/SpamExperts/bitten/internal/recipe"
	"github.com/SpamExperts/bitten/internal/store"
)

// maxAttachmentSize caps one artifact upload.
const maxAttachmentSize = 64 << 20

// Router builds the slave API. Slaves create builds by POSTing their
// registration document, fetch the annotated recipe from the returned
// location and PUT one step document per executed recipe step.
func (m *Master) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Post("/builds", m.handleCreateBuild)
	r.Get("/builds/{id}", m.handleBuildRecipe)
	r.Delete("/builds/{id}", m.handleAbortBuild)
	r.Put("/builds/{id}/steps/{name}", m.handleStepResult)
	r.Post("/builds/{id}/files/*", m.handleAttachment)

	r.Get("/api/status", m.handleStatus)
	r.Get("/api/builds", m.handleBuilds)
	if m.cfg.MetricsHandler != nil {
		r.Handle("/metrics", m.cfg.MetricsHandler)
	}
	return r
}

// handleCreateBuild registers a polling slave and hands it the next
// eligible pending build. Environments are visited in rotating order so
// one project cannot starve the rest.
func (m *Master) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer r.Body.Close()

	var doc protocol.SlaveDoc
	if err := protocol.Decode(r.Body, &doc); err != nil {
		http.Error(w, "XML parse error: "+err.Error(), http.StatusBadRequest)
		return
	}
	if doc.Name == "" {
		http.Error(w, "slave name missing", http.StatusBadRequest)
		return
	}

	props := doc.Props(remoteHost(r))
	slog.Info("build slave connected",
		logfields.Slave(doc.Name), slog.String("remote_addr", r.RemoteAddr))

	matched := false
	for _, env := range m.rotation() {
		platforms, err := queue.MatchSlave(ctx, m.store, env.Project, doc.Name, props)
		if err != nil {
			m.internalError(w, "matching slave against target platforms", err)
			return
		}
		if len(platforms) == 0 {
			continue
		}
		matched = true

		build, err := env.Queue.GetBuildForSlave(ctx, doc.Name, props)
		if err != nil {
			m.internalError(w, "allocating build", err)
			return
		}
		if build == nil {
			continue
		}

		m.registry.Register(doc.Name, props)
		m.registry.Assign(doc.Name, build.ID)

		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Location", absoluteURL(r, fmt.Sprintf("/builds/%d", build.ID)))
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, "Build pending")
		return
	}

	if !matched {
		slog.Warn("slave matches no target platform in any environment",
			logfields.Slave(doc.Name))
		writeXMLError(w, http.StatusForbidden, protocol.CodeNothingToBuild,
			"Nothing for you to build here, please move along")
		return
	}

	m.registry.Register(doc.Name, props)
	slog.Info("no pending builds", logfields.Slave(doc.Name))
	w.WriteHeader(http.StatusNoContent)
}

// handleBuildRecipe delivers the annotated recipe of an allocated build
// and stamps the build as started.
func (m *Master) handleBuildRecipe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	build, ok := m.buildFromRequest(w, r)
	if !ok {
		return
	}
	if build.Status != model.BuildInProgress || build.Slave == "" {
		http.Error(w, "build not in progress", http.StatusConflict)
		return
	}

	config, err := m.store.Config(ctx, build.Project, build.Config)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "build configuration no longer exists", http.StatusNotFound)
		return
	}
	if err != nil {
		m.internalError(w, "loading build configuration", err)
		return
	}

	rdoc, err := recipe.Parse([]byte(config.Recipe))
	if err != nil {
		m.internalError(w, "parsing stored recipe", err)
		return
	}
	annotated, err := rdoc.Annotated(build.Project, config.Path, build.Rev)
	if err != nil {
		m.internalError(w, "annotating recipe", err)
		return
	}

	now := m.now()
	var delta time.Duration
	if m.adjustTimestamps(build.Project) {
		delta = now.Sub(time.Unix(build.RevTime, 0)) - m.cfg.CheckInterval
		slog.Info("warping build timestamps",
			logfields.BuildID(build.ID), slog.Duration("delta", delta))
	}
	build.Started = now.Add(-delta).Unix()
	build.LastActivity = now.Unix()
	if err := m.store.UpdateBuild(ctx, build); err != nil {
		m.internalError(w, "updating build", err)
		return
	}

	m.registry.StartBuild(build.Slave, build.ID, delta)
	m.notifier.BuildStarted(build)

	w.Header().Set("Content-Type", protocol.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(annotated)
}

// handleStepResult ingests the outcome of one recipe step: the step row,
// its log messages and its reports. When the step ends the recipe, or
// fails a step whose failure stops the build, the build is completed.
func (m *Master) handleStepResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer r.Body.Close()

	build, ok := m.buildFromRequest(w, r)
	if !ok {
		return
	}
	if build.Status != model.BuildInProgress {
		http.Error(w, "build not in progress", http.StatusConflict)
		return
	}

	stepName := chi.URLParam(r, "name")
	var doc protocol.StepDoc
	if err := protocol.Decode(r.Body, &doc); err != nil {
		http.Error(w, "XML parse error: "+err.Error(), http.StatusBadRequest)
		return
	}
	if doc.ID != "" && doc.ID != stepName {
		slog.Debug("step document id differs from resource name",
			logfields.BuildID(build.ID), logfields.Step(stepName),
			slog.String("doc_id", doc.ID))
	}

	existing, err := m.store.Steps(ctx, build.ID)
	if err != nil {
		m.internalError(w, "loading build steps", err)
		return
	}
	for _, st := range existing {
		if st.Name == stepName {
			http.Error(w, "build step already exists", http.StatusConflict)
			return
		}
	}

	started, err := protocol.ParseTime(doc.Time)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	delta := m.registry.Delta(build.Slave, build.ID)
	started = started.Add(-delta)
	stopped := started.Add(time.Duration(doc.Duration * float64(time.Second)))

	status := model.StepSuccess
	if doc.Result == protocol.ResultFailure {
		status = model.StepFailure
	}
	step := &model.BuildStep{
		Build:       build.ID,
		Name:        stepName,
		Description: doc.Description,
		Status:      status,
		Started:     started.Unix(),
		Stopped:     stopped.Unix(),
	}
	for _, e := range doc.Errors {
		step.Errors = append(step.Errors, e.Message)
	}
	if err := m.store.InsertStep(ctx, step); err != nil {
		m.internalError(w, "storing build step", err)
		return
	}

	for idx, le := range doc.Logs {
		messages := make([]model.LogMessage, 0, len(le.Messages))
		for _, msg := range le.Messages {
			messages = append(messages, model.LogMessage{Level: msg.Level, Message: msg.Text})
		}
		log := &model.BuildLog{
			Build:     build.ID,
			Step:      stepName,
			Generator: le.Generator,
			Orderno:   idx,
		}
		if err := m.store.InsertLog(ctx, log, messages); err != nil {
			m.internalError(w, "storing build log", err)
			return
		}
	}

	for _, re := range doc.Reports {
		report := &model.Report{
			Build:     build.ID,
			Step:      stepName,
			Category:  re.Category,
			Generator: re.Generator,
		}
		for _, item := range re.Items {
			report.Items = append(report.Items, item.Fields())
		}
		if err := m.store.InsertReport(ctx, report); err != nil {
			m.internalError(w, "storing report", err)
			return
		}
	}

	slog.Debug("slave completed step",
		logfields.Slave(build.Slave), logfields.BuildID(build.ID),
		logfields.Step(stepName), logfields.Status(string(status)))
	m.recorder.IncStepResult(build.Project, string(status))
	m.registry.Touch(build.Slave)

	build.LastActivity = m.now().Unix()
	if err := m.store.UpdateBuild(ctx, build); err != nil {
		m.internalError(w, "updating build", err)
		return
	}

	if err := m.finishIfDone(ctx, build, stepName, status == model.StepFailure, stopped.Unix()); err != nil {
		m.internalError(w, "completing build", err)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Location", absoluteURL(r, fmt.Sprintf("/builds/%d/steps/%s", build.ID, stepName)))
	w.WriteHeader(http.StatusCreated)
	fmt.Fprint(w, "Build step processed")
}

// finishIfDone completes the build when the reported step either ends
// the recipe or fails with a failure mode that stops the build. The
// final status honors each step's failure mode: failed steps marked
// ignore do not fail the build.
func (m *Master) finishIfDone(ctx context.Context, build *model.Build, stepName string, failed bool, stopped int64) error {
	var rdoc *recipe.Document
	if config, err := m.store.Config(ctx, build.Project, build.Config); err == nil {
		if parsed, perr := recipe.Parse([]byte(config.Recipe)); perr == nil {
			rdoc = &parsed
		} else {
			slog.Warn("stored recipe unparseable during step ingestion",
				logfields.BuildID(build.ID), logfields.Error(perr))
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	done := false
	if rdoc == nil {
		// Without the recipe the step order is unknown; a failure ends
		// the build, anything else is recovered by the orphan timeout.
		done = failed
	} else {
		if failed {
			rs, known := rdoc.StepByID(stepName)
			if !known || rs.OnError == recipe.OnErrorFail {
				done = true
			}
		}
		if n := len(rdoc.Steps); n > 0 && rdoc.Steps[n-1].ID == stepName {
			done = true
		}
	}
	if !done {
		return nil
	}

	outcome := model.BuildSuccess
	steps, err := m.store.Steps(ctx, build.ID)
	if err != nil {
		return err
	}
	for _, st := range steps {
		if st.Status != model.StepFailure {
			continue
		}
		if rdoc != nil {
			if rs, ok := rdoc.StepByID(st.Name); ok && rs.OnError == recipe.OnErrorIgnore {
				continue
			}
		}
		outcome = model.BuildFailure
		break
	}

	build.Status = outcome
	build.Stopped = stopped
	if err := m.store.UpdateBuild(ctx, build); err != nil {
		return err
	}

	m.registry.FinishBuild(build.Slave, build.ID)
	m.recorder.IncBuildOutcome(build.Project, string(outcome))
	if build.Started > 0 && build.Stopped >= build.Started {
		m.recorder.ObserveBuildDuration(build.Project,
			time.Duration(build.Stopped-build.Started)*time.Second)
	}
	m.notifier.BuildCompleted(build)
	return nil
}

// handleAbortBuild returns an in-progress build to the pending pool,
// wiping the steps, logs and reports recorded so far.
func (m *Master) handleAbortBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	build, ok := m.buildFromRequest(w, r)
	if !ok {
		return
	}
	if build.Status != model.BuildInProgress {
		http.Error(w, "build not in progress", http.StatusConflict)
		return
	}

	slog.Info("slave aborted build",
		logfields.Slave(build.Slave), logfields.BuildID(build.ID),
		logfields.Config(build.Config), logfields.Rev(build.Rev))
	m.notifier.BuildAborted(build)

	if err := m.store.DeleteSteps(ctx, build.ID); err != nil {
		m.internalError(w, "deleting build steps", err)
		return
	}
	if err := m.store.DeleteLogs(ctx, build.ID); err != nil {
		m.internalError(w, "deleting build logs", err)
		return
	}
	if err := m.store.DeleteReports(ctx, build.ID); err != nil {
		m.internalError(w, "deleting build reports", err)
		return
	}

	slaveName, buildID := build.Slave, build.ID
	build.Reset()
	if err := m.store.UpdateBuild(ctx, build); err != nil {
		m.internalError(w, "updating build", err)
		return
	}
	m.registry.FinishBuild(slaveName, buildID)

	w.WriteHeader(http.StatusNoContent)
}

// handleAttachment stores an artifact uploaded by a slave below the
// attachments directory, keyed by project and build.
func (m *Master) handleAttachment(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if m.cfg.AttachmentsDir == "" {
		http.Error(w, "artifact uploads disabled", http.StatusForbidden)
		return
	}

	build, ok := m.buildFromRequest(w, r)
	if !ok {
		return
	}

	rel := chi.URLParam(r, "*")
	name := strings.TrimPrefix(path.Clean("/"+rel), "/")
	if name == "" {
		http.Error(w, "file name missing", http.StatusBadRequest)
		return
	}

	dst := filepath.Join(m.cfg.AttachmentsDir, build.Project,
		strconv.FormatInt(build.ID, 10), filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		m.internalError(w, "creating attachment directory", err)
		return
	}

	// Upload into a uniquely named temp file and rename into place, so
	// the final name never holds a partial upload.
	tmp := dst + ".up-" + uuid.NewString()[:8]
	f, err := os.Create(tmp)
	if err != nil {
		m.internalError(w, "creating attachment file", err)
		return
	}
	body := http.MaxBytesReader(w, r.Body, maxAttachmentSize)
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		http.Error(w, "storing attachment: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		m.internalError(w, "closing attachment file", err)
		return
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		m.internalError(w, "storing attachment file", err)
		return
	}

	slog.Info("stored build artifact",
		logfields.BuildID(build.ID), logfields.Path(name))
	m.registry.Touch(build.Slave)

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusCreated)
	fmt.Fprint(w, "Attachment stored")
}

// handleStatus reports per-environment build counts and the known slave
// sessions.
func (m *Master) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	type envStatus struct {
		Project string                    `json:"project"`
		Builds  map[model.BuildStatus]int `json:"builds"`
	}
	type statusResponse struct {
		Environments []envStatus `json:"environments"`
		Slaves       []Session   `json:"slaves"`
	}

	resp := statusResponse{Slaves: m.registry.Sessions()}
	for _, env := range m.envs {
		counts, err := m.store.BuildCounts(ctx, env.Project)
		if err != nil {
			m.internalError(w, "counting builds", err)
			return
		}
		resp.Environments = append(resp.Environments, envStatus{
			Project: env.Project,
			Builds:  counts,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleBuilds lists recent builds of one project, optionally filtered
// by configuration.
func (m *Master) handleBuilds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	project := r.URL.Query().Get("project")
	if project == "" && len(m.envs) == 1 {
		project = m.envs[0].Project
	}
	if m.environment(project) == nil {
		http.Error(w, "unknown project", http.StatusNotFound)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	builds, err := m.store.RecentBuilds(ctx, project, r.URL.Query().Get("config"), limit)
	if err != nil {
		m.internalError(w, "listing builds", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(builds)
}

// buildFromRequest resolves the {id} path parameter to a build row and
// writes the 404 itself when there is none.
func (m *Master) buildFromRequest(w http.ResponseWriter, r *http.Request) (*model.Build, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "no such build", http.StatusNotFound)
		return nil, false
	}
	build, err := m.store.Build(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "no such build", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		m.internalError(w, "loading build", err)
		return nil, false
	}
	return build, true
}

func (m *Master) internalError(w http.ResponseWriter, what string, err error) {
	slog.Error(what+" failed", logfields.Error(err))
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func writeXMLError(w http.ResponseWriter, status, code int, message string) {
	body, err := protocol.Marshal(protocol.ErrorDoc{Code: code, Message: message})
	if err != nil {
		http.Error(w, message, status)
		return
	}
	w.Header().Set("Content-Type", protocol.ContentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// remoteHost strips the port from the request's remote address.
// RealIP middleware may already have reduced it to a bare IP.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// absoluteURL renders a location header value against the requested
// host, so slaves behind any name the master answers to can follow it.
func absoluteURL(r *http.Request, p string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + p
}

// requestLogger writes one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			slog.String("method", r.Method),
			logfields.Path(r.URL.Path),
			slog.Int("status", ww.Status()),
			logfields.DurationMS(float64(time.Since(start).Nanoseconds())/1e6),
			slog.String("remote_addr", r.RemoteAddr))
	})
}
