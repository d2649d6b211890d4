package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/SpamExperts/bitten/internal/model"
)

// SQLiteStore implements Store using SQLite. Log messages are written to
// files below logsDir, one file per log, "level<TAB>message" per line.
type SQLiteStore struct {
	db      *sql.DB
	logsDir string
	mu      sync.RWMutex
}

// NewSQLiteStore creates a new SQLite-backed store.
// Use ":memory:" for an in-memory database, or a file path for persistent storage.
func NewSQLiteStore(dbPath, logsDir string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows one writer; a single pooled connection also keeps
	// ":memory:" databases coherent across calls.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logsDir: logsDir}
	if err := s.initialize(); err != nil {
		_ = db.Close() // Best effort cleanup on initialization error
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	if logsDir != "" {
		if err := os.MkdirAll(logsDir, 0o755); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create logs directory: %w", err)
		}
	}

	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS configs (
		project TEXT NOT NULL,
		name TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 0,
		recipe TEXT NOT NULL DEFAULT '',
		min_rev TEXT NOT NULL DEFAULT '',
		max_rev TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (project, name)
	);
	CREATE TABLE IF NOT EXISTS platforms (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project TEXT NOT NULL,
		config TEXT NOT NULL,
		name TEXT NOT NULL,
		rules TEXT NOT NULL DEFAULT '[]',
		UNIQUE (project, config, name)
	);
	CREATE TABLE IF NOT EXISTS builds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project TEXT NOT NULL,
		config TEXT NOT NULL,
		rev TEXT NOT NULL,
		rev_time INTEGER NOT NULL DEFAULT 0,
		platform INTEGER NOT NULL,
		slave TEXT NOT NULL DEFAULT '',
		slave_info TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		started INTEGER NOT NULL DEFAULT 0,
		stopped INTEGER NOT NULL DEFAULT 0,
		last_activity INTEGER NOT NULL DEFAULT 0,
		UNIQUE (project, config, rev, platform)
	);
	CREATE INDEX IF NOT EXISTS idx_builds_status ON builds(project, status);
	CREATE TABLE IF NOT EXISTS steps (
		build INTEGER NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		started INTEGER NOT NULL DEFAULT 0,
		stopped INTEGER NOT NULL DEFAULT 0,
		errors TEXT NOT NULL DEFAULT '[]',
		UNIQUE (build, name)
	);
	CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		build INTEGER NOT NULL,
		step TEXT NOT NULL,
		generator TEXT NOT NULL DEFAULT '',
		orderno INTEGER NOT NULL DEFAULT 0,
		filename TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_logs_build ON logs(build);
	CREATE TABLE IF NOT EXISTS reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		build INTEGER NOT NULL,
		step TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		generator TEXT NOT NULL DEFAULT '',
		items TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_reports_build ON reports(build);
	`
	_, err := s.db.Exec(schema)
	return err
}

// isUniqueViolation reports whether err is a SQLite uniqueness error.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// SaveConfig inserts or replaces a build configuration.
func (s *SQLiteStore) SaveConfig(ctx context.Context, config *model.BuildConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO configs (project, name, label, path, active, recipe, min_rev, max_rev, description)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (project, name) DO UPDATE SET
		 label=excluded.label, path=excluded.path, active=excluded.active,
		 recipe=excluded.recipe, min_rev=excluded.min_rev, max_rev=excluded.max_rev,
		 description=excluded.description`,
		config.Project, config.Name, config.Label, config.Path, config.Active,
		config.Recipe, config.MinRev, config.MaxRev, config.Description,
	)
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

// Config retrieves one build configuration by project and name.
func (s *SQLiteStore) Config(ctx context.Context, project, name string) (*model.BuildConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT project, name, label, path, active, recipe, min_rev, max_rev, description
		 FROM configs WHERE project = ? AND name = ?`, project, name)
	return scanConfig(row)
}

// Configs retrieves the configurations of a project, every project when
// project is empty. Inactive configurations are skipped unless requested.
func (s *SQLiteStore) Configs(ctx context.Context, project string, includeInactive bool) ([]*model.BuildConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT project, name, label, path, active, recipe, min_rev, max_rev, description FROM configs`
	var clauses []string
	var args []any
	if project != "" {
		clauses = append(clauses, "project = ?")
		args = append(args, project)
	}
	if !includeInactive {
		clauses = append(clauses, "active = 1")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY project, name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query configs: %w", err)
	}
	defer rows.Close()

	var configs []*model.BuildConfig
	for rows.Next() {
		config, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, config)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return configs, nil
}

// DeactivateConfig marks a configuration inactive without deleting it.
func (s *SQLiteStore) DeactivateConfig(ctx context.Context, project, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE configs SET active = 0 WHERE project = ? AND name = ?`, project, name)
	if err != nil {
		return fmt.Errorf("deactivate config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConfig removes a configuration and everything it owns: platforms,
// builds, steps, logs (including log files) and reports.
func (s *SQLiteStore) DeleteConfig(ctx context.Context, project, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var filenames []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT l.filename FROM logs l JOIN builds b ON l.build = b.id
			 WHERE b.project = ? AND b.config = ? AND l.filename != ''`, project, name)
		if err != nil {
			return fmt.Errorf("query log files: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var fn string
			if err := rows.Scan(&fn); err != nil {
				return fmt.Errorf("scan log file: %w", err)
			}
			filenames = append(filenames, fn)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate rows: %w", err)
		}

		for _, stmt := range []string{
			`DELETE FROM steps WHERE build IN (SELECT id FROM builds WHERE project = ? AND config = ?)`,
			`DELETE FROM logs WHERE build IN (SELECT id FROM builds WHERE project = ? AND config = ?)`,
			`DELETE FROM reports WHERE build IN (SELECT id FROM builds WHERE project = ? AND config = ?)`,
			`DELETE FROM builds WHERE project = ? AND config = ?`,
			`DELETE FROM platforms WHERE project = ? AND config = ?`,
			`DELETE FROM configs WHERE project = ? AND name = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, project, name); err != nil {
				return fmt.Errorf("delete config: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.removeLogFiles(filenames)
	return nil
}

// SavePlatform inserts or updates a target platform. New platforms get their
// surrogate ID assigned; existing ones are matched by (project, config, name)
// so the ID survives configuration reloads.
func (s *SQLiteStore) SavePlatform(ctx context.Context, platform *model.TargetPlatform) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules, err := json.Marshal(platform.Rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}

	if platform.ID != 0 {
		_, err := s.db.ExecContext(ctx,
			`UPDATE platforms SET project = ?, config = ?, name = ?, rules = ? WHERE id = ?`,
			platform.Project, platform.Config, platform.Name, string(rules), platform.ID)
		if err != nil {
			return fmt.Errorf("update platform: %w", err)
		}
		return nil
	}

	var existing int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM platforms WHERE project = ? AND config = ? AND name = ?`,
		platform.Project, platform.Config, platform.Name).Scan(&existing)
	switch {
	case err == nil:
		platform.ID = existing
		_, err := s.db.ExecContext(ctx,
			`UPDATE platforms SET rules = ? WHERE id = ?`, string(rules), existing)
		if err != nil {
			return fmt.Errorf("update platform: %w", err)
		}
		return nil
	case errors.Is(err, sql.ErrNoRows):
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO platforms (project, config, name, rules) VALUES (?, ?, ?, ?)`,
			platform.Project, platform.Config, platform.Name, string(rules))
		if err != nil {
			return fmt.Errorf("insert platform: %w", err)
		}
		platform.ID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("platform id: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("lookup platform: %w", err)
	}
}

// Platform retrieves a target platform by ID.
func (s *SQLiteStore) Platform(ctx context.Context, id int64) (*model.TargetPlatform, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, project, config, name, rules FROM platforms WHERE id = ?`, id)
	return scanPlatform(row)
}

// Platforms retrieves the target platforms of a config, or of every config
// in the project when config is empty. Order is stable (by ID).
func (s *SQLiteStore) Platforms(ctx context.Context, project, config string) ([]model.TargetPlatform, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, project, config, name, rules FROM platforms WHERE project = ?`
	args := []any{project}
	if config != "" {
		query += ` AND config = ?`
		args = append(args, config)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query platforms: %w", err)
	}
	defer rows.Close()

	var platforms []model.TargetPlatform
	for rows.Next() {
		p, err := scanPlatform(rows)
		if err != nil {
			return nil, err
		}
		platforms = append(platforms, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return platforms, nil
}

// DeletePlatform removes a target platform. Builds referencing it become
// prunable and are dropped during allocation.
func (s *SQLiteStore) DeletePlatform(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM platforms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete platform: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertBuild adds a new build row. ErrConflict signals that a build for the
// same (project, config, rev, platform) already exists.
func (s *SQLiteStore) InsertBuild(ctx context.Context, b *model.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.Status == "" {
		b.Status = model.BuildPending
	}
	info, err := json.Marshal(orEmpty(b.SlaveInfo))
	if err != nil {
		return fmt.Errorf("marshal slave info: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO builds (project, config, rev, rev_time, platform, slave, slave_info, status, started, stopped, last_activity)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Project, b.Config, b.Rev, b.RevTime, b.Platform, b.Slave, string(info),
		string(b.Status), b.Started, b.Stopped, b.LastActivity,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert build %s@%s: %w", b.Config, b.Rev, ErrConflict)
		}
		return fmt.Errorf("insert build: %w", err)
	}
	b.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("build id: %w", err)
	}
	return nil
}

// UpdateBuild rewrites the mutable fields of a build row.
func (s *SQLiteStore) UpdateBuild(ctx context.Context, b *model.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := json.Marshal(orEmpty(b.SlaveInfo))
	if err != nil {
		return fmt.Errorf("marshal slave info: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE builds SET slave = ?, slave_info = ?, status = ?, started = ?, stopped = ?, last_activity = ?
		 WHERE id = ?`,
		b.Slave, string(info), string(b.Status), b.Started, b.Stopped, b.LastActivity, b.ID)
	if err != nil {
		return fmt.Errorf("update build: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AllocateBuild assigns a pending build to a slave. The update is conditional
// on the build still being pending, so two slaves racing for the same build
// resolve here: the loser gets ErrConflict and moves on.
func (s *SQLiteStore) AllocateBuild(ctx context.Context, b *model.Build, slave string, info map[string]string, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make(map[string]string, len(b.SlaveInfo)+len(info))
	for k, v := range b.SlaveInfo {
		merged[k] = v
	}
	for k, v := range info {
		merged[k] = v
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal slave info: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE builds SET slave = ?, slave_info = ?, status = ?, last_activity = ?
		 WHERE id = ? AND status = ?`,
		slave, string(encoded), string(model.BuildInProgress), now,
		b.ID, string(model.BuildPending))
	if err != nil {
		return fmt.Errorf("allocate build: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("allocate build: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("allocate build %d: %w", b.ID, ErrConflict)
	}

	b.Slave = slave
	b.SlaveInfo = merged
	b.Status = model.BuildInProgress
	b.LastActivity = now
	return nil
}

// Build retrieves one build by ID.
func (s *SQLiteStore) Build(ctx context.Context, id int64) (*model.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, buildSelect+` WHERE id = ?`, id)
	return scanBuild(row)
}

// BuildFor retrieves the build of one (config, rev, platform) triple.
func (s *SQLiteStore) BuildFor(ctx context.Context, project, config, rev string, platform int64) (*model.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		buildSelect+` WHERE project = ? AND config = ? AND rev = ? AND platform = ?`,
		project, config, rev, platform)
	return scanBuild(row)
}

// BuildsByStatus retrieves the builds of a project with the given status, in
// insertion order (ascending ID).
func (s *SQLiteStore) BuildsByStatus(ctx context.Context, project string, status model.BuildStatus) ([]*model.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		buildSelect+` WHERE project = ? AND status = ? ORDER BY id`,
		project, string(status))
	if err != nil {
		return nil, fmt.Errorf("query builds: %w", err)
	}
	defer rows.Close()
	return scanBuilds(rows)
}

// NewestBuild retrieves the build with the highest revision time for one
// (config, platform) pair, regardless of status.
func (s *SQLiteStore) NewestBuild(ctx context.Context, project, config string, platform int64) (*model.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		buildSelect+` WHERE project = ? AND config = ? AND platform = ?
		 ORDER BY rev_time DESC, id DESC LIMIT 1`,
		project, config, platform)
	return scanBuild(row)
}

// RecentBuilds retrieves the most recently inserted builds of a project,
// optionally restricted to one config.
func (s *SQLiteStore) RecentBuilds(ctx context.Context, project, config string, limit int) ([]*model.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := buildSelect + ` WHERE project = ?`
	args := []any{project}
	if config != "" {
		query += ` AND config = ?`
		args = append(args, config)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query builds: %w", err)
	}
	defer rows.Close()
	return scanBuilds(rows)
}

// BuildCounts returns the number of builds per status for a project.
func (s *SQLiteStore) BuildCounts(ctx context.Context, project string) (map[model.BuildStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM builds WHERE project = ? GROUP BY status`, project)
	if err != nil {
		return nil, fmt.Errorf("query build counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.BuildStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan build count: %w", err)
		}
		counts[model.BuildStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return counts, nil
}

// DeleteBuild removes a build and its steps, logs (including log files) and
// reports.
func (s *SQLiteStore) DeleteBuild(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filenames, err := s.logFilenames(ctx, id)
	if err != nil {
		return err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM steps WHERE build = ?`,
			`DELETE FROM logs WHERE build = ?`,
			`DELETE FROM reports WHERE build = ?`,
			`DELETE FROM builds WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return fmt.Errorf("delete build: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.removeLogFiles(filenames)
	return nil
}

// InsertStep appends a step row. Re-reporting a step name within the same
// build is a protocol violation and surfaces as ErrConflict.
func (s *SQLiteStore) InsertStep(ctx context.Context, step *model.BuildStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stepErrors, err := json.Marshal(orEmptySlice(step.Errors))
	if err != nil {
		return fmt.Errorf("marshal step errors: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO steps (build, name, description, status, started, stopped, errors)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		step.Build, step.Name, step.Description, string(step.Status),
		step.Started, step.Stopped, string(stepErrors))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert step %q: %w", step.Name, ErrConflict)
		}
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// Steps retrieves the steps of a build in the order they were reported.
func (s *SQLiteStore) Steps(ctx context.Context, build int64) ([]model.BuildStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT build, name, description, status, started, stopped, errors
		 FROM steps WHERE build = ? ORDER BY rowid`, build)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []model.BuildStep
	for rows.Next() {
		var step model.BuildStep
		var status, errorsJSON string
		if err := rows.Scan(&step.Build, &step.Name, &step.Description, &status,
			&step.Started, &step.Stopped, &errorsJSON); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		step.Status = model.StepStatus(status)
		if err := json.Unmarshal([]byte(errorsJSON), &step.Errors); err != nil {
			return nil, fmt.Errorf("unmarshal step errors: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return steps, nil
}

// DeleteSteps removes every step of a build.
func (s *SQLiteStore) DeleteSteps(ctx context.Context, build int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM steps WHERE build = ?`, build); err != nil {
		return fmt.Errorf("delete steps: %w", err)
	}
	return nil
}

// InsertLog stores a log row and writes its messages to a file below the
// logs directory.
func (s *SQLiteStore) InsertLog(ctx context.Context, log *model.BuildLog, messages []model.LogMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (build, step, generator, orderno, filename) VALUES (?, ?, ?, ?, '')`,
		log.Build, log.Step, log.Generator, log.Orderno)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	log.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("log id: %w", err)
	}

	if s.logsDir == "" {
		return nil
	}
	log.Filename = fmt.Sprintf("%d.log", log.ID)
	if err := writeLogFile(filepath.Join(s.logsDir, log.Filename), messages); err != nil {
		return fmt.Errorf("write log file: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE logs SET filename = ? WHERE id = ?`, log.Filename, log.ID); err != nil {
		return fmt.Errorf("update log filename: %w", err)
	}
	return nil
}

// Logs retrieves the log rows of a build in report order.
func (s *SQLiteStore) Logs(ctx context.Context, build int64) ([]model.BuildLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, build, step, generator, orderno, filename
		 FROM logs WHERE build = ? ORDER BY id`, build)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var logs []model.BuildLog
	for rows.Next() {
		var l model.BuildLog
		if err := rows.Scan(&l.ID, &l.Build, &l.Step, &l.Generator, &l.Orderno, &l.Filename); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return logs, nil
}

// LogMessages reads back the messages of one log from its file.
func (s *SQLiteStore) LogMessages(ctx context.Context, id int64) ([]model.LogMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filename string
	err := s.db.QueryRowContext(ctx, `SELECT filename FROM logs WHERE id = ?`, id).Scan(&filename)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query log: %w", err)
	}
	if filename == "" || s.logsDir == "" {
		return nil, nil
	}
	return readLogFile(filepath.Join(s.logsDir, filename))
}

// DeleteLogs removes the log rows and files of a build.
func (s *SQLiteStore) DeleteLogs(ctx context.Context, build int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filenames, err := s.logFilenames(ctx, build)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM logs WHERE build = ?`, build); err != nil {
		return fmt.Errorf("delete logs: %w", err)
	}
	s.removeLogFiles(filenames)
	return nil
}

// InsertReport stores a report with its free-form items.
func (s *SQLiteStore) InsertReport(ctx context.Context, report *model.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := json.Marshal(orEmptyItems(report.Items))
	if err != nil {
		return fmt.Errorf("marshal report items: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (build, step, category, generator, items) VALUES (?, ?, ?, ?, ?)`,
		report.Build, report.Step, report.Category, report.Generator, string(items))
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	report.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("report id: %w", err)
	}
	return nil
}

// Reports retrieves the reports of a build.
func (s *SQLiteStore) Reports(ctx context.Context, build int64) ([]model.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, build, step, category, generator, items
		 FROM reports WHERE build = ? ORDER BY id`, build)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var reports []model.Report
	for rows.Next() {
		var r model.Report
		var itemsJSON string
		if err := rows.Scan(&r.ID, &r.Build, &r.Step, &r.Category, &r.Generator, &itemsJSON); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		if err := json.Unmarshal([]byte(itemsJSON), &r.Items); err != nil {
			return nil, fmt.Errorf("unmarshal report items: %w", err)
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return reports, nil
}

// DeleteReports removes the reports of a build.
func (s *SQLiteStore) DeleteReports(ctx context.Context, build int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE build = ?`, build); err != nil {
		return fmt.Errorf("delete reports: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) logFilenames(ctx context.Context, build int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT filename FROM logs WHERE build = ? AND filename != ''`, build)
	if err != nil {
		return nil, fmt.Errorf("query log files: %w", err)
	}
	defer rows.Close()

	var filenames []string
	for rows.Next() {
		var fn string
		if err := rows.Scan(&fn); err != nil {
			return nil, fmt.Errorf("scan log file: %w", err)
		}
		filenames = append(filenames, fn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return filenames, nil
}

func (s *SQLiteStore) removeLogFiles(filenames []string) {
	if s.logsDir == "" {
		return
	}
	for _, fn := range filenames {
		// Already-gone files are fine.
		_ = os.Remove(filepath.Join(s.logsDir, fn))
	}
}

const buildSelect = `SELECT id, project, config, rev, rev_time, platform, slave, slave_info, status, started, stopped, last_activity FROM builds`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*model.BuildConfig, error) {
	var c model.BuildConfig
	err := row.Scan(&c.Project, &c.Name, &c.Label, &c.Path, &c.Active,
		&c.Recipe, &c.MinRev, &c.MaxRev, &c.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan config: %w", err)
	}
	return &c, nil
}

func scanPlatform(row rowScanner) (*model.TargetPlatform, error) {
	var p model.TargetPlatform
	var rules string
	err := row.Scan(&p.ID, &p.Project, &p.Config, &p.Name, &rules)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan platform: %w", err)
	}
	if err := json.Unmarshal([]byte(rules), &p.Rules); err != nil {
		return nil, fmt.Errorf("unmarshal rules: %w", err)
	}
	return &p, nil
}

func scanBuild(row rowScanner) (*model.Build, error) {
	var b model.Build
	var status, info string
	err := row.Scan(&b.ID, &b.Project, &b.Config, &b.Rev, &b.RevTime, &b.Platform,
		&b.Slave, &info, &status, &b.Started, &b.Stopped, &b.LastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan build: %w", err)
	}
	b.Status = model.BuildStatus(status)
	if err := json.Unmarshal([]byte(info), &b.SlaveInfo); err != nil {
		return nil, fmt.Errorf("unmarshal slave info: %w", err)
	}
	return &b, nil
}

func scanBuilds(rows *sql.Rows) ([]*model.Build, error) {
	var builds []*model.Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return builds, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyItems(items []map[string]string) []map[string]string {
	if items == nil {
		return []map[string]string{}
	}
	return items
}
