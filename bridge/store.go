package bridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrRevisionConflict = errors.New("bundle revision does not match")
)

const schema = `
CREATE TABLE IF NOT EXISTS scripts (
	name        TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS bundles (
	name       TEXT PRIMARY KEY,
	revision   TEXT NOT NULL,
	files      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS bundle_runs (
	id          TEXT PRIMARY KEY,
	bundle      TEXT NOT NULL,
	revision    TEXT NOT NULL,
	entry       TEXT NOT NULL,
	status      TEXT NOT NULL,
	output      TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	finished_at INTEGER
);
CREATE TABLE IF NOT EXISTS bundle_traces (
	run_id  TEXT NOT NULL,
	seq     INTEGER NOT NULL,
	at      INTEGER NOT NULL,
	message TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS views (
	name        TEXT PRIMARY KEY,
	template    TEXT NOT NULL,
	data        TEXT NOT NULL DEFAULT 'null',
	invalidated INTEGER NOT NULL DEFAULT 0,
	updated_at  INTEGER NOT NULL
);`

type Script struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Source      string    `json:"source"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Bundle is a named set of files. Its revision is derived from the content,
// so two bundles with the same files share a revision.
type Bundle struct {
	Name      string            `json:"name"`
	Revision  string            `json:"revision"`
	Files     map[string]string `json:"files"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Revision hashes files in path order.
func Revision(files map[string]string) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	h := xxhash.New()
	for _, p := range paths {
		h.WriteString(p)
		h.Write([]byte{0})
		h.WriteString(files[p])
		h.Write([]byte{0})
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// FilePatch replaces Path with Content, or removes it when Delete is set.
type FilePatch struct {
	Path    string `json:"path" validate:"required"`
	Content string `json:"content,omitempty"`
	Delete  bool   `json:"delete,omitempty"`
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

type BundleRun struct {
	ID         string     `json:"id"`
	Bundle     string     `json:"bundle"`
	Revision   string     `json:"revision"`
	Entry      string     `json:"entry"`
	Status     RunStatus  `json:"status"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

type TraceEntry struct {
	Seq     int       `json:"seq"`
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// View is a registered template and the data it is rendered with.
type View struct {
	Name        string          `json:"name"`
	Template    string          `json:"template"`
	Data        json.RawMessage `json:"data"`
	Invalidated bool            `json:"invalidated"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Store persists scripts, bundles, bundle runs and views in SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// OpenStore opens (and creates if needed) the database at path. ":memory:"
// gives a private in-memory database.
func OpenStore(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	// one connection: keeps ":memory:" a single database and serializes writers
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create store schema: %w", err)
	}
	logger.Debug("store opened", zap.String("path", path))
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SaveScript(ctx context.Context, sc *Script) error {
	sc.UpdatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scripts (name, description, source, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET description = excluded.description, source = excluded.source, updated_at = excluded.updated_at`,
		sc.Name, sc.Description, sc.Source, millis(sc.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save script %s: %w", sc.Name, err)
	}
	return nil
}

func (s *Store) Script(ctx context.Context, name string) (*Script, error) {
	sc := &Script{Name: name}
	var updated int64
	err := s.db.QueryRowContext(ctx, `SELECT description, source, updated_at FROM scripts WHERE name = ?`, name).
		Scan(&sc.Description, &sc.Source, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("script %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	sc.UpdatedAt = fromMillis(updated)
	return sc, nil
}

// Scripts lists every script without its source.
func (s *Store) Scripts(ctx context.Context) ([]Script, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, description, updated_at FROM scripts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Script
	for rows.Next() {
		var sc Script
		var updated int64
		if err := rows.Scan(&sc.Name, &sc.Description, &updated); err != nil {
			return nil, err
		}
		sc.UpdatedAt = fromMillis(updated)
		out = append(out, sc)
	}
	return out, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadBundle(ctx context.Context, q queryer, name string) (*Bundle, error) {
	b := &Bundle{Name: name}
	var files string
	var updated int64
	err := q.QueryRowContext(ctx, `SELECT revision, files, updated_at FROM bundles WHERE name = ?`, name).
		Scan(&b.Revision, &files, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bundle %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(files), &b.Files); err != nil {
		return nil, fmt.Errorf("bundle %s: corrupt files: %w", name, err)
	}
	b.UpdatedAt = fromMillis(updated)
	return b, nil
}

func (s *Store) Bundle(ctx context.Context, name string) (*Bundle, error) {
	return loadBundle(ctx, s.db, name)
}

// PutBundle replaces the bundle's files. A non-empty expected revision must
// match the stored one; "" writes unconditionally.
func (s *Store) PutBundle(ctx context.Context, name string, files map[string]string, expected string) (*Bundle, error) {
	return s.updateBundle(ctx, name, expected, func(*Bundle) (map[string]string, error) { return files, nil })
}

// PatchBundle applies patches to an existing bundle.
func (s *Store) PatchBundle(ctx context.Context, name string, patches []FilePatch, expected string) (*Bundle, error) {
	return s.updateBundle(ctx, name, expected, func(cur *Bundle) (map[string]string, error) {
		if cur == nil {
			return nil, fmt.Errorf("bundle %s: %w", name, ErrNotFound)
		}
		files := make(map[string]string, len(cur.Files))
		for p, c := range cur.Files {
			files[p] = c
		}
		for _, p := range patches {
			if p.Delete {
				delete(files, p.Path)
				continue
			}
			files[p.Path] = p.Content
		}
		return files, nil
	})
}

func (s *Store) updateBundle(ctx context.Context, name, expected string, next func(cur *Bundle) (map[string]string, error)) (*Bundle, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cur, err := loadBundle(ctx, tx, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	current := ""
	if cur != nil {
		current = cur.Revision
	}
	if expected != "" && expected != current {
		return nil, fmt.Errorf("%w: have %q, expected %q", ErrRevisionConflict, current, expected)
	}
	files, err := next(cur)
	if err != nil {
		return nil, err
	}
	if files == nil {
		files = map[string]string{}
	}
	encoded, err := json.Marshal(files)
	if err != nil {
		return nil, err
	}
	b := &Bundle{Name: name, Revision: Revision(files), Files: files, UpdatedAt: s.now().UTC()}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO bundles (name, revision, files, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET revision = excluded.revision, files = excluded.files, updated_at = excluded.updated_at`,
		name, b.Revision, string(encoded), millis(b.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("write bundle %s: %w", name, err)
	}
	return b, tx.Commit()
}

func (s *Store) CreateRun(ctx context.Context, run *BundleRun) error {
	run.Status = RunRunning
	run.StartedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bundle_runs (id, bundle, revision, entry, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Bundle, run.Revision, run.Entry, run.Status, millis(run.StartedAt))
	return err
}

func (s *Store) FinishRun(ctx context.Context, id, output string, runErr error) error {
	status, msg := RunSucceeded, ""
	if runErr != nil {
		status, msg = RunFailed, runErr.Error()
	}
	return expectOne(s.db.ExecContext(ctx,
		`UPDATE bundle_runs SET status = ?, output = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, output, msg, millis(s.now()), id))
}

func (s *Store) Run(ctx context.Context, id string) (*BundleRun, error) {
	run := &BundleRun{ID: id}
	var started int64
	var finished sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT bundle, revision, entry, status, output, error, started_at, finished_at FROM bundle_runs WHERE id = ?`, id).
		Scan(&run.Bundle, &run.Revision, &run.Entry, &run.Status, &run.Output, &run.Error, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	run.StartedAt = fromMillis(started)
	if finished.Valid {
		t := fromMillis(finished.Int64)
		run.FinishedAt = &t
	}
	return run, nil
}

func (s *Store) AppendTrace(ctx context.Context, runID, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bundle_traces (run_id, seq, at, message)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM bundle_traces WHERE run_id = ?), ?, ?)`,
		runID, runID, millis(s.now()), message)
	return err
}

func (s *Store) Traces(ctx context.Context, runID string) ([]TraceEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, at, message FROM bundle_traces WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TraceEntry
	for rows.Next() {
		var e TraceEntry
		var at int64
		if err := rows.Scan(&e.Seq, &at, &e.Message); err != nil {
			return nil, err
		}
		e.At = fromMillis(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) RegisterView(ctx context.Context, v *View) error {
	if len(v.Data) == 0 {
		v.Data = json.RawMessage("null")
	}
	v.UpdatedAt = s.now().UTC()
	v.Invalidated = false
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO views (name, template, data, invalidated, updated_at) VALUES (?, ?, ?, 0, ?)
		 ON CONFLICT(name) DO UPDATE SET template = excluded.template, data = excluded.data, invalidated = 0, updated_at = excluded.updated_at`,
		v.Name, v.Template, string(v.Data), millis(v.UpdatedAt))
	return err
}

func (s *Store) View(ctx context.Context, name string) (*View, error) {
	v := &View{Name: name}
	var data string
	var updated int64
	err := s.db.QueryRowContext(ctx, `SELECT template, data, invalidated, updated_at FROM views WHERE name = ?`, name).
		Scan(&v.Template, &data, &v.Invalidated, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("view %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	v.Data = json.RawMessage(data)
	v.UpdatedAt = fromMillis(updated)
	return v, nil
}

func (s *Store) Views(ctx context.Context) ([]View, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, template, data, invalidated, updated_at FROM views ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []View
	for rows.Next() {
		var v View
		var data string
		var updated int64
		if err := rows.Scan(&v.Name, &v.Template, &data, &v.Invalidated, &updated); err != nil {
			return nil, err
		}
		v.Data = json.RawMessage(data)
		v.UpdatedAt = fromMillis(updated)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) UpdateViewData(ctx context.Context, name string, data json.RawMessage) error {
	return expectOne(s.db.ExecContext(ctx, `UPDATE views SET data = ?, updated_at = ? WHERE name = ?`,
		string(data), millis(s.now()), name))
}

func (s *Store) UpdateTemplate(ctx context.Context, name, template string) error {
	return expectOne(s.db.ExecContext(ctx, `UPDATE views SET template = ?, invalidated = 1, updated_at = ? WHERE name = ?`,
		template, millis(s.now()), name))
}

func (s *Store) InvalidateView(ctx context.Context, name string) error {
	return expectOne(s.db.ExecContext(ctx, `UPDATE views SET invalidated = 1 WHERE name = ?`, name))
}

// InvalidateAll marks every view and returns their names.
func (s *Store) InvalidateAll(ctx context.Context) ([]string, error) {
	if _, err := s.db.ExecContext(ctx, `UPDATE views SET invalidated = 1`); err != nil {
		return nil, err
	}
	views, err := s.Views(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(views))
	for i, v := range views {
		names[i] = v.Name
	}
	return names, nil
}

// Query runs an arbitrary statement. Statements that return rows come back
// as one map per row; anything else reports the affected row count.
func (s *Store) Query(ctx context.Context, query string, args ...any) (rows []map[string]any, affected int64, err error) {
	if !returnsRows(query) {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, 0, err
		}
		affected, err = res.RowsAffected()
		return nil, affected, err
	}

	r, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer r.Close()
	cols, err := r.Columns()
	if err != nil {
		return nil, 0, err
	}
	rows = []map[string]any{}
	for r.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := r.Scan(ptrs...); err != nil {
			return nil, 0, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				vals[i] = string(b)
			}
			row[c] = vals[i]
		}
		rows = append(rows, row)
	}
	return rows, 0, r.Err()
}

func returnsRows(query string) bool {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "WITH", "PRAGMA", "EXPLAIN", "VALUES":
		return true
	}
	return strings.Contains(strings.ToUpper(query), " RETURNING ")
}
