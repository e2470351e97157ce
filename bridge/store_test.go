package bridge

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenStore(context.Background(), filepath.Join(t.TempDir(), "bridge.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRevision(t *testing.T) {
	a := Revision(map[string]string{"a.js": "1", "b.js": "2"})
	assert.Equal(t, a, Revision(map[string]string{"b.js": "2", "a.js": "1"}))
	assert.NotEqual(t, a, Revision(map[string]string{"a.js": "12", "b.js": ""}), "path and content boundaries count")
	assert.NotEqual(t, a, Revision(map[string]string{"a.js": "1"}))
}

func TestStoreBundles(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	_, err := st.Bundle(ctx, "app")
	assert.ErrorIs(t, err, ErrNotFound)

	b, err := st.PutBundle(ctx, "app", map[string]string{"main.js": "run()"}, "")
	require.NoError(t, err)
	assert.Equal(t, Revision(b.Files), b.Revision)

	_, err = st.PutBundle(ctx, "app", map[string]string{"main.js": "x"}, "stale")
	assert.ErrorIs(t, err, ErrRevisionConflict)

	patched, err := st.PatchBundle(ctx, "app", []FilePatch{
		{Path: "lib.js", Content: "export {}"},
		{Path: "main.js", Delete: true},
	}, b.Revision)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"lib.js": "export {}"}, patched.Files)

	got, err := st.Bundle(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, patched.Revision, got.Revision)

	_, err = st.PatchBundle(ctx, "missing", []FilePatch{{Path: "a"}}, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreRuns(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	run := &BundleRun{ID: "r1", Bundle: "app", Revision: "1", Entry: "main.js"}
	require.NoError(t, st.CreateRun(ctx, run))
	require.NoError(t, st.AppendTrace(ctx, "r1", "one"))
	require.NoError(t, st.AppendTrace(ctx, "r1", "two"))
	require.NoError(t, st.FinishRun(ctx, "r1", "out", nil))

	got, err := st.Run(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, got.Status)
	assert.Equal(t, "out", got.Output)
	assert.NotNil(t, got.FinishedAt)

	trace, err := st.Traces(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, trace, 2)
	assert.Equal(t, 1, trace[0].Seq)
	assert.Equal(t, "two", trace[1].Message)

	assert.ErrorIs(t, st.FinishRun(ctx, "nope", "", nil), ErrNotFound)
}

func TestStoreViewsAndQuery(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	require.NoError(t, st.RegisterView(ctx, &View{Name: "home", Template: "<h1>{{.}}</h1>"}))
	require.NoError(t, st.UpdateViewData(ctx, "home", json.RawMessage(`"hi"`)))
	require.NoError(t, st.UpdateTemplate(ctx, "home", "<h2>{{.}}</h2>"))
	assert.ErrorIs(t, st.UpdateViewData(ctx, "other", json.RawMessage(`1`)), ErrNotFound)

	v, err := st.View(ctx, "home")
	require.NoError(t, err)
	assert.JSONEq(t, `"hi"`, string(v.Data))
	assert.True(t, v.Invalidated)

	_, affected, err := st.Query(ctx, "CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)")
	require.NoError(t, err)
	assert.Zero(t, affected)
	_, affected, err = st.Query(ctx, "INSERT INTO notes (body) VALUES (?), (?)", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), affected)

	rows, _, err := st.Query(ctx, "SELECT body FROM notes ORDER BY id")
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"body": "a"}, {"body": "b"}}, rows)
}
