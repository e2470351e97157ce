package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDevice records what the bridge asks of the device.
type testDevice struct {
	Headless
	questions chan Question

	mu     sync.Mutex
	shown  []string
	popped []string
}

func newTestDevice() *testDevice {
	return &testDevice{questions: make(chan Question, 4)}
}

func (d *testDevice) AskUser(_ context.Context, q Question) { d.questions <- q }

func (d *testDevice) RunBundle(_ context.Context, b *Bundle, entry string, _ json.RawMessage, trace func(string)) (string, error) {
	trace("evaluating " + entry)
	return "ran " + b.Files[entry], nil
}

func (d *testDevice) ShowView(_ context.Context, v *View) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shown = append(d.shown, v.Name)
	return nil
}

func (d *testDevice) PopView(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.popped = append(d.popped, name)
	return nil
}

func newTestServer(t *testing.T, d Device, edit ...func(*Config)) *Server {
	t.Helper()
	cfg := DefaultConfig()
	for _, e := range edit {
		e(&cfg)
	}
	s, err := New(context.Background(), cfg, WithDevice(d))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Close(ctx))
	})
	return s
}

type rawResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

func post(t *testing.T, s *Server, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(s.URL()+"/mcp", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

func rpc(t *testing.T, s *Server, method string, params any) rawResponse {
	t.Helper()
	req := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		req["params"] = params
	}
	b, err := json.Marshal(req)
	require.NoError(t, err)
	_, body := post(t, s, string(b))
	var resp rawResponse
	require.NoError(t, json.Unmarshal(body, &resp), string(body))
	return resp
}

func callTool(t *testing.T, s *Server, name string, args any) ToolResult {
	t.Helper()
	resp := rpc(t, s, "tools/call", map[string]any{"name": name, "arguments": args})
	require.Nil(t, resp.Error)
	var res ToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	require.Len(t, res.Content, 1)
	assert.Equal(t, "text", res.Content[0].Type)
	return res
}

func okText(t *testing.T, res ToolResult) string {
	t.Helper()
	require.False(t, res.IsError, res.Content[0].Text)
	return res.Content[0].Text
}

func TestConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Addr = "0.0.0.0:8080"
	assert.Error(t, cfg.Validate(), "only loopback addresses are served")
	cfg.Addr = "localhost:0"
	assert.NoError(t, cfg.Validate())
	cfg.ServerName = ""
	assert.Error(t, cfg.Validate())
}

func TestProtocol(t *testing.T) {
	s := newTestServer(t, Headless{})

	init := rpc(t, s, "initialize", map[string]any{})
	require.Nil(t, init.Error)
	var info initializeResult
	require.NoError(t, json.Unmarshal(init.Result, &info))
	assert.Equal(t, ProtocolVersion, info.ProtocolVersion)
	assert.Equal(t, "wazero-agenthost", info.ServerInfo.Name)
	assert.Contains(t, info.Capabilities, "tools")

	for method, want := range map[string]string{
		"ping":                     `{}`,
		"initialized":              `{}`,
		"logging/setLevel":         `{}`,
		"resources/list":           `{"resources":[]}`,
		"resources/templates/list": `{"resourceTemplates":[]}`,
		"prompts/list":             `{"prompts":[]}`,
	} {
		resp := rpc(t, s, method, nil)
		require.Nil(t, resp.Error, method)
		assert.JSONEq(t, want, string(resp.Result), method)
	}

	for _, method := range []string{"resources/read", "prompts/get", "no/such/method"} {
		resp := rpc(t, s, method, nil)
		require.NotNil(t, resp.Error, method)
		assert.Equal(t, CodeMethodNotFound, resp.Error.Code, method)
	}

	t.Run("parse error", func(t *testing.T) {
		_, body := post(t, s, "{")
		var resp rawResponse
		require.NoError(t, json.Unmarshal(body, &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeParseError, resp.Error.Code)
		assert.Equal(t, "null", string(resp.ID))
	})

	t.Run("notification has no body", func(t *testing.T) {
		resp, body := post(t, s, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Empty(t, body)
	})

	t.Run("missing tool name", func(t *testing.T) {
		resp := rpc(t, s, "tools/call", map[string]any{"arguments": map[string]any{}})
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeInvalidParams, resp.Error.Code)
	})

	t.Run("non rpc paths", func(t *testing.T) {
		resp, err := http.Get(s.URL() + "/index.html")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestForward(t *testing.T) {
	cfg := DefaultConfig()
	s, err := New(context.Background(), cfg, WithForward(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "guest:"+r.URL.Path)
	})))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	resp, err := http.Get(s.URL() + "/app")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "guest:/app", string(b))
}

func TestToolsList(t *testing.T) {
	s := newTestServer(t, Headless{})
	resp := rpc(t, s, "tools/list", nil)
	require.Nil(t, resp.Error)

	var list struct {
		Tools []struct {
			Name        string         `json:"name"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &list))
	var names []string
	for _, tool := range list.Tools {
		names = append(names, tool.Name)
		assert.Equal(t, "object", tool.InputSchema["type"], tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"render_ui", "update_ui", "get_location", "request_authorization", "ask_user",
		"save_script", "list_scripts", "get_script", "run_script",
		"bundle_get", "bundle_put", "bundle_patch", "bundle_run", "bundle_run_status",
		"bundle_repair_trace", "bundle_export", "bundle_import", "bundle_clone",
		"register_view", "show_view", "update_view_data", "update_template", "pop_view",
		"invalidate_view", "invalidate_view_all", "query_views", "sqlite_query",
	}, names)

	for _, tool := range list.Tools {
		if tool.Name == "ask_user" {
			assert.Contains(t, tool.InputSchema["required"], "prompt")
		}
	}
}

func TestDeviceTools(t *testing.T) {
	s := newTestServer(t, Headless{})

	assert.Equal(t, "rendered (headless)", okText(t, callTool(t, s, "render_ui", map[string]any{"ui": map[string]any{"type": "text"}})))

	res := callTool(t, s, "render_ui", map[string]any{})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, ErrInvalidArguments.Error())

	res = callTool(t, s, "get_location", nil)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, ErrUnsupported.Error())

	assert.JSONEq(t, `{"capability":"camera","granted":false}`,
		okText(t, callTool(t, s, "request_authorization", map[string]any{"capability": "camera"})))

	res = callTool(t, s, "no_such_tool", nil)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "unknown tool")
}

func TestScriptTools(t *testing.T) {
	s := newTestServer(t, Headless{})

	res := callTool(t, s, "save_script", map[string]any{"name": "hello"})
	assert.True(t, res.IsError, "source is required")

	okText(t, callTool(t, s, "save_script", map[string]any{"name": "hello", "source": "print(1)", "description": "greets"}))

	var list []Script
	require.NoError(t, json.Unmarshal([]byte(okText(t, callTool(t, s, "list_scripts", nil))), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "hello", list[0].Name)
	assert.Empty(t, list[0].Source)

	var sc Script
	require.NoError(t, json.Unmarshal([]byte(okText(t, callTool(t, s, "get_script", map[string]any{"name": "hello"}))), &sc))
	assert.Equal(t, "print(1)", sc.Source)

	assert.True(t, callTool(t, s, "get_script", map[string]any{"name": "nope"}).IsError)
	assert.True(t, callTool(t, s, "run_script", map[string]any{"name": "hello"}).IsError, "headless cannot run scripts")

	okText(t, callTool(t, s, "sqlite_query", map[string]any{"sql": "CREATE TABLE kv (k TEXT, v INTEGER)"}))
	assert.JSONEq(t, `{"rowsAffected":1}`,
		okText(t, callTool(t, s, "sqlite_query", map[string]any{"sql": "INSERT INTO kv VALUES (?, ?)", "params": []any{"a", 1}})))
	assert.JSONEq(t, `[{"k":"a","v":1}]`,
		okText(t, callTool(t, s, "sqlite_query", map[string]any{"sql": "SELECT k, v FROM kv"})))
	assert.True(t, callTool(t, s, "sqlite_query", map[string]any{"sql": "SELECT * FROM missing"}).IsError)
}

func TestBundleTools(t *testing.T) {
	s := newTestServer(t, newTestDevice())

	var put struct{ Name, Revision string }
	require.NoError(t, json.Unmarshal([]byte(okText(t, callTool(t, s, "bundle_put", map[string]any{
		"name": "app", "files": map[string]string{"main.js": "go()"},
	}))), &put))
	assert.Equal(t, Revision(map[string]string{"main.js": "go()"}), put.Revision)

	res := callTool(t, s, "bundle_put", map[string]any{"name": "app", "files": map[string]string{}, "revision": "bogus"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, ErrRevisionConflict.Error())

	okText(t, callTool(t, s, "bundle_patch", map[string]any{
		"name": "app", "revision": put.Revision,
		"patches": []map[string]any{{"path": "util.js", "content": "1"}},
	}))
	assert.True(t, callTool(t, s, "bundle_patch", map[string]any{"name": "app", "patches": []any{}}).IsError)

	doc := okText(t, callTool(t, s, "bundle_export", map[string]any{"name": "app"}))
	okText(t, callTool(t, s, "bundle_import", map[string]any{"document": doc, "name": "copy"}))
	okText(t, callTool(t, s, "bundle_clone", map[string]any{"source": "copy", "target": "copy2"}))
	assert.True(t, callTool(t, s, "bundle_clone", map[string]any{"source": "a", "target": "a"}).IsError)

	var b Bundle
	require.NoError(t, json.Unmarshal([]byte(okText(t, callTool(t, s, "bundle_get", map[string]any{"name": "copy2"}))), &b))
	assert.Equal(t, map[string]string{"main.js": "go()", "util.js": "1"}, b.Files)

	var started struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(okText(t, callTool(t, s, "bundle_run", map[string]any{"name": "app"}))), &started))
	require.NotEmpty(t, started.RunID)

	var run BundleRun
	require.Eventually(t, func() bool {
		res := callTool(t, s, "bundle_run_status", map[string]any{"run_id": started.RunID})
		return !res.IsError && json.Unmarshal([]byte(res.Content[0].Text), &run) == nil && run.Status != RunRunning
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, RunSucceeded, run.Status)
	assert.Equal(t, "ran go()", run.Output)

	trace := okText(t, callTool(t, s, "bundle_repair_trace", map[string]any{"run_id": started.RunID}))
	assert.Contains(t, trace, "evaluating main.js")
	assert.Contains(t, trace, "finished")

	assert.True(t, callTool(t, s, "bundle_run", map[string]any{"name": "app", "entry": "nope.js"}).IsError)
	assert.True(t, callTool(t, s, "bundle_run_status", map[string]any{"run_id": "not-a-uuid"}).IsError)
}

func TestViewTools(t *testing.T) {
	d := newTestDevice()
	s := newTestServer(t, d)

	okText(t, callTool(t, s, "register_view", map[string]any{"name": "home", "template": "<p>{{.title}}</p>"}))
	okText(t, callTool(t, s, "register_view", map[string]any{"name": "settings", "template": "<form/>"}))
	assert.True(t, callTool(t, s, "show_view", map[string]any{"name": "missing"}).IsError)

	okText(t, callTool(t, s, "show_view", map[string]any{"name": "home", "data": map[string]any{"title": "hi"}}))
	assert.Contains(t, okText(t, callTool(t, s, "update_view_data", map[string]any{"name": "home", "data": map[string]any{"title": "yo"}})), "re-rendered")
	assert.NotContains(t, okText(t, callTool(t, s, "update_template", map[string]any{"name": "settings", "template": "<div/>"})), "re-rendered")

	var views []struct {
		Name    string          `json:"name"`
		Data    json.RawMessage `json:"data"`
		Visible bool            `json:"visible"`
	}
	require.NoError(t, json.Unmarshal([]byte(okText(t, callTool(t, s, "query_views", map[string]any{"visible_only": true}))), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "home", views[0].Name)
	assert.JSONEq(t, `{"title":"yo"}`, string(views[0].Data))

	assert.Contains(t, okText(t, callTool(t, s, "invalidate_view_all", nil)), "settings")
	assert.True(t, callTool(t, s, "invalidate_view", map[string]any{"name": "missing"}).IsError)

	assert.Contains(t, okText(t, callTool(t, s, "pop_view", nil)), `"popped":"home"`)
	assert.Equal(t, "no view to pop", okText(t, callTool(t, s, "pop_view", nil)))

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, []string{"home"}, d.shown)
	assert.Equal(t, []string{"home"}, d.popped)
}

func TestAskUser(t *testing.T) {
	for _, hold := range []bool{false, true} {
		name := "semaphore"
		if hold {
			name = "held connection"
		}
		t.Run(name, func(t *testing.T) {
			d := newTestDevice()
			s := newTestServer(t, d, func(c *Config) { c.HoldConnections = hold })

			results := make(chan ToolResult, 1)
			go func() {
				results <- callTool(t, s, "ask_user", map[string]any{"type": "choice", "prompt": "Proceed?", "options": []string{"yes", "no"}})
			}()

			var q Question
			select {
			case q = <-d.questions:
			case <-time.After(5 * time.Second):
				t.Fatal("device never asked")
			}
			assert.Equal(t, "Proceed?", q.Prompt)
			assert.Equal(t, []string{"yes", "no"}, q.Options)

			assert.True(t, s.Resolve(q.ID, "yes"))
			assert.False(t, s.Resolve(q.ID, "no"), "answered once")
			assert.False(t, s.Resolve("unknown", "yes"))

			res := <-results
			assert.Equal(t, "yes", okText(t, res))
		})

		t.Run(name+" timeout", func(t *testing.T) {
			d := newTestDevice()
			s := newTestServer(t, d, func(c *Config) {
				c.HoldConnections = hold
				c.AskTimeout = 50 * time.Millisecond
			})

			res := callTool(t, s, "ask_user", map[string]any{"prompt": "Anyone?"})
			assert.True(t, res.IsError)
			assert.Contains(t, res.Content[0].Text, ErrAskTimeout.Error())

			q := <-d.questions
			assert.Equal(t, "text", q.Type)
			assert.False(t, s.Resolve(q.ID, "late"))
			assert.Zero(t, s.waiters.Len())
		})
	}

	t.Run("choice needs options", func(t *testing.T) {
		s := newTestServer(t, newTestDevice(), func(c *Config) { c.HoldConnections = true })
		res := callTool(t, s, "ask_user", map[string]any{"type": "choice", "prompt": "Pick"})
		assert.True(t, res.IsError)
	})
}

func TestDispatchDirect(t *testing.T) {
	s, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	assert.Nil(t, s.Dispatch(context.Background(), &Request{Method: "notifications/cancelled"}))
	resp := s.Dispatch(context.Background(), &Request{ID: json.RawMessage(`"a"`), Method: "ping"})
	require.NotNil(t, resp)
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(resp))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"a","result":{}}`, buf.String())
}
