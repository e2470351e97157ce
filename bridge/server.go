// Package bridge serves device capabilities to the guest as JSON-RPC tools
// on a loopback HTTP listener.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxRequestBody bounds one JSON-RPC request.
const maxRequestBody = 4 << 20

// Config is the user-facing bridge configuration.
type Config struct {
	// Addr must be a loopback host:port; port 0 picks a free port.
	Addr          string        `json:"addr" validate:"required,loopback"`
	DBPath        string        `json:"db_path" validate:"required"`
	AskTimeout    time.Duration `json:"ask_timeout" validate:"gte=0"`
	ServerName    string        `json:"server_name" validate:"required"`
	ServerVersion string        `json:"server_version" validate:"required"`
	// HoldConnections answers ask_user by parking the TCP connection until
	// the answer arrives instead of blocking an RPC worker.
	HoldConnections bool `json:"hold_connections"`
}

func DefaultConfig() Config {
	return Config{
		Addr:          "127.0.0.1:0",
		DBPath:        ":memory:",
		AskTimeout:    DefaultAskTimeout,
		ServerName:    "wazero-agenthost",
		ServerVersion: "0.1.0",
	}
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("bridge config: %w", err)
	}
	return nil
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.logger = l } }

func WithDevice(d Device) Option { return func(s *Server) { s.device = d } }

// WithStore uses an already open store; the server then does not close it.
func WithStore(st *Store) Option { return func(s *Server) { s.store, s.ownStore = st, false } }

// WithForward sends every request that is not JSON-RPC to h, typically the
// guest's wasi:http incoming handler.
func WithForward(h http.Handler) Option { return func(s *Server) { s.Mount(h) } }

// heldConn is an ask_user request whose connection was taken over from
// net/http and is answered once the user replies.
type heldConn struct {
	conn  net.Conn
	rw    *bufio.ReadWriter
	reqID json.RawMessage
	timer *time.Timer
}

type Server struct {
	cfg      Config
	logger   *zap.Logger
	device   Device
	store    *Store
	ownStore bool

	fwdMu   sync.RWMutex
	forward http.Handler

	tools []*Tool
	index map[string]*Tool

	waiters *Waiters
	heldMu  sync.Mutex
	held    map[string]*heldConn
	views   viewStack

	baseCtx context.Context
	cancel  context.CancelFunc
	runs    sync.WaitGroup

	ln  net.Listener
	srv *http.Server
}

func New(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	if cfg.AskTimeout == 0 {
		cfg.AskTimeout = DefaultAskTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		logger:   zap.NewNop(),
		ownStore: true,
		waiters:  NewWaiters(),
		held:     make(map[string]*heldConn),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.device == nil {
		s.device = Headless{Logger: s.logger}
	}
	if s.store == nil {
		st, err := OpenStore(ctx, cfg.DBPath, s.logger)
		if err != nil {
			return nil, err
		}
		s.store = st
	}
	s.baseCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	s.index = make(map[string]*Tool)
	for _, group := range [][]*Tool{s.deviceTools(), s.scriptTools(), s.bundleTools(), s.viewTools()} {
		for _, t := range group {
			s.tools = append(s.tools, t)
			s.index[t.Name] = t
		}
	}
	return s, nil
}

func (s *Server) Tools() []*Tool { return s.tools }

// Mount replaces the handler for requests that are not JSON-RPC. A guest
// loaded after the bridge started mounts its incoming handler here.
func (s *Server) Mount(h http.Handler) {
	s.fwdMu.Lock()
	s.forward = h
	s.fwdMu.Unlock()
}

func (s *Server) Store() *Store { return s.store }

// Start listens on the configured address and serves on a background
// goroutine. net/http handles each connection on its own goroutine, so a
// blocked ask_user never delays accepting.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("bridge listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("bridge server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("bridge listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound address, empty before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) URL() string { return "http://" + s.Addr() }

// Resolve answers the pending ask_user request id. It reports false when id
// is unknown or was already answered or timed out.
func (s *Server) Resolve(id, answer string) bool {
	if s.waiters.Resolve(id, answer) {
		return true
	}
	return s.finishHeld(id, textResult(answer))
}

// Close stops serving, fails every held ask_user, waits for bundle runs and
// closes the store it opened.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	// unblocks ask_user workers so Shutdown does not wait on them
	s.cancel()
	if s.srv != nil {
		errs = append(errs, s.srv.Shutdown(ctx))
	}
	s.heldMu.Lock()
	ids := make([]string, 0, len(s.held))
	for id := range s.held {
		ids = append(ids, id)
	}
	s.heldMu.Unlock()
	for _, id := range ids {
		s.finishHeld(id, errorResult(errors.New("bridge shutting down")))
	}
	s.runs.Wait()
	if s.ownStore {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || (r.URL.Path != "/" && r.URL.Path != "/mcp") {
		s.fwdMu.RLock()
		fwd := s.forward
		s.fwdMu.RUnlock()
		if fwd != nil {
			fwd.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, failure(nil, newError(CodeParseError, "parse error: %v", err)))
		return
	}
	if req.Method == "" {
		writeJSON(w, failure(req.ID, newError(CodeInvalidRequest, "missing method")))
		return
	}
	s.logger.Debug("rpc", zap.String("method", req.Method))

	if s.cfg.HoldConnections && !req.IsNotification() && req.Method == "tools/call" {
		var p callParams
		if json.Unmarshal(req.Params, &p) == nil && p.Name == "ask_user" {
			s.holdAskUser(w, &req, p.Arguments)
			return
		}
	}

	resp := s.Dispatch(r.Context(), &req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Dispatch handles one request. Notifications yield nil.
func (s *Server) Dispatch(ctx context.Context, req *Request) *Response {
	result, rpcErr := s.dispatch(ctx, req)
	if req.IsNotification() || strings.HasPrefix(req.Method, "notifications/") {
		return nil
	}
	if rpcErr != nil {
		return failure(req.ID, rpcErr)
	}
	return success(req.ID, result)
}

func (s *Server) dispatch(ctx context.Context, req *Request) (any, *Error) {
	empty := map[string]any{}
	switch req.Method {
	case "initialize":
		return initializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    map[string]any{"tools": empty, "resources": empty, "prompts": empty, "logging": empty},
			ServerInfo:      serverInfo{Name: s.cfg.ServerName, Version: s.cfg.ServerVersion},
		}, nil
	case "initialized", "notifications/initialized", "ping", "logging/setLevel", "notifications/cancelled":
		return empty, nil
	case "tools/list":
		return map[string]any{"tools": s.tools}, nil
	case "tools/call":
		var p callParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				return nil, newError(CodeInvalidParams, "invalid params: %v", err)
			}
		}
		if p.Name == "" {
			return nil, newError(CodeInvalidParams, "Missing tool name")
		}
		return s.CallTool(ctx, p.Name, p.Arguments), nil
	case "resources/list":
		return map[string]any{"resources": []any{}}, nil
	case "resources/templates/list":
		return map[string]any{"resourceTemplates": []any{}}, nil
	case "resources/read":
		return nil, newError(CodeMethodNotFound, "Resources not supported")
	case "prompts/list":
		return map[string]any{"prompts": []any{}}, nil
	case "prompts/get":
		return nil, newError(CodeMethodNotFound, "No prompts available")
	default:
		return nil, newError(CodeMethodNotFound, "Method not found: %s", req.Method)
	}
}

// CallTool runs a tool. Every failure, including an unknown name, is an
// isError result rather than a JSON-RPC error.
func (s *Server) CallTool(ctx context.Context, name string, args json.RawMessage) *ToolResult {
	t, ok := s.index[name]
	if !ok {
		return errorResult(fmt.Errorf("unknown tool: %s", name))
	}
	text, err := t.call(ctx, args)
	if err != nil {
		s.logger.Debug("tool failed", zap.String("tool", name), zap.Error(err))
		return errorResult(err)
	}
	return textResult(text)
}

// holdAskUser takes the connection away from net/http and parks it until
// Resolve or the ask timeout writes the response and closes it.
func (s *Server) holdAskUser(w http.ResponseWriter, req *Request, raw json.RawMessage) {
	var a askUserArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &a); err != nil {
			writeJSON(w, success(req.ID, errorResult(fmt.Errorf("%w: %v", ErrInvalidArguments, err))))
			return
		}
	}
	if err := validate.Struct(&a); err != nil {
		writeJSON(w, success(req.ID, errorResult(fmt.Errorf("%w: %v", ErrInvalidArguments, err))))
		return
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		writeJSON(w, failure(req.ID, newError(CodeInternalError, "connection cannot be held")))
		return
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		s.logger.Warn("hijack failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	h := &heldConn{conn: conn, rw: rw, reqID: req.ID}
	s.heldMu.Lock()
	s.held[id] = h
	h.timer = time.AfterFunc(s.cfg.AskTimeout, func() {
		s.finishHeld(id, errorResult(fmt.Errorf("ask_user %s: %w", id, ErrAskTimeout)))
	})
	s.heldMu.Unlock()

	s.device.AskUser(s.baseCtx, a.question(id))
}

// finishHeld writes result on the held connection for id and closes it.
// Only the first caller for an id gets to write.
func (s *Server) finishHeld(id string, result *ToolResult) bool {
	s.heldMu.Lock()
	h, ok := s.held[id]
	delete(s.held, id)
	s.heldMu.Unlock()
	if !ok {
		return false
	}
	h.timer.Stop()
	defer h.conn.Close()

	body, err := json.Marshal(success(h.reqID, result))
	if err != nil {
		s.logger.Error("encode held response", zap.Error(err))
		return true
	}
	fmt.Fprintf(h.rw, "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: %d\r\nConnection: close\r\n\r\n", len(body))
	h.rw.Write(body)
	if err := h.rw.Flush(); err != nil {
		s.logger.Debug("held connection gone", zap.String("id", id), zap.Error(err))
	}
	return true
}
