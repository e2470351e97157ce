package bridge

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
)

// ErrUnsupported is returned by device capabilities the platform lacks.
var ErrUnsupported = errors.New("capability not supported on this device")

// Question is handed to the device when the guest asks the user something.
// The answer comes back through Server.Resolve(ID, answer).
type Question struct {
	ID      string   `json:"id"`
	Type    string   `json:"type"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options,omitempty"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// Device is the presentation side of the bridge. Calls arrive on RPC worker
// goroutines and must not block on the user, except through AskUser's
// asynchronous answer.
type Device interface {
	RenderUI(ctx context.Context, ui json.RawMessage) (string, error)
	UpdateUI(ctx context.Context, patch json.RawMessage) (string, error)
	Location(ctx context.Context) (Location, error)
	Authorize(ctx context.Context, capability, reason string) (bool, error)
	AskUser(ctx context.Context, q Question)
	RunScript(ctx context.Context, script *Script, args json.RawMessage) (string, error)
	RunBundle(ctx context.Context, bundle *Bundle, entry string, args json.RawMessage, trace func(string)) (string, error)
	ShowView(ctx context.Context, view *View) error
	PopView(ctx context.Context, name string) error
	InvalidateView(ctx context.Context, name string) error
}

// Headless is the Device used when no presentation layer is attached. It
// renders nothing, denies authorization and cannot execute code; questions
// are logged and only answered if someone calls Server.Resolve.
type Headless struct {
	Logger *zap.Logger
}

func (d Headless) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d Headless) RenderUI(_ context.Context, ui json.RawMessage) (string, error) {
	d.logger().Debug("render_ui ignored", zap.Int("bytes", len(ui)))
	return "rendered (headless)", nil
}

func (d Headless) UpdateUI(_ context.Context, patch json.RawMessage) (string, error) {
	d.logger().Debug("update_ui ignored", zap.Int("bytes", len(patch)))
	return "updated (headless)", nil
}

func (Headless) Location(context.Context) (Location, error) { return Location{}, ErrUnsupported }

func (Headless) Authorize(context.Context, string, string) (bool, error) { return false, nil }

func (d Headless) AskUser(_ context.Context, q Question) {
	d.logger().Info("question for the user",
		zap.String("id", q.ID), zap.String("type", q.Type), zap.String("prompt", q.Prompt), zap.Strings("options", q.Options))
}

func (Headless) RunScript(context.Context, *Script, json.RawMessage) (string, error) {
	return "", ErrUnsupported
}

func (Headless) RunBundle(_ context.Context, _ *Bundle, _ string, _ json.RawMessage, trace func(string)) (string, error) {
	trace("no bundle runtime on a headless device")
	return "", ErrUnsupported
}

func (Headless) ShowView(context.Context, *View) error { return nil }

func (Headless) PopView(context.Context, string) error { return nil }

func (Headless) InvalidateView(context.Context, string) error { return nil }
