package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type renderUIArgs struct {
	UI json.RawMessage `json:"ui" validate:"required" jsonschema:"description=UI tree to render"`
}

type updateUIArgs struct {
	Patch json.RawMessage `json:"patch" validate:"required" jsonschema:"description=Patch applied to the current UI"`
}

type authorizationArgs struct {
	Capability string `json:"capability" validate:"required" jsonschema:"description=Capability to request, e.g. camera or location"`
	Reason     string `json:"reason,omitempty" jsonschema:"description=Shown to the user"`
}

type askUserArgs struct {
	Type    string   `json:"type,omitempty" validate:"omitempty,oneof=text choice confirm" jsonschema:"enum=text,enum=choice,enum=confirm"`
	Prompt  string   `json:"prompt" validate:"required"`
	Options []string `json:"options,omitempty" validate:"required_if=Type choice"`
}

func (s *Server) deviceTools() []*Tool {
	return []*Tool{
		newTool("render_ui", "Render a UI tree on the device.", func(ctx context.Context, a *renderUIArgs) (string, error) {
			return s.device.RenderUI(ctx, a.UI)
		}),
		newTool("update_ui", "Patch the UI currently on screen.", func(ctx context.Context, a *updateUIArgs) (string, error) {
			return s.device.UpdateUI(ctx, a.Patch)
		}),
		newTool("get_location", "Current device location.", func(ctx context.Context, _ *noArgs) (string, error) {
			loc, err := s.device.Location(ctx)
			if err != nil {
				return "", err
			}
			return jsonText(loc)
		}),
		newTool("request_authorization", "Ask the user to grant a capability.", func(ctx context.Context, a *authorizationArgs) (string, error) {
			granted, err := s.device.Authorize(ctx, a.Capability, a.Reason)
			if err != nil {
				return "", err
			}
			return jsonText(map[string]any{"capability": a.Capability, "granted": granted})
		}),
		newTool("ask_user", "Ask the user a question and wait for the answer.", s.askUser),
	}
}

func (a *askUserArgs) question(id string) Question {
	typ := a.Type
	if typ == "" {
		typ = "text"
	}
	return Question{ID: id, Type: typ, Prompt: a.Prompt, Options: a.Options}
}

// askUser blocks the calling RPC worker until the answer arrives or the ask
// timeout expires. The waiter exists before the device hears about it.
func (s *Server) askUser(ctx context.Context, a *askUserArgs) (string, error) {
	id := uuid.NewString()
	waiter, err := s.waiters.Register(id)
	if err != nil {
		return "", err
	}
	s.device.AskUser(ctx, a.question(id))

	answer, err := waiter.Wait(ctx, s.cfg.AskTimeout)
	if err != nil {
		s.logger.Info("ask_user unanswered", zap.String("id", id), zap.Error(err))
		return "", fmt.Errorf("ask_user %s: %w", id, err)
	}
	return answer, nil
}
