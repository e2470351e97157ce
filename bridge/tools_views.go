package bridge

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
)

type registerViewArgs struct {
	Name     string          `json:"name" validate:"required"`
	Template string          `json:"template" validate:"required"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type showViewArgs struct {
	Name string          `json:"name" validate:"required"`
	Data json.RawMessage `json:"data,omitempty" jsonschema:"description=Replaces the view data before showing it"`
}

type viewDataArgs struct {
	Name string          `json:"name" validate:"required"`
	Data json.RawMessage `json:"data" validate:"required"`
}

type templateArgs struct {
	Name     string `json:"name" validate:"required"`
	Template string `json:"template" validate:"required"`
}

type viewNameArgs struct {
	Name string `json:"name" validate:"required"`
}

type queryViewsArgs struct {
	Prefix      string `json:"prefix,omitempty"`
	VisibleOnly bool   `json:"visible_only,omitempty"`
}

// viewStack is the navigation stack of shown views, top last.
type viewStack struct {
	mu    sync.Mutex
	names []string
}

func (v *viewStack) push(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.names = append(v.names, name)
}

func (v *viewStack) pop() (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.names) == 0 {
		return "", false
	}
	name := v.names[len(v.names)-1]
	v.names = v.names[:len(v.names)-1]
	return name, true
}

func (v *viewStack) contains(name string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Contains(v.names, name)
}

func (v *viewStack) snapshot() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.names)
}

type viewState struct {
	View
	Visible bool `json:"visible"`
}

func (s *Server) viewTools() []*Tool {
	return []*Tool{
		newTool("register_view", "Register or replace a view template.", func(ctx context.Context, a *registerViewArgs) (string, error) {
			if err := s.store.RegisterView(ctx, &View{Name: a.Name, Template: a.Template, Data: a.Data}); err != nil {
				return "", err
			}
			return "registered view " + a.Name, nil
		}),
		newTool("show_view", "Push a registered view onto the screen.", func(ctx context.Context, a *showViewArgs) (string, error) {
			if len(a.Data) > 0 {
				if err := s.store.UpdateViewData(ctx, a.Name, a.Data); err != nil {
					return "", err
				}
			}
			v, err := s.store.View(ctx, a.Name)
			if err != nil {
				return "", err
			}
			if err := s.device.ShowView(ctx, v); err != nil {
				return "", err
			}
			s.views.push(a.Name)
			return jsonText(map[string]any{"shown": a.Name, "stack": s.views.snapshot()})
		}),
		newTool("update_view_data", "Replace the data a view renders.", func(ctx context.Context, a *viewDataArgs) (string, error) {
			if err := s.store.UpdateViewData(ctx, a.Name, a.Data); err != nil {
				return "", err
			}
			return s.refresh(ctx, a.Name)
		}),
		newTool("update_template", "Replace a view's template.", func(ctx context.Context, a *templateArgs) (string, error) {
			if err := s.store.UpdateTemplate(ctx, a.Name, a.Template); err != nil {
				return "", err
			}
			return s.refresh(ctx, a.Name)
		}),
		newTool("pop_view", "Go back to the previous view.", func(ctx context.Context, _ *noArgs) (string, error) {
			name, ok := s.views.pop()
			if !ok {
				return "no view to pop", nil
			}
			if err := s.device.PopView(ctx, name); err != nil {
				return "", err
			}
			return jsonText(map[string]any{"popped": name, "stack": s.views.snapshot()})
		}),
		newTool("invalidate_view", "Force a view to render again.", func(ctx context.Context, a *viewNameArgs) (string, error) {
			if err := s.store.InvalidateView(ctx, a.Name); err != nil {
				return "", err
			}
			if err := s.device.InvalidateView(ctx, a.Name); err != nil {
				return "", err
			}
			return "invalidated " + a.Name, nil
		}),
		newTool("invalidate_view_all", "Force every view to render again.", func(ctx context.Context, _ *noArgs) (string, error) {
			names, err := s.store.InvalidateAll(ctx)
			if err != nil {
				return "", err
			}
			for _, name := range names {
				if err := s.device.InvalidateView(ctx, name); err != nil {
					return "", err
				}
			}
			return jsonText(map[string]any{"invalidated": names})
		}),
		newTool("query_views", "List registered views and whether they are on screen.", func(ctx context.Context, a *queryViewsArgs) (string, error) {
			views, err := s.store.Views(ctx)
			if err != nil {
				return "", err
			}
			out := []viewState{}
			for _, v := range views {
				if !strings.HasPrefix(v.Name, a.Prefix) {
					continue
				}
				visible := s.views.contains(v.Name)
				if a.VisibleOnly && !visible {
					continue
				}
				out = append(out, viewState{View: v, Visible: visible})
			}
			return jsonText(out)
		}),
	}
}

// refresh re-renders name if it is on screen.
func (s *Server) refresh(ctx context.Context, name string) (string, error) {
	if !s.views.contains(name) {
		return "updated " + name, nil
	}
	if err := s.device.InvalidateView(ctx, name); err != nil {
		return "", err
	}
	return "updated and re-rendered " + name, nil
}
