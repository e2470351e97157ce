package bridge

import (
	"context"
	"encoding/json"
)

type saveScriptArgs struct {
	Name        string `json:"name" validate:"required,max=128"`
	Source      string `json:"source" validate:"required"`
	Description string `json:"description,omitempty"`
}

type scriptNameArgs struct {
	Name string `json:"name" validate:"required"`
}

type runScriptArgs struct {
	Name string          `json:"name" validate:"required"`
	Args json.RawMessage `json:"args,omitempty"`
}

type sqliteQueryArgs struct {
	SQL    string `json:"sql" validate:"required"`
	Params []any  `json:"params,omitempty"`
}

func (s *Server) scriptTools() []*Tool {
	return []*Tool{
		newTool("save_script", "Save or replace a named script.", func(ctx context.Context, a *saveScriptArgs) (string, error) {
			sc := &Script{Name: a.Name, Source: a.Source, Description: a.Description}
			if err := s.store.SaveScript(ctx, sc); err != nil {
				return "", err
			}
			return "saved script " + a.Name, nil
		}),
		newTool("list_scripts", "List saved scripts.", func(ctx context.Context, _ *noArgs) (string, error) {
			scripts, err := s.store.Scripts(ctx)
			if err != nil {
				return "", err
			}
			if scripts == nil {
				scripts = []Script{}
			}
			return jsonText(scripts)
		}),
		newTool("get_script", "Fetch a saved script with its source.", func(ctx context.Context, a *scriptNameArgs) (string, error) {
			sc, err := s.store.Script(ctx, a.Name)
			if err != nil {
				return "", err
			}
			return jsonText(sc)
		}),
		newTool("run_script", "Run a saved script on the device.", func(ctx context.Context, a *runScriptArgs) (string, error) {
			sc, err := s.store.Script(ctx, a.Name)
			if err != nil {
				return "", err
			}
			return s.device.RunScript(ctx, sc, a.Args)
		}),
		newTool("sqlite_query", "Run a SQL statement against the app database.", func(ctx context.Context, a *sqliteQueryArgs) (string, error) {
			rows, affected, err := s.store.Query(ctx, a.SQL, a.Params...)
			if err != nil {
				return "", err
			}
			if rows == nil {
				return jsonText(map[string]int64{"rowsAffected": affected})
			}
			return jsonText(rows)
		}),
	}
}
