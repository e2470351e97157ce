package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type bundleNameArgs struct {
	Name string `json:"name" validate:"required"`
}

type bundlePutArgs struct {
	Name     string            `json:"name" validate:"required"`
	Files    map[string]string `json:"files" validate:"required"`
	Revision string            `json:"revision,omitempty" jsonschema:"description=Expected current revision; empty overwrites"`
}

type bundlePatchArgs struct {
	Name     string      `json:"name" validate:"required"`
	Patches  []FilePatch `json:"patches" validate:"required,min=1,dive"`
	Revision string      `json:"revision,omitempty"`
}

type bundleRunArgs struct {
	Name  string          `json:"name" validate:"required"`
	Entry string          `json:"entry,omitempty"`
	Args  json.RawMessage `json:"args,omitempty"`
}

type runIDArgs struct {
	RunID string `json:"run_id" validate:"required,uuid"`
}

type bundleImportArgs struct {
	Document string `json:"document" validate:"required" jsonschema:"description=Output of bundle_export"`
	Name     string `json:"name,omitempty" jsonschema:"description=Import under this name instead"`
}

type bundleCloneArgs struct {
	Source string `json:"source" validate:"required"`
	Target string `json:"target" validate:"required,nefield=Source"`
}

// DefaultBundleEntry is run when bundle_run names no entry.
const DefaultBundleEntry = "main.js"

func (s *Server) bundleTools() []*Tool {
	return []*Tool{
		newTool("bundle_get", "Fetch an app bundle with its files and revision.", func(ctx context.Context, a *bundleNameArgs) (string, error) {
			b, err := s.store.Bundle(ctx, a.Name)
			if err != nil {
				return "", err
			}
			return jsonText(b)
		}),
		newTool("bundle_put", "Create or replace an app bundle.", func(ctx context.Context, a *bundlePutArgs) (string, error) {
			b, err := s.store.PutBundle(ctx, a.Name, a.Files, a.Revision)
			if err != nil {
				return "", err
			}
			return jsonText(map[string]string{"name": b.Name, "revision": b.Revision})
		}),
		newTool("bundle_patch", "Change or delete files of an app bundle.", func(ctx context.Context, a *bundlePatchArgs) (string, error) {
			b, err := s.store.PatchBundle(ctx, a.Name, a.Patches, a.Revision)
			if err != nil {
				return "", err
			}
			return jsonText(map[string]string{"name": b.Name, "revision": b.Revision})
		}),
		newTool("bundle_run", "Start an app bundle; returns a run id.", s.bundleRun),
		newTool("bundle_run_status", "Status and output of a bundle run.", func(ctx context.Context, a *runIDArgs) (string, error) {
			run, err := s.store.Run(ctx, a.RunID)
			if err != nil {
				return "", err
			}
			return jsonText(run)
		}),
		newTool("bundle_repair_trace", "Trace of a bundle run, for repairing the bundle.", func(ctx context.Context, a *runIDArgs) (string, error) {
			run, err := s.store.Run(ctx, a.RunID)
			if err != nil {
				return "", err
			}
			trace, err := s.store.Traces(ctx, a.RunID)
			if err != nil {
				return "", err
			}
			if trace == nil {
				trace = []TraceEntry{}
			}
			return jsonText(map[string]any{"run": run, "trace": trace})
		}),
		newTool("bundle_export", "Export an app bundle as a JSON document.", func(ctx context.Context, a *bundleNameArgs) (string, error) {
			b, err := s.store.Bundle(ctx, a.Name)
			if err != nil {
				return "", err
			}
			return jsonText(b)
		}),
		newTool("bundle_import", "Import a document produced by bundle_export.", func(ctx context.Context, a *bundleImportArgs) (string, error) {
			var doc Bundle
			if err := json.Unmarshal([]byte(a.Document), &doc); err != nil {
				return "", fmt.Errorf("%w: document: %v", ErrInvalidArguments, err)
			}
			name := doc.Name
			if a.Name != "" {
				name = a.Name
			}
			if name == "" {
				return "", fmt.Errorf("%w: document has no name", ErrInvalidArguments)
			}
			b, err := s.store.PutBundle(ctx, name, doc.Files, "")
			if err != nil {
				return "", err
			}
			return jsonText(map[string]string{"name": b.Name, "revision": b.Revision})
		}),
		newTool("bundle_clone", "Copy an app bundle under a new name.", func(ctx context.Context, a *bundleCloneArgs) (string, error) {
			src, err := s.store.Bundle(ctx, a.Source)
			if err != nil {
				return "", err
			}
			b, err := s.store.PutBundle(ctx, a.Target, src.Files, "")
			if err != nil {
				return "", err
			}
			return jsonText(map[string]string{"name": b.Name, "revision": b.Revision})
		}),
	}
}

// bundleRun records the run and executes it on its own goroutine; callers
// follow it with bundle_run_status.
func (s *Server) bundleRun(ctx context.Context, a *bundleRunArgs) (string, error) {
	b, err := s.store.Bundle(ctx, a.Name)
	if err != nil {
		return "", err
	}
	entry := a.Entry
	if entry == "" {
		entry = DefaultBundleEntry
	}
	if _, ok := b.Files[entry]; !ok {
		return "", fmt.Errorf("bundle %s has no entry %s", b.Name, entry)
	}
	run := &BundleRun{ID: uuid.NewString(), Bundle: b.Name, Revision: b.Revision, Entry: entry}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return "", err
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		// the RPC that started the run is over by now; Close cancels baseCtx
		runCtx := s.baseCtx
		storeCtx := context.WithoutCancel(runCtx)
		log := s.logger.With(zap.String("run", run.ID), zap.String("bundle", b.Name))
		trace := func(msg string) {
			if err := s.store.AppendTrace(storeCtx, run.ID, msg); err != nil {
				log.Warn("append trace", zap.Error(err))
			}
		}
		trace(fmt.Sprintf("start %s@%s entry=%s", b.Name, b.Revision, entry))
		output, runErr := s.device.RunBundle(runCtx, b, entry, a.Args, trace)
		if runErr != nil {
			trace("error: " + runErr.Error())
		} else {
			trace("finished")
		}
		if err := s.store.FinishRun(storeCtx, run.ID, output, runErr); err != nil {
			log.Warn("finish run", zap.Error(err))
		}
	}()
	return jsonText(map[string]string{"run_id": run.ID, "status": string(RunRunning)})
}
