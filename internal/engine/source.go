package engine

import (
	"context"
	"fmt"
	"reflect"

	"github.com/roach88/statekernel/internal/compiler"
	"github.com/roach88/statekernel/internal/converge"
	"github.com/roach88/statekernel/internal/diag"
	"github.com/roach88/statekernel/internal/state"
)

// SourceLoader loads the value of a source field from an external resource.
// key holds the current values of the field's declared deps.
type SourceLoader interface {
	Load(ctx context.Context, resource string, key []any) (any, error)
}

// SourceLoaderFunc adapts a function to SourceLoader.
type SourceLoaderFunc func(ctx context.Context, resource string, key []any) (any, error)

// Load implements SourceLoader.
func (f SourceLoaderFunc) Load(ctx context.Context, resource string, key []any) (any, error) {
	return f(ctx, resource, key)
}

// dispatchSources starts a background load per refresh intent whose key
// differs from the last one dispatched for the same target. Each loaded
// value is written by its own non-urgent traitSourceRefresh transaction.
// Identical concurrent loads (same resource and key) share one call.
func (e *Engine) dispatchSources(refs []converge.SourceRefresh) {
	if e.loader == nil || len(refs) == 0 {
		return
	}
	module := e.prog.Load().Spec.ID
	for _, ref := range refs {
		if last, ok := e.sourceKeys[ref.Target]; ok && reflect.DeepEqual(last, ref.Key) {
			continue
		}
		e.sourceKeys[ref.Target] = ref.Key
		e.exec.Go(e.runCtx, func(ctx context.Context) error {
			key := fmt.Sprintf("%s|%#v", ref.Resource, ref.Key)
			v, shared, err := e.exec.Load(ctx, key, func() (any, error) {
				return e.loader.Load(ctx, ref.Resource, ref.Key)
			})
			if err != nil {
				e.metrics.SourceLoads.WithLabelValues(module, ref.Resource, "error").Inc()
				e.emit(diag.Diagnostic{
					Code:     diag.CodeSourceRefreshFailed,
					Severity: diag.SeverityWarning,
					Message:  fmt.Sprintf("source %s for %s failed", ref.Resource, ref.Target),
					Details: map[string]any{
						"resource": ref.Resource,
						"target":   ref.Target,
						"error":    err.Error(),
					},
				})
				return nil
			}
			status := "ok"
			if shared {
				status = "shared"
			}
			e.metrics.SourceLoads.WithLabelValues(module, ref.Resource, status).Inc()

			_, err = e.Submit(ctx, Txn{
				Lane:   LaneNonUrgent,
				Origin: OriginSourceRefresh,
				Label:  "source:" + ref.Target,
				Body:   e.sourceWrite(ref, state.Normalize(v)),
			})
			if err != nil && !IsStopped(err) && ctx.Err() == nil {
				return fmt.Errorf("submit source refresh for %s: %w", ref.Target, err)
			}
			return nil
		})
	}
}

// sourceWrite returns the body writing a loaded value. The write is skipped
// when the program changed or the deps moved on since the load started; the
// newer refresh intent owns the field.
func (e *Engine) sourceWrite(ref converge.SourceRefresh, v any) func(*state.Draft) error {
	return func(d *state.Draft) error {
		prog := e.prog.Load()
		if ref.StepID >= len(prog.Plan.Steps) {
			e.staleSource(prog, ref)
			return nil
		}
		step := prog.Plan.Steps[ref.StepID]
		if step.Kind != compiler.StepSourceRefresh || step.Target.String() != ref.Target {
			e.staleSource(prog, ref)
			return nil
		}
		if !reflect.DeepEqual(converge.ReadAll(d, step.Sources), ref.Key) {
			e.staleSource(prog, ref)
			return nil
		}
		if cur, ok := d.Get(step.Target); ok && reflect.DeepEqual(cur, v) {
			return nil
		}
		return d.Set(step.Target, v)
	}
}

func (e *Engine) staleSource(prog *compiler.Program, ref converge.SourceRefresh) {
	e.metrics.SourceLoads.WithLabelValues(prog.Spec.ID, ref.Resource, "stale").Inc()
	e.logger.Debug("stale source refresh skipped", "target", ref.Target, "resource", ref.Resource)
}
