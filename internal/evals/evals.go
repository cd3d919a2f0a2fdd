// Package evals grades finished runs against their stored evidence. Every
// evaluator is a pure function over the run's artifacts, orders, events and
// tool calls; nothing here talks to external services.
package evals

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantpilot/quantpilot/internal/events"
	"github.com/quantpilot/quantpilot/internal/metrics"
	"github.com/quantpilot/quantpilot/internal/store"
	"github.com/quantpilot/quantpilot/internal/symbols"
)

// Result is one evaluator's grade.
type Result struct {
	Score      float64
	Reasons    []string
	Thresholds map[string]float64
	Details    map[string]any
}

// pass is the all-clear result.
func pass(reason string) Result {
	return Result{Score: 1, Reasons: []string{reason}}
}

func fail(reason string) Result {
	return Result{Score: 0, Reasons: []string{reason}}
}

// skipped marks an eval that does not apply to this run.
func skipped(reason string) Result {
	return Result{Score: 1, Reasons: []string{"Skipped: " + reason}}
}

// noOracle is the neutral grade when frozen evidence is missing.
func noOracle() Result {
	return Result{Score: 0.5, Reasons: []string{"no oracle comparison possible"}}
}

// RunContext is the evidence bundle every evaluator reads. Loaded once per
// run; evaluators must not mutate it.
type RunContext struct {
	Run          *store.Run
	Nodes        []store.DagNode
	Artifacts    []store.Artifact
	ToolCalls    []store.ToolCall
	Orders       []store.Order
	Ranking      *store.Ranking
	Batches      []store.CandleBatch
	RunEvents    []store.RunEvent
	PolicyEvents []store.PolicyEvent
}

// Artifact returns the first artifact of the given type, or nil.
func (rc *RunContext) Artifact(artifactType string) *store.Artifact {
	for i := range rc.Artifacts {
		if rc.Artifacts[i].ArtifactType == artifactType {
			return &rc.Artifacts[i]
		}
	}
	return nil
}

// DecodeArtifact unmarshals the first artifact of the given type into out.
func (rc *RunContext) DecodeArtifact(artifactType string, out any) bool {
	a := rc.Artifact(artifactType)
	if a == nil {
		return false
	}
	return json.Unmarshal(a.Payload, out) == nil
}

// PolicyDecision returns the recorded policy decision, or "".
func (rc *RunContext) PolicyDecision() string {
	if len(rc.PolicyEvents) == 0 {
		return ""
	}
	return rc.PolicyEvents[len(rc.PolicyEvents)-1].Decision
}

// Definition binds an evaluator to its registry metadata.
type Definition struct {
	Name          string `json:"name"`
	Category      string `json:"category"`
	EvaluatorType string `json:"evaluator_type"`
	Description   string `json:"description"`
	Fn            func(rc *RunContext) Result `json:"-"`
}

// Registry holds the fixed evaluator list and grades runs with it.
type Registry struct {
	store       *store.Store
	bus         *events.Bus
	definitions []Definition
}

// NewRegistry builds the registry with the full evaluator list.
func NewRegistry(s *store.Store, bus *events.Bus) *Registry {
	return &Registry{
		store:       s,
		bus:         bus,
		definitions: buildDefinitions(),
	}
}

// Definitions returns the registry in evaluation order.
func (r *Registry) Definitions() []Definition {
	return r.definitions
}

// Definition returns one evaluator's metadata by name.
func (r *Registry) Definition(name string) (*Definition, bool) {
	for i := range r.definitions {
		if r.definitions[i].Name == name {
			return &r.definitions[i], true
		}
	}
	return nil, false
}

// RunAll grades one run with every registered evaluator and returns the
// number of rows written. It never aborts: load failures, evaluator panics
// and persistence errors all degrade to scored rows or logs.
func (r *Registry) RunAll(ctx context.Context, runID, tenantID string) int {
	rc, err := r.loadContext(ctx, runID)
	if err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("Eval context load failed, grading skipped")
		return 0
	}

	written := 0
	for _, def := range r.definitions {
		result := r.evaluate(def, rc)

		row := &store.EvalResult{
			RunID:         runID,
			EvalName:      def.Name,
			Score:         result.Score,
			Reasons:       result.Reasons,
			EvaluatorType: def.EvaluatorType,
			Category:      def.Category,
			Thresholds:    result.Thresholds,
		}
		if result.Details != nil {
			row.Details = symbols.SafeJSON(result.Details)
		}
		if err := r.store.InsertEvalResult(ctx, row); err != nil {
			log.Error().Err(err).Str("eval", def.Name).Msg("Eval row persist failed")
			continue
		}
		written++
		metrics.RecordEvalScore(def.Category, result.Score)
		r.bus.Publish(events.Event{
			Type:  events.TypeEvalResult,
			RunID: runID,
			Payload: symbols.SafeJSON(map[string]any{
				"eval_name": def.Name,
				"category":  def.Category,
				"score":     result.Score,
			}),
		})
	}

	log.Info().Str("run_id", runID).Int("evals", written).Msg("Run graded")
	return written
}

// evaluate runs one evaluator, converting a panic into a zero-score row.
func (r *Registry) evaluate(def Definition, rc *RunContext) (result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("eval", def.Name).Interface("panic", rec).Msg("Evaluator panicked")
			result = Result{Score: 0, Reasons: []string{fmt.Sprintf("evaluator panicked: %v", rec)}}
		}
	}()
	return def.Fn(rc)
}

func (r *Registry) loadContext(ctx context.Context, runID string) (*RunContext, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("run load failed: %w", err)
	}
	rc := &RunContext{Run: run}

	if rc.Nodes, err = r.store.ListNodes(ctx, runID); err != nil {
		return nil, fmt.Errorf("node load failed: %w", err)
	}
	if rc.Artifacts, err = r.store.ListArtifacts(ctx, runID); err != nil {
		return nil, fmt.Errorf("artifact load failed: %w", err)
	}
	if rc.ToolCalls, err = r.store.ListToolCalls(ctx, runID); err != nil {
		return nil, fmt.Errorf("tool call load failed: %w", err)
	}
	if rc.Orders, err = r.store.ListOrdersForRun(ctx, runID); err != nil {
		return nil, fmt.Errorf("order load failed: %w", err)
	}
	if rc.Batches, err = r.store.ListCandleBatches(ctx, runID); err != nil {
		return nil, fmt.Errorf("candle batch load failed: %w", err)
	}
	if rc.RunEvents, err = r.store.ListRunEvents(ctx, runID); err != nil {
		return nil, fmt.Errorf("run event load failed: %w", err)
	}
	if rc.PolicyEvents, err = r.store.ListPolicyEvents(ctx, runID); err != nil {
		return nil, fmt.Errorf("policy event load failed: %w", err)
	}

	ranking, err := r.store.GetRanking(ctx, runID)
	if err == nil {
		rc.Ranking = ranking
	}
	return rc, nil
}

// buildDefinitions lists every evaluator in its fixed execution order.
func buildDefinitions() []Definition {
	defs := []Definition{}
	defs = append(defs, dataEvals()...)
	defs = append(defs, complianceEvals()...)
	defs = append(defs, qualityEvals()...)
	defs = append(defs, performanceEvals()...)
	defs = append(defs, ragEvals()...)
	defs = append(defs, safetyEvals()...)
	defs = append(defs, newsEvals()...)
	return defs
}

// isTradeRun reports whether the run executed the trade pipeline.
func isTradeRun(rc *RunContext) bool {
	return rc.Run.Intent != "PORTFOLIO_ANALYSIS"
}

// windowDuration parses the dashboard summary windows.
func windowDuration(window string) (time.Duration, error) {
	switch window {
	case "24h":
		return 24 * time.Hour, nil
	case "48h":
		return 48 * time.Hour, nil
	case "7d":
		return 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unsupported window %q", window)
}
