package dag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantpilot/quantpilot/internal/audit"
	"github.com/quantpilot/quantpilot/internal/events"
	"github.com/quantpilot/quantpilot/internal/marketdata"
	"github.com/quantpilot/quantpilot/internal/metrics"
	"github.com/quantpilot/quantpilot/internal/notify"
	"github.com/quantpilot/quantpilot/internal/store"
	"github.com/quantpilot/quantpilot/internal/symbols"
)

// EvalRunner grades a finished run. Implemented by the evals registry;
// declared here so the pipeline does not depend on the registry package.
type EvalRunner interface {
	RunAll(ctx context.Context, runID, tenantID string) int
}

// Config carries the trading knobs the pipeline needs.
type Config struct {
	FeePct              float64
	MaxNotionalUSD      float64
	FetchConcurrency    int
	LiveAllowed         bool
	HasLiveCreds        bool
	ExecutionModeIsLive bool
}

// Runner executes pipeline runs node by node. Nodes never call each other;
// they communicate through artifacts.
type Runner struct {
	store    *store.Store
	provider marketdata.Provider
	stocks   *marketdata.PolygonProvider
	evals    EvalRunner
	notifier *notify.Notifier
	bus      *events.Bus
	cfg      Config
}

// NewRunner builds the pipeline runner.
func NewRunner(s *store.Store, provider marketdata.Provider, stocks *marketdata.PolygonProvider, evals EvalRunner, notifier *notify.Notifier, bus *events.Bus, cfg Config) *Runner {
	if cfg.FeePct <= 0 {
		cfg.FeePct = 0.006
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 10
	}
	return &Runner{
		store:    s,
		provider: provider,
		stocks:   stocks,
		evals:    evals,
		notifier: notifier,
		bus:      bus,
		cfg:      cfg,
	}
}

// nodeFailure is a node error that fails the whole run with a specific code.
type nodeFailure struct {
	code   string
	reason string
}

func (e *nodeFailure) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.reason)
}

// runState carries in-memory control flow between nodes of one run. All
// durable facts live in artifacts; this only holds routing flags.
type runState struct {
	run           *store.Run
	policyBlocked bool
	ordersPlaced  int
}

// Execute runs the full pipeline for a run. Errors are terminal for the run,
// never for the caller: the run row carries the failure.
func (r *Runner) Execute(ctx context.Context, runID string) {
	started := time.Now()

	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("Run load failed, pipeline aborted")
		return
	}
	if run.Status == store.RunCreated {
		if err := r.store.MarkRunRunning(ctx, runID); err != nil {
			log.Error().Err(err).Str("run_id", runID).Msg("Failed to mark run running")
			return
		}
	}

	state := &runState{run: run}
	failed := false

	for _, name := range r.nodeOrder(run) {
		if name == store.NodeExecution && state.policyBlocked {
			r.skipNode(ctx, run, name, "policy decision BLOCKED")
			continue
		}
		if err := r.runNode(ctx, state, name); err != nil {
			failed = true
			code, reason := "NODE_FAILED", err.Error()
			var nf *nodeFailure
			if errors.As(err, &nf) {
				code, reason = nf.code, nf.reason
			}
			if ferr := r.store.FailRun(ctx, runID, code, reason); ferr != nil {
				log.Error().Err(ferr).Str("run_id", runID).Msg("Failed to mark run failed")
			}
			r.notifier.Notify(ctx, "run_failed", "Run failed",
				fmt.Sprintf("Run %s failed at %s: %s", runID, name, reason), runID)
			break
		}
	}

	// Evals grade failed runs too; the registry never aborts.
	if r.evals != nil {
		evalCtx := audit.WithRun(ctx, runID, nil)
		r.runEvalNode(evalCtx, run)
	}

	status := "completed"
	if failed {
		status = "failed"
	} else {
		if err := r.store.CompleteRun(ctx, runID); err != nil {
			log.Error().Err(err).Str("run_id", runID).Msg("Failed to complete run")
		}
	}
	metrics.RecordRun(status, time.Since(started).Seconds())
	log.Info().Str("run_id", runID).Str("status", status).Dur("duration", time.Since(started)).Msg("Pipeline finished")
}

// nodeOrder returns the fixed node sequence for the run.
func (r *Runner) nodeOrder(run *store.Run) []string {
	if run.Intent == "PORTFOLIO_ANALYSIS" {
		return []string{store.NodePortfolio}
	}
	order := []string{
		store.NodeResearch,
		store.NodeStrategy,
		store.NodeRisk,
		store.NodeProposal,
		store.NodePolicyCheck,
	}
	if run.ExecutionMode == store.ModeLive {
		order = append(order, store.NodeApproval)
	}
	return append(order, store.NodeExecution, store.NodePostTrade)
}

// runNode wraps one node with its dag_node row, run events and metrics.
func (r *Runner) runNode(ctx context.Context, state *runState, name string) error {
	run := state.run
	started := time.Now()

	nodeID, err := r.store.CreateNode(ctx, run.ID, name, symbols.SafeJSON(map[string]any{
		"execution_mode": run.ExecutionMode,
		"asset_class":    run.AssetClass,
	}))
	if err != nil {
		return fmt.Errorf("failed to create %s node: %w", name, err)
	}

	nodeCtx := audit.WithRun(ctx, run.ID, &nodeID)
	r.emitStep(ctx, run.ID, name, "STARTED", fmt.Sprintf("%s started", name))

	outputs, nodeErr := r.dispatch(nodeCtx, state, name, nodeID)
	metrics.RecordNode(name, time.Since(started).Seconds())

	if nodeErr != nil {
		if ferr := r.store.FailNode(ctx, nodeID, nodeErr); ferr != nil {
			log.Error().Err(ferr).Str("node", name).Msg("Failed to mark node failed")
		}
		r.emitStep(ctx, run.ID, name, "FAILED", nodeErr.Error())
		return nodeErr
	}

	if err := r.store.CompleteNode(ctx, nodeID, outputs); err != nil {
		return fmt.Errorf("failed to complete %s node: %w", name, err)
	}
	r.emitStep(ctx, run.ID, name, "FINISHED", summarize(name, outputs))
	return nil
}

func (r *Runner) dispatch(ctx context.Context, state *runState, name, nodeID string) (json.RawMessage, error) {
	switch name {
	case store.NodeResearch:
		return r.runResearch(ctx, state)
	case store.NodeStrategy:
		return r.runStrategy(ctx, state)
	case store.NodeRisk:
		return r.runRisk(ctx, state)
	case store.NodeProposal:
		return r.runProposal(ctx, state)
	case store.NodePolicyCheck:
		return r.runPolicyCheck(ctx, state)
	case store.NodeApproval:
		return r.runApproval(ctx, state)
	case store.NodeExecution:
		return r.runExecution(ctx, state)
	case store.NodePostTrade:
		return r.runPostTrade(ctx, state)
	case store.NodePortfolio:
		brief, err := r.RunPortfolioNode(ctx, state.run)
		if err != nil {
			return nil, err
		}
		return symbols.SafeJSON(brief), nil
	}
	return nil, fmt.Errorf("unknown node %s", name)
}

func (r *Runner) skipNode(ctx context.Context, run *store.Run, name, reason string) {
	nodeID, err := r.store.CreateNode(ctx, run.ID, name, symbols.SafeJSON(map[string]any{"skip_reason": reason}))
	if err != nil {
		log.Error().Err(err).Str("node", name).Msg("Failed to create skipped node")
		return
	}
	if err := r.store.SkipNode(ctx, nodeID, reason); err != nil {
		log.Error().Err(err).Str("node", name).Msg("Failed to mark node skipped")
	}
	r.emitStep(ctx, run.ID, name, "FINISHED", "skipped: "+reason)
}

// runEvalNode grades the run. It must never abort the pipeline.
func (r *Runner) runEvalNode(ctx context.Context, run *store.Run) {
	nodeID, err := r.store.CreateNode(ctx, run.ID, store.NodeEval, nil)
	if err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to create eval node")
		return
	}
	r.emitStep(ctx, run.ID, store.NodeEval, "STARTED", "eval started")

	count := r.evals.RunAll(ctx, run.ID, run.TenantID)

	outputs := symbols.SafeJSON(map[string]any{"evals_run": count})
	if err := r.store.CompleteNode(ctx, nodeID, outputs); err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to complete eval node")
	}
	r.emitStep(ctx, run.ID, store.NodeEval, "FINISHED", fmt.Sprintf("%d evals graded", count))
}

// emitStep writes one run_events row and mirrors it to the bus. Best-effort.
func (r *Runner) emitStep(ctx context.Context, runID, step, eventType, summary string) {
	event := &store.RunEvent{
		RunID:     runID,
		StepName:  step,
		EventType: eventType,
		Summary:   summary,
	}
	if err := r.store.InsertRunEvent(ctx, event); err != nil {
		log.Warn().Err(err).Str("step", step).Msg("Failed to record run event")
	}
	r.bus.Publish(events.Event{
		Type:  events.TypeRunEvent,
		RunID: runID,
		Payload: symbols.SafeJSON(map[string]any{
			"step":    step,
			"event":   eventType,
			"summary": summary,
		}),
	})
}

func summarize(name string, outputs json.RawMessage) string {
	var decoded map[string]any
	if err := json.Unmarshal(outputs, &decoded); err == nil {
		if s, ok := decoded["summary"].(string); ok && s != "" {
			return s
		}
	}
	return name + " finished"
}
