package audit

import "context"

type ctxKey int

const runCtxKey ctxKey = iota

type runRef struct {
	runID  string
	nodeID *string
}

// WithRun tags a context so downstream provider calls are attributed to the
// run. nodeID may be nil for staging-time calls.
func WithRun(ctx context.Context, runID string, nodeID *string) context.Context {
	return context.WithValue(ctx, runCtxKey, runRef{runID: runID, nodeID: nodeID})
}

// RunFromContext returns the run attribution, or empty when the call happens
// outside a run (preflight, selection staging).
func RunFromContext(ctx context.Context) (runID string, nodeID *string) {
	if ref, ok := ctx.Value(runCtxKey).(runRef); ok {
		return ref.runID, ref.nodeID
	}
	return "", nil
}
