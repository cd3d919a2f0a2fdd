package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantpilot/quantpilot/internal/events"
	"github.com/quantpilot/quantpilot/internal/metrics"
	"github.com/quantpilot/quantpilot/internal/store"
	"github.com/quantpilot/quantpilot/internal/symbols"
)

// Recorder writes one tool_calls row per external call and mirrors events to
// the bus. Bus failures never fail the originating operation.
type Recorder struct {
	store *store.Store
	bus   *events.Bus
}

// NewRecorder creates a tool-call recorder.
func NewRecorder(s *store.Store, bus *events.Bus) *Recorder {
	return &Recorder{store: s, bus: bus}
}

// Call describes a completed external call for auditing.
type Call struct {
	RunID      string
	NodeID     *string
	ToolName   string
	Server     string
	Request    any
	Response   any
	Status     string // SUCCESS, FAILED, TIMEOUT
	Latency    time.Duration
	Attempt    int
	HTTPStatus *int
	Err        error
}

// Record redacts and persists the call, then emits a TOOL_RESULT event.
func (r *Recorder) Record(ctx context.Context, call Call) {
	tc := &store.ToolCall{
		ID:         symbols.NewID("tc"),
		RunID:      call.RunID,
		NodeID:     call.NodeID,
		ToolName:   call.ToolName,
		Server:     call.Server,
		Request:    RedactJSON(symbols.SafeJSON(call.Request)),
		Response:   RedactJSON(symbols.SafeJSON(call.Response)),
		Status:     call.Status,
		LatencyMS:  call.Latency.Milliseconds(),
		Attempt:    call.Attempt,
		HTTPStatus: call.HTTPStatus,
	}
	if call.Err != nil {
		msg := call.Err.Error()
		tc.ErrorText = &msg
	}
	if tc.Attempt == 0 {
		tc.Attempt = 1
	}

	if err := r.store.InsertToolCall(ctx, tc); err != nil {
		// The audit row is required; surface loudly but do not panic the node.
		log.Error().Err(err).Str("tool", call.ToolName).Msg("Tool call audit write failed")
		return
	}

	metrics.RecordToolCall(call.ToolName, call.Status, float64(tc.LatencyMS))

	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type:  events.TypeToolResult,
			RunID: call.RunID,
			Payload: json.RawMessage(symbols.SafeJSON(map[string]any{
				"tool_call_id": tc.ID,
				"tool":         call.ToolName,
				"status":       call.Status,
				"latency_ms":   tc.LatencyMS,
				"attempt":      tc.Attempt,
			})),
		})
	}
}
