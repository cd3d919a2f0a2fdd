package dag

import (
	"context"
	"encoding/json"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpilot/quantpilot/internal/store"
)

func expectPolicyPersist(mock pgxmock.PgxPoolIface, decision string) {
	mock.ExpectExec("INSERT INTO policy_events").
		WithArgs(pgxmock.AnyArg(), "run_1", decision, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO run_artifacts").
		WithArgs("run_1", store.NodePolicyCheck, store.ArtifactPolicyDecision, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
}

func expectTenant(mock pgxmock.PgxPoolIface, killSwitch bool) {
	mock.ExpectQuery("SELECT id, kill_switch_enabled FROM tenants").
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "kill_switch_enabled"}).AddRow("t1", killSwitch))
}

func policyRun(mode store.ExecutionMode) *store.Run {
	return &store.Run{
		ID:            "run_1",
		TenantID:      "t1",
		ExecutionMode: mode,
		AssetClass:    "CRYPTO",
		ExecutionPlan: store.ExecutionPlan{
			Side: "BUY", SelectedAsset: "BTC", ProductID: "BTC-USD", NotionalUSD: 50,
		},
	}
}

func decodeDecision(t *testing.T, outputs json.RawMessage) string {
	t.Helper()
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(outputs, &decoded))
	return decoded["decision"].(string)
}

func TestPolicyCheckAllowsPaperTrade(t *testing.T) {
	runner, mock := newTestRunner(t, &fakeProvider{}, Config{MaxNotionalUSD: 100})
	expectTenant(mock, false)
	expectPolicyPersist(mock, PolicyAllowed)

	state := &runState{run: policyRun(store.ModePaper)}
	outputs, err := runner.runPolicyCheck(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, PolicyAllowed, decodeDecision(t, outputs))
	assert.False(t, state.policyBlocked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPolicyCheckBlocksKillSwitch(t *testing.T) {
	runner, mock := newTestRunner(t, &fakeProvider{}, Config{MaxNotionalUSD: 100})
	expectTenant(mock, true)
	expectPolicyPersist(mock, PolicyBlocked)

	state := &runState{run: policyRun(store.ModePaper)}
	_, err := runner.runPolicyCheck(context.Background(), state)
	require.NoError(t, err)
	assert.True(t, state.policyBlocked)
}

func TestPolicyCheckBlocksOverNotional(t *testing.T) {
	runner, mock := newTestRunner(t, &fakeProvider{}, Config{MaxNotionalUSD: 25})
	expectTenant(mock, false)
	expectPolicyPersist(mock, PolicyBlocked)

	state := &runState{run: policyRun(store.ModePaper)}
	_, err := runner.runPolicyCheck(context.Background(), state)
	require.NoError(t, err)
	assert.True(t, state.policyBlocked)
}

func TestPolicyCheckBlocksUnverifiedLiveCrypto(t *testing.T) {
	runner, mock := newTestRunner(t, &fakeProvider{}, Config{MaxNotionalUSD: 100, LiveAllowed: true})
	expectTenant(mock, false)
	expectPolicyPersist(mock, PolicyBlocked)

	run := policyRun(store.ModeLive)
	run.TradabilityVerified = false
	state := &runState{run: run}
	_, err := runner.runPolicyCheck(context.Background(), state)
	require.NoError(t, err)
	assert.True(t, state.policyBlocked)
}

func TestPolicyCheckAssistedLiveRequiresApproval(t *testing.T) {
	runner, mock := newTestRunner(t, &fakeProvider{}, Config{MaxNotionalUSD: 100})
	expectTenant(mock, false)
	expectPolicyPersist(mock, PolicyRequiresApproval)

	state := &runState{run: policyRun(store.ModeAssistedLive)}
	outputs, err := runner.runPolicyCheck(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, PolicyRequiresApproval, decodeDecision(t, outputs))
	assert.False(t, state.policyBlocked)
}

func TestApprovalRequiresConfirmation(t *testing.T) {
	runner, _ := newTestRunner(t, &fakeProvider{}, Config{})
	run := policyRun(store.ModeLive)
	run.Metadata = map[string]any{}

	_, err := runner.runApproval(context.Background(), &runState{run: run})
	var nf *nodeFailure
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "APPROVAL_MISSING_CONFIRMATION", nf.code)
}

func TestRankingGap(t *testing.T) {
	tight := &store.Ranking{Table: []store.RankingRow{{Score: 0.051}, {Score: 0.050}}}
	assert.InDelta(t, 0.01, rankingGap(tight), 0.001)

	wide := &store.Ranking{Table: []store.RankingRow{{Score: 0.50}, {Score: 0.10}}}
	assert.Equal(t, 1.0, rankingGap(wide))

	single := &store.Ranking{Table: []store.RankingRow{{Score: 0.2}}}
	assert.Equal(t, 1.0, rankingGap(single))
}

func TestStddev(t *testing.T) {
	assert.Zero(t, stddev(nil))
	assert.Zero(t, stddev([]float64{1}))
	assert.InDelta(t, 1.0, stddev([]float64{1, 2, 3}), 0.0001)
}
