package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePending(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewWithInterface(mock)

	mock.ExpectExec("INSERT INTO trade_confirmations").
		WithArgs(pgxmock.AnyArg(), "t1", "c1", pgxmock.AnyArg(), "PAPER", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := s.CreatePending(context.Background(), "t1", "c1",
		Proposal{Side: "buy", Asset: "BTC", AmountUSD: 10, Mode: ModePaper, AssetClass: "CRYPTO"},
		ModePaper, 300*time.Second)

	require.NoError(t, err)
	assert.Contains(t, id, "conf_")
	require.NoError(t, mock.ExpectationsWereMet())
}

// MarkConfirmed must return true only when the UPDATE actually flipped the
// PENDING row: the compare-and-set is what makes CONFIRM idempotent.
func TestMarkConfirmedFirstCallerWins(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewWithInterface(mock)

	mock.ExpectExec("UPDATE trade_confirmations").
		WithArgs("conf_1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	won, err := s.MarkConfirmed(context.Background(), "conf_1")
	require.NoError(t, err)
	assert.True(t, won)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkConfirmedSecondCallerLoses(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewWithInterface(mock)

	// Row already CONFIRMED: the guarded UPDATE touches nothing.
	mock.ExpectExec("UPDATE trade_confirmations").
		WithArgs("conf_1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	won, err := s.MarkConfirmed(context.Background(), "conf_1")
	require.NoError(t, err)
	assert.False(t, won)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetConfirmationNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewWithInterface(mock)

	mock.ExpectQuery("SELECT (.+) FROM trade_confirmations").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err = s.GetConfirmation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrConfirmationNotFound)
}

func TestGetLatestPendingForConversation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewWithInterface(mock)

	now := time.Now().UTC()
	rows := pgxmock.NewRows([]string{
		"id", "tenant_id", "conversation_id", "proposal", "mode", "status",
		"created_at", "expires_at", "confirmed_at", "run_id", "insight",
	}).AddRow("conf_9", "t1", "c1", []byte(`{"side":"buy","asset":"BTC","amount_usd":10,"mode":"PAPER","asset_class":"CRYPTO"}`),
		"PAPER", "PENDING", now, now.Add(5*time.Minute), nil, nil, nil)

	mock.ExpectQuery("SELECT (.+) FROM trade_confirmations").
		WithArgs("t1", "c1").
		WillReturnRows(rows)

	c, err := s.GetLatestPendingForConversation(context.Background(), "t1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "conf_9", c.ID)
	assert.Equal(t, ConfirmationPending, c.Status)
	assert.Equal(t, "BTC", c.Proposal.Asset)
	assert.Equal(t, 10.0, c.Proposal.AmountUSD)
}
