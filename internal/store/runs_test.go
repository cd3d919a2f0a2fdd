package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActiveRunForTenant(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewWithInterface(mock)

	mock.ExpectQuery("SELECT id FROM runs").
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("run_active"))

	id, err := s.ActiveRunForTenant(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "run_active", id)
}

func TestActiveRunForTenantNone(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewWithInterface(mock)

	mock.ExpectQuery("SELECT id FROM runs").
		WithArgs("t1").
		WillReturnError(pgx.ErrNoRows)

	id, err := s.ActiveRunForTenant(context.Background(), "t1")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestUpdateOrderFillRefusesBogusFilled(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewWithInterface(mock)

	// FILLED with zero quantity must be rejected before touching the DB.
	err = s.UpdateOrderFill(context.Background(), "ord_1", OrderFilled, 0, 0, 0)
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailRun(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewWithInterface(mock)

	mock.ExpectExec("UPDATE runs SET status = 'FAILED'").
		WithArgs("run_1", "RESEARCH_EMPTY_RANKINGS", "no symbols survived filtering", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = s.FailRun(context.Background(), "run_1", "RESEARCH_EMPTY_RANKINGS", "no symbols survived filtering")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTenantDefaultsWhenMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewWithInterface(mock)

	mock.ExpectQuery("SELECT id, kill_switch_enabled FROM tenants").
		WithArgs("t-new").
		WillReturnError(pgx.ErrNoRows)

	tenant, err := s.GetTenant(context.Background(), "t-new")
	require.NoError(t, err)
	assert.Equal(t, "t-new", tenant.ID)
	assert.False(t, tenant.KillSwitchEnabled)
}
