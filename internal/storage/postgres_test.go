package storage

import (
	"context"
	"errors"
	"net"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duewatch/internal/domain"
	logx "duewatch/pkg/logx"
)

func newMockStore(t *testing.T) (Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db, time.Second, logx.Nop()), mock
}

func TestPostgresClaimDispatch(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()
	id := domain.OccasionID{TenantID: "t1", ObligationID: "ob-1", DueDate: day(2024, 2, 21), Label: "T-7"}
	rec := domain.NewClaimRecord(id, "run-1", time.Date(2024, 2, 14, 9, 0, 0, 0, time.UTC))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO dispatches")).
		WithArgs(id.Key(), "t1", "ob-1", "2024-02-21", "T-7", "run-1", "", "", "claimed", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT(occasion_key) DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := st.ClaimDispatch(ctx, rec)
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.ClaimDispatch(ctx, rec)
	assert.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUsesDollarPlaceholders(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM obligations WHERE active = 1 AND id > $1 ORDER BY id LIMIT $2")).
		WithArgs("", 2).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "kind", "anchor_date", "recurrence", "next_due_date", "last_due_date", "active", "payment_status", "created_at",
		}).
			AddRow("ob-1", "t1", "VAT", "2024-01-15", "monthly", "2024-02-21", nil, 1, "pending", int64(0)).
			AddRow("ob-2", "t2", "CAC", "2020-03-10", "yearly", nil, nil, 1, "paid", int64(0)))

	page, next, err := st.ListActiveObligations(context.Background(), "", 2)
	require.NoError(t, err)
	assert.Equal(t, "ob-2", next)
	require.Len(t, page, 2)
	assert.True(t, page[0].NextDueDate.Equal(day(2024, 2, 21)))
	assert.True(t, page[1].NextDueDate.IsZero())
	assert.Equal(t, domain.PaymentPaid, page[1].PaymentStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresConnectionErrorIsUnavailable(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM obligations")).WillReturnError(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")})

	_, _, err := st.ListActiveObligations(context.Background(), "", 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStoreUnavailable))
}

func TestPostgresDowngrade(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE plan_states SET tier = 'free', status = 'expired', updated_at = $1")).
		WithArgs(now.UnixMilli(), "t1", now.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := st.Downgrade(context.Background(), "t1", now)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
