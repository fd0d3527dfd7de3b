package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"duewatch/internal/domain"
	logx "duewatch/pkg/logx"
)

// sqlStore implements Store over database/sql. Queries are written with "?"
// placeholders and rebound for drivers that use "$n".
type sqlStore struct {
	db        *sql.DB
	log       logx.Logger
	dialect   string
	opTimeout time.Duration
}

func newSQLStore(db *sql.DB, dialect string, opTimeout time.Duration, log logx.Logger) *sqlStore {
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	return &sqlStore{db: db, log: log, dialect: dialect, opTimeout: opTimeout}
}

func (s *sqlStore) q(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	return rebindDollar(query)
}

func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *sqlStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return classify("ping", s.db.PingContext(ctx))
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- obligations ----

const obligationCols = `id, tenant_id, kind, anchor_date, recurrence, next_due_date, last_due_date, active, payment_status, created_at`

func (s *sqlStore) ListActiveObligations(ctx context.Context, pageToken string, limit int) ([]domain.Obligation, string, error) {
	if s == nil || s.db == nil {
		return nil, "", ErrDisabled
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+obligationCols+` FROM obligations WHERE active = 1 AND id > ? ORDER BY id LIMIT ?`),
		pageToken, limit,
	)
	if err != nil {
		return nil, "", classify("list obligations", err)
	}
	defer rows.Close()

	out := make([]domain.Obligation, 0, limit)
	for rows.Next() {
		ob, err := scanObligation(rows)
		if err != nil {
			return nil, "", classify("scan obligation", err)
		}
		out = append(out, ob)
	}
	if err := rows.Err(); err != nil {
		return nil, "", classify("list obligations", err)
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (s *sqlStore) GetObligation(ctx context.Context, id string) (domain.Obligation, error) {
	if s == nil || s.db == nil {
		return domain.Obligation{}, ErrDisabled
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+obligationCols+` FROM obligations WHERE id = ?`), id)
	ob, err := scanObligation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Obligation{}, fmt.Errorf("obligation %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Obligation{}, classify("get obligation", err)
	}
	return ob, nil
}

func (s *sqlStore) PutObligation(ctx context.Context, ob domain.Obligation) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(ob.ID) == "" {
		return errors.New("obligation id is required")
	}
	if ob.CreatedAt.IsZero() {
		ob.CreatedAt = time.Now()
	}
	if ob.PaymentStatus == "" {
		ob.PaymentStatus = domain.PaymentPending
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO obligations(`+obligationCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			kind = excluded.kind,
			anchor_date = excluded.anchor_date,
			recurrence = excluded.recurrence,
			next_due_date = excluded.next_due_date,
			last_due_date = excluded.last_due_date,
			active = excluded.active,
			payment_status = excluded.payment_status`),
		ob.ID, ob.TenantID, string(ob.Kind), formatDate(ob.AnchorDate), string(ob.Recurrence),
		nullDate(ob.NextDueDate), nullDate(ob.LastDueDate), boolInt(ob.Active), string(ob.PaymentStatus),
		ob.CreatedAt.UnixMilli(),
	)
	return classify("put obligation", err)
}

func (s *sqlStore) UpdateNextDueDate(ctx context.Context, id string, next, last time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE obligations SET next_due_date = ?, last_due_date = ? WHERE id = ?`),
		nullDate(next), nullDate(last), id,
	)
	if err != nil {
		return classify("update next due date", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("obligation %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *sqlStore) DeactivateExcess(ctx context.Context, tenantID string, keep int) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	if keep < 0 {
		return 0, nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE obligations SET active = 0
		 WHERE tenant_id = ? AND active = 1 AND id NOT IN (
			SELECT id FROM obligations WHERE tenant_id = ? AND active = 1
			ORDER BY created_at, id LIMIT ?
		 )`),
		tenantID, tenantID, keep,
	)
	if err != nil {
		return 0, classify("deactivate obligations", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---- dispatch ledger ----

const dispatchCols = `occasion_key, tenant_id, obligation_id, due_date, label, run_id, channels_attempted, channels_succeeded, status, error_detail, attempted_at, updated_at`

func (s *sqlStore) ClaimDispatch(ctx context.Context, rec domain.DispatchRecord) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	if rec.OccasionKey == "" {
		return false, errors.New("occasion key is required")
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO dispatches(`+dispatchCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(occasion_key) DO NOTHING`),
		dispatchArgs(rec)...,
	)
	if err != nil {
		return false, classify("claim dispatch", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("claim dispatch", err)
	}
	return n == 1, nil
}

func (s *sqlStore) RecordDispatch(ctx context.Context, rec domain.DispatchRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.OccasionKey == "" {
		return errors.New("occasion key is required")
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO dispatches(`+dispatchCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(occasion_key) DO UPDATE SET
			run_id = excluded.run_id,
			channels_attempted = excluded.channels_attempted,
			channels_succeeded = excluded.channels_succeeded,
			status = excluded.status,
			error_detail = excluded.error_detail,
			updated_at = excluded.updated_at`),
		dispatchArgs(rec)...,
	)
	return classify("record dispatch", err)
}

func (s *sqlStore) GetDispatch(ctx context.Context, key string) (domain.DispatchRecord, error) {
	if s == nil || s.db == nil {
		return domain.DispatchRecord{}, ErrDisabled
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+dispatchCols+` FROM dispatches WHERE occasion_key = ?`), key)
	rec, err := scanDispatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DispatchRecord{}, fmt.Errorf("dispatch %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return domain.DispatchRecord{}, classify("get dispatch", err)
	}
	return rec, nil
}

func (s *sqlStore) ListDispatches(ctx context.Context, f DispatchFilter) ([]domain.DispatchRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	query := `SELECT ` + dispatchCols + ` FROM dispatches`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY attempted_at DESC, occasion_key LIMIT ?"
	args = append(args, limit)

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, classify("list dispatches", err)
	}
	defer rows.Close()

	var out []domain.DispatchRecord
	for rows.Next() {
		rec, err := scanDispatch(rows)
		if err != nil {
			return nil, classify("scan dispatch", err)
		}
		out = append(out, rec)
	}
	return out, classify("list dispatches", rows.Err())
}

// ---- plans ----

func (s *sqlStore) GetPlanState(ctx context.Context, tenantID string) (domain.PlanState, bool, error) {
	if s == nil || s.db == nil {
		return domain.PlanState{}, false, ErrDisabled
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	p, err := scanPlan(s.db.QueryRowContext(ctx, s.q(
		`SELECT tenant_id, tier, status, expires_at, updated_at FROM plan_states WHERE tenant_id = ?`), tenantID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PlanState{}, false, nil
	}
	if err != nil {
		return domain.PlanState{}, false, classify("get plan state", err)
	}
	return p, true, nil
}

func (s *sqlStore) PutPlanState(ctx context.Context, p domain.PlanState) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	if p.Status == "" {
		p.Status = domain.PlanActive
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO plan_states(tenant_id, tier, status, expires_at, updated_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(tenant_id) DO UPDATE SET
			tier = excluded.tier,
			status = excluded.status,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`),
		p.TenantID, string(p.Tier), string(p.Status), nullMillis(p.ExpiresAt), p.UpdatedAt.UnixMilli(),
	)
	return classify("put plan state", err)
}

func (s *sqlStore) ListExpiredPlans(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT tenant_id FROM plan_states
		 WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < ?
		 ORDER BY tenant_id LIMIT ?`),
		now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, classify("list expired plans", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify("scan plan", err)
		}
		out = append(out, id)
	}
	return out, classify("list expired plans", rows.Err())
}

func (s *sqlStore) ListExpiringPlans(ctx context.Context, from, to time.Time, afterTenant string, limit int) ([]domain.PlanState, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT tenant_id, tier, status, expires_at, updated_at FROM plan_states
		 WHERE expires_at IS NOT NULL AND expires_at >= ? AND expires_at < ? AND tenant_id > ?
		 ORDER BY tenant_id LIMIT ?`),
		from.UnixMilli(), to.UnixMilli(), afterTenant, limit,
	)
	if err != nil {
		return nil, classify("list expiring plans", err)
	}
	defer rows.Close()

	var out []domain.PlanState
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, classify("scan plan", err)
		}
		out = append(out, p)
	}
	return out, classify("list expiring plans", rows.Err())
}

func (s *sqlStore) Downgrade(ctx context.Context, tenantID string, now time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE plan_states SET tier = 'free', status = 'expired', updated_at = ?
		 WHERE tenant_id = ? AND status = 'active' AND expires_at IS NOT NULL AND expires_at < ?`),
		now.UnixMilli(), tenantID, now.UnixMilli(),
	)
	if err != nil {
		return false, classify("downgrade plan", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("downgrade plan", err)
	}
	return n == 1, nil
}

// ---- contacts ----

func (s *sqlStore) GetContact(ctx context.Context, tenantID string) (domain.TenantContact, bool, error) {
	if s == nil || s.db == nil {
		return domain.TenantContact{}, false, ErrDisabled
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var c domain.TenantContact
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT tenant_id, business_name, email, phone FROM contacts WHERE tenant_id = ?`), tenantID,
	).Scan(&c.TenantID, &c.BusinessName, &c.Email, &c.Phone)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TenantContact{}, false, nil
	}
	if err != nil {
		return domain.TenantContact{}, false, classify("get contact", err)
	}
	return c, true, nil
}

func (s *sqlStore) PutContact(ctx context.Context, c domain.TenantContact) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO contacts(tenant_id, business_name, email, phone)
		 VALUES(?,?,?,?)
		 ON CONFLICT(tenant_id) DO UPDATE SET
			business_name = excluded.business_name,
			email = excluded.email,
			phone = excluded.phone`),
		c.TenantID, c.BusinessName, c.Email, c.Phone,
	)
	return classify("put contact", err)
}

// ---- helpers ----

type scanner interface {
	Scan(dest ...any) error
}

func scanObligation(sc scanner) (domain.Obligation, error) {
	var (
		ob                domain.Obligation
		kind, rec, status string
		anchor            string
		next, last        sql.NullString
		active            int
		createdAt         int64
	)
	if err := sc.Scan(&ob.ID, &ob.TenantID, &kind, &anchor, &rec, &next, &last, &active, &status, &createdAt); err != nil {
		return domain.Obligation{}, err
	}
	ob.Kind = domain.Kind(kind)
	ob.Recurrence = domain.Recurrence(rec)
	ob.PaymentStatus = domain.PaymentStatus(status)
	ob.Active = active != 0
	ob.CreatedAt = time.UnixMilli(createdAt).UTC()

	var err error
	if ob.AnchorDate, err = parseDate(anchor); err != nil {
		return domain.Obligation{}, fmt.Errorf("obligation %s anchor_date: %w", ob.ID, err)
	}
	if next.Valid {
		if ob.NextDueDate, err = parseDate(next.String); err != nil {
			return domain.Obligation{}, fmt.Errorf("obligation %s next_due_date: %w", ob.ID, err)
		}
	}
	if last.Valid {
		if ob.LastDueDate, err = parseDate(last.String); err != nil {
			return domain.Obligation{}, fmt.Errorf("obligation %s last_due_date: %w", ob.ID, err)
		}
	}
	return ob, nil
}

func scanPlan(sc scanner) (domain.PlanState, error) {
	var (
		p         domain.PlanState
		tier      string
		status    string
		expiresAt sql.NullInt64
		updatedAt int64
	)
	if err := sc.Scan(&p.TenantID, &tier, &status, &expiresAt, &updatedAt); err != nil {
		return domain.PlanState{}, err
	}
	p.Tier = domain.PlanTier(tier)
	p.Status = domain.PlanStatus(status)
	if expiresAt.Valid {
		p.ExpiresAt = time.UnixMilli(expiresAt.Int64).UTC()
	}
	p.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return p, nil
}

func dispatchArgs(rec domain.DispatchRecord) []any {
	if rec.AttemptedAt.IsZero() {
		rec.AttemptedAt = time.Now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.AttemptedAt
	}
	return []any{
		rec.OccasionKey, rec.TenantID, rec.ObligationID, formatDate(rec.DueDate), rec.Label, rec.RunID,
		domain.JoinChannels(rec.ChannelsAttempted), domain.JoinChannels(rec.ChannelsSucceeded),
		string(rec.Status), rec.ErrorDetail, rec.AttemptedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	}
}

func scanDispatch(sc scanner) (domain.DispatchRecord, error) {
	var (
		rec                   domain.DispatchRecord
		due                   string
		attempted, succeeded  string
		status                string
		attemptedAt, updateAt int64
	)
	if err := sc.Scan(&rec.OccasionKey, &rec.TenantID, &rec.ObligationID, &due, &rec.Label, &rec.RunID,
		&attempted, &succeeded, &status, &rec.ErrorDetail, &attemptedAt, &updateAt); err != nil {
		return domain.DispatchRecord{}, err
	}
	rec.DueDate, _ = parseDate(due)
	rec.ChannelsAttempted = domain.SplitChannels(attempted)
	rec.ChannelsSucceeded = domain.SplitChannels(succeeded)
	rec.Status = domain.DispatchStatus(status)
	rec.AttemptedAt = time.UnixMilli(attemptedAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updateAt).UTC()
	return rec, nil
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(domain.DateLayout)
}

func parseDate(s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(domain.DateLayout, s, time.UTC)
}

func nullDate(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(domain.DateLayout)
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// classify wraps connectivity failures with domain.ErrStoreUnavailable so the
// dispatcher can tell them apart from per-row errors.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isUnavailable(err) {
		return domain.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
