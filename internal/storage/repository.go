package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"drawfeed/internal/endpoint"
)

const (
	upsertEndpointSQL = `INSERT INTO endpoints (
        id,
        source_type,
        url,
        priority,
        status,
        enabled,
        total_requests,
        success_requests,
        failed_requests,
        consecutive_failures,
        success_rate,
        avg_response_time_ms,
        last_success_at,
        last_failure_at,
        failure_reason,
        created_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
    )
    ON CONFLICT (id) DO UPDATE
    SET
        source_type          = EXCLUDED.source_type,
        url                  = EXCLUDED.url,
        priority             = EXCLUDED.priority,
        status               = EXCLUDED.status,
        enabled              = EXCLUDED.enabled,
        total_requests       = EXCLUDED.total_requests,
        success_requests     = EXCLUDED.success_requests,
        failed_requests      = EXCLUDED.failed_requests,
        consecutive_failures = EXCLUDED.consecutive_failures,
        success_rate         = EXCLUDED.success_rate,
        avg_response_time_ms = EXCLUDED.avg_response_time_ms,
        last_success_at      = EXCLUDED.last_success_at,
        last_failure_at      = EXCLUDED.last_failure_at,
        failure_reason       = EXCLUDED.failure_reason,
        updated_at           = EXCLUDED.updated_at;`

	listEndpointsSQL = `SELECT
        id,
        source_type,
        url,
        priority,
        status,
        enabled,
        total_requests,
        success_requests,
        failed_requests,
        consecutive_failures,
        success_rate::text,
        avg_response_time_ms::text,
        last_success_at,
        last_failure_at,
        failure_reason,
        created_at,
        updated_at
    FROM endpoints
    ORDER BY source_type, priority, id;`

	deleteEndpointSQL = `DELETE FROM endpoints WHERE id = $1;`

	insertSwitchSQL = `INSERT INTO switch_history (
        source_type,
        old_endpoint_id,
        new_endpoint_id,
        reason,
        trigger_type,
        operator,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    );`

	listSwitchesSQL = `SELECT
        source_type,
        old_endpoint_id,
        new_endpoint_id,
        reason,
        trigger_type,
        operator,
        created_at
    FROM switch_history
    WHERE ($1 = '' OR source_type = $1)
    ORDER BY created_at DESC, id DESC
    LIMIT $2;`

	upsertDrawSQL = `INSERT INTO draw_records (
        item_id,
        period,
        source_type,
        endpoint_id,
        draw_time,
        payload,
        fetched_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (item_id, period) DO UPDATE
    SET
        source_type = EXCLUDED.source_type,
        endpoint_id = EXCLUDED.endpoint_id,
        draw_time   = EXCLUDED.draw_time,
        payload     = EXCLUDED.payload,
        fetched_at  = EXCLUDED.fetched_at;`

	listDrawsBetweenSQL = `SELECT
        item_id,
        period,
        source_type,
        endpoint_id,
        draw_time,
        payload,
        fetched_at
    FROM draw_records
    WHERE ($1 = '' OR item_id = $1)
      AND fetched_at >= $2
      AND fetched_at < $3
    ORDER BY fetched_at;`

	listRecentDrawsSQL = `SELECT
        item_id,
        period,
        source_type,
        endpoint_id,
        draw_time,
        payload,
        fetched_at
    FROM draw_records
    WHERE ($1 = '' OR item_id = $1)
    ORDER BY fetched_at DESC
    LIMIT $2;`

	countDrawsSQL = `SELECT COUNT(*) FROM draw_records;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// EndpointStore persists endpoint snapshots and the switch audit trail.
type EndpointStore interface {
	SaveEndpoint(ctx context.Context, ep endpoint.Endpoint) error
	LoadEndpoints(ctx context.Context) ([]endpoint.Endpoint, error)
	DeleteEndpoint(ctx context.Context, id string) error
	SaveSwitch(ctx context.Context, entry endpoint.SwitchHistoryEntry) error
	ListSwitches(ctx context.Context, sourceType string, limit int) ([]endpoint.SwitchHistoryEntry, error)
}

// DrawStore persists normalised fetch results.
type DrawStore interface {
	SaveDraw(ctx context.Context, rec DrawRecord) error
	ListDrawsBetween(ctx context.Context, itemID string, from, to time.Time) ([]DrawRecord, error)
	ListRecentDraws(ctx context.Context, itemID string, limit int) ([]DrawRecord, error)
	CountDraws(ctx context.Context) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session when the connection closes
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// SaveEndpoint upserts an endpoint snapshot.
func (s *Store) SaveEndpoint(ctx context.Context, ep endpoint.Endpoint) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	successRate := decimal.NewFromFloat(ep.SuccessRate).Round(6).String()
	avgResponse := decimal.NewFromFloat(ep.AvgResponseTimeMs).Round(3).String()

	_, execErr := pool.Exec(ctx, upsertEndpointSQL,
		ep.ID,
		ep.SourceType,
		ep.URL,
		ep.Priority,
		string(ep.Status),
		ep.Enabled,
		ep.TotalRequests,
		ep.SuccessRequests,
		ep.FailedRequests,
		ep.ConsecutiveFailures,
		successRate,
		avgResponse,
		nullTime(ep.LastSuccessAt),
		nullTime(ep.LastFailureAt),
		nullString(ep.FailureReason),
		ep.CreatedAt,
		ep.UpdatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("upsert endpoint: %w", execErr)
	}
	return nil
}

// LoadEndpoints returns every persisted endpoint.
func (s *Store) LoadEndpoints(ctx context.Context) ([]endpoint.Endpoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listEndpointsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list endpoints: %w", queryErr)
	}
	defer rows.Close()

	endpoints := make([]endpoint.Endpoint, 0)
	for rows.Next() {
		ep, scanErr := scanEndpoint(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		endpoints = append(endpoints, ep)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return endpoints, nil
}

// DeleteEndpoint removes a persisted endpoint.
func (s *Store) DeleteEndpoint(ctx context.Context, id string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, deleteEndpointSQL, id)
	if execErr != nil {
		return fmt.Errorf("delete endpoint: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// SaveSwitch appends a switch history entry.
func (s *Store) SaveSwitch(ctx context.Context, entry endpoint.SwitchHistoryEntry) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertSwitchSQL,
		entry.SourceType,
		entry.OldEndpointID,
		entry.NewEndpointID,
		entry.Reason,
		string(entry.TriggerType),
		entry.Operator,
		entry.CreatedAt,
	); execErr != nil {
		return fmt.Errorf("insert switch: %w", execErr)
	}
	return nil
}

// ListSwitches lists switches newest first; an empty source-type lists all.
func (s *Store) ListSwitches(ctx context.Context, sourceType string, limit int) ([]endpoint.SwitchHistoryEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, queryErr := pool.Query(ctx, listSwitchesSQL, sourceType, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list switches: %w", queryErr)
	}
	defer rows.Close()

	entries := make([]endpoint.SwitchHistoryEntry, 0, limit)
	for rows.Next() {
		var (
			entry   endpoint.SwitchHistoryEntry
			trigger string
		)
		if err := rows.Scan(
			&entry.SourceType,
			&entry.OldEndpointID,
			&entry.NewEndpointID,
			&entry.Reason,
			&trigger,
			&entry.Operator,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		entry.TriggerType = endpoint.TriggerType(trigger)
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

// SaveDraw upserts a draw record keyed by item and period.
func (s *Store) SaveDraw(ctx context.Context, rec DrawRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var payload any
	if len(rec.Payload) > 0 {
		payload = []byte(rec.Payload)
	}

	if _, execErr := pool.Exec(ctx, upsertDrawSQL,
		rec.ItemID,
		rec.Period,
		rec.SourceType,
		rec.EndpointID,
		nullTime(rec.DrawTime),
		payload,
		rec.FetchedAt,
	); execErr != nil {
		return fmt.Errorf("upsert draw record: %w", execErr)
	}
	return nil
}

// ListDrawsBetween lists draws fetched within [from, to).
func (s *Store) ListDrawsBetween(ctx context.Context, itemID string, from, to time.Time) ([]DrawRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDrawsBetweenSQL, itemID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list draws between: %w", queryErr)
	}
	defer rows.Close()
	return collectDraws(rows, 0)
}

// ListRecentDraws lists the most recent draws, newest first.
func (s *Store) ListRecentDraws(ctx context.Context, itemID string, limit int) ([]DrawRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentDrawsSQL, itemID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent draws: %w", queryErr)
	}
	defer rows.Close()
	return collectDraws(rows, limit)
}

// CountDraws counts stored draws.
func (s *Store) CountDraws(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countDrawsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count draws: %w", scanErr)
	}
	return count, nil
}

func collectDraws(rows pgx.Rows, capacity int) ([]DrawRecord, error) {
	draws := make([]DrawRecord, 0, capacity)
	for rows.Next() {
		var (
			rec      DrawRecord
			drawTime sql.NullTime
			payload  []byte
		)
		if err := rows.Scan(
			&rec.ItemID,
			&rec.Period,
			&rec.SourceType,
			&rec.EndpointID,
			&drawTime,
			&payload,
			&rec.FetchedAt,
		); err != nil {
			return nil, err
		}
		if drawTime.Valid {
			rec.DrawTime = drawTime.Time
		}
		rec.Payload = payload
		draws = append(draws, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return draws, nil
}

func scanEndpoint(rows pgx.Rows) (endpoint.Endpoint, error) {
	var (
		ep             endpoint.Endpoint
		status         string
		successRateStr string
		avgStr         string
		lastSuccess    sql.NullTime
		lastFailure    sql.NullTime
		reason         sql.NullString
	)
	if err := rows.Scan(
		&ep.ID,
		&ep.SourceType,
		&ep.URL,
		&ep.Priority,
		&status,
		&ep.Enabled,
		&ep.TotalRequests,
		&ep.SuccessRequests,
		&ep.FailedRequests,
		&ep.ConsecutiveFailures,
		&successRateStr,
		&avgStr,
		&lastSuccess,
		&lastFailure,
		&reason,
		&ep.CreatedAt,
		&ep.UpdatedAt,
	); err != nil {
		return endpoint.Endpoint{}, err
	}

	successRate, err := decimal.NewFromString(successRateStr)
	if err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("parse success rate: %w", err)
	}
	avg, err := decimal.NewFromString(avgStr)
	if err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("parse avg response time: %w", err)
	}

	ep.Status = endpoint.Status(status)
	ep.SuccessRate = successRate.InexactFloat64()
	ep.AvgResponseTimeMs = avg.InexactFloat64()
	if lastSuccess.Valid {
		ep.LastSuccessAt = lastSuccess.Time
	}
	if lastFailure.Valid {
		ep.LastFailureAt = lastFailure.Time
	}
	if reason.Valid {
		ep.FailureReason = reason.String
	}
	return ep, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var (
	_ EndpointStore      = (*Store)(nil)
	_ DrawStore          = (*Store)(nil)
	_ AdvisoryLocker     = (*Store)(nil)
	_ endpoint.Persister = (*Store)(nil)
)
