package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DB wraps a PostgreSQL connection pool backing the platform's
// request, submission and audit tables.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string, maxConns int) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	config.MaxConns = int32(maxConns)
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// MarkEventProcessed claims an event key. The insert races with other
// replicas; exactly one caller sees true.
func (db *DB) MarkEventProcessed(ctx context.Context, eventKey string) (bool, error) {
	query := `
		INSERT INTO processed_events (event_key, processed_at)
		VALUES ($1, $2)
		ON CONFLICT (event_key) DO NOTHING`

	tag, err := db.pool.Exec(ctx, query, eventKey, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("marking event %s processed: %w", eventKey, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CreateRequest inserts a new service request record.
func (db *DB) CreateRequest(ctx context.Context, req *ServiceRequest) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	req.UpdatedAt = req.CreatedAt

	query := `
		INSERT INTO service_requests (request_id, app_id, service_type, requester,
			event_key, payload, status, result, error, callback_tx,
			created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := db.pool.Exec(ctx, query,
		req.RequestID, req.AppID, req.ServiceType, req.Requester,
		req.EventKey,
		truncateForDB(req.Payload, 65535),
		req.Status,
		truncateForDB(req.Result, 65535),
		truncateForDB(req.Error, 65535),
		req.CallbackTx,
		req.CreatedAt, req.UpdatedAt, req.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting request %s: %w", req.RequestID, err)
	}
	return nil
}

// UpdateRequest applies a partial update. Nil fields keep the stored
// value.
func (db *DB) UpdateRequest(ctx context.Context, requestID string, update RequestUpdate) error {
	query := `
		UPDATE service_requests
		SET status = CASE WHEN $2 = '' THEN status ELSE $2 END,
			result = COALESCE($3, result),
			error = COALESCE($4, error),
			callback_tx = COALESCE($5, callback_tx),
			completed_at = COALESCE($6, completed_at),
			updated_at = $7
		WHERE request_id = $1`

	tag, err := db.pool.Exec(ctx, query,
		requestID, update.Status,
		truncatePtr(update.Result, 65535),
		truncatePtr(update.Error, 65535),
		update.CallbackTx, update.CompletedAt,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("updating request %s: %w", requestID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRequest retrieves a single request by ID.
func (db *DB) GetRequest(ctx context.Context, requestID string) (*ServiceRequest, error) {
	query := `
		SELECT request_id, app_id, service_type, requester, event_key, payload,
			status, result, error, callback_tx, created_at, updated_at, completed_at
		FROM service_requests WHERE request_id = $1`

	var req ServiceRequest
	err := db.pool.QueryRow(ctx, query, requestID).Scan(
		&req.RequestID, &req.AppID, &req.ServiceType, &req.Requester,
		&req.EventKey, &req.Payload,
		&req.Status, &req.Result, &req.Error, &req.CallbackTx,
		&req.CreatedAt, &req.UpdatedAt, &req.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying request %s: %w", requestID, err)
	}
	return &req, nil
}

// ListRequests queries requests with optional filters.
func (db *DB) ListRequests(ctx context.Context, filter RequestFilter) ([]ServiceRequest, error) {
	query := `
		SELECT request_id, app_id, service_type, status, result, error,
			callback_tx, created_at, updated_at, completed_at
		FROM service_requests
		WHERE ($1 = '' OR app_id = $1)
		  AND ($2 = '' OR service_type = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.AppID, filter.ServiceType, filter.Status, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying requests: %w", err)
	}
	defer rows.Close()

	var results []ServiceRequest
	for rows.Next() {
		var req ServiceRequest
		if err := rows.Scan(
			&req.RequestID, &req.AppID, &req.ServiceType, &req.Status,
			&req.Result, &req.Error, &req.CallbackTx,
			&req.CreatedAt, &req.UpdatedAt, &req.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning request row: %w", err)
		}
		results = append(results, req)
	}

	return results, rows.Err()
}

// CreateSubmission claims a request ID. Exactly one concurrent caller
// sees true; the rest get false and must treat the invocation as
// already handled.
func (db *DB) CreateSubmission(ctx context.Context, sub *Submission) (bool, error) {
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO submissions (request_id, caller, contract, method,
			payload_hash, tx_hash, status, error, submitted_at, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (request_id) DO NOTHING`

	tag, err := db.pool.Exec(ctx, query,
		sub.RequestID, sub.Caller, sub.Contract, sub.Method,
		sub.PayloadHash, sub.TxHash, sub.Status,
		truncateForDB(sub.Error, 65535),
		sub.SubmittedAt, sub.ConfirmedAt,
	)
	if err != nil {
		return false, fmt.Errorf("inserting submission %s: %w", sub.RequestID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateSubmission applies a partial update by request ID.
func (db *DB) UpdateSubmission(ctx context.Context, requestID string, update SubmissionUpdate) error {
	query := `
		UPDATE submissions
		SET status = CASE WHEN $2 = '' THEN status ELSE $2 END,
			tx_hash = COALESCE($3, tx_hash),
			error = COALESCE($4, error),
			confirmed_at = COALESCE($5, confirmed_at)
		WHERE request_id = $1`

	tag, err := db.pool.Exec(ctx, query,
		requestID, update.Status,
		update.TxHash,
		truncatePtr(update.Error, 65535),
		update.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("updating submission %s: %w", requestID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSubmission releases a request ID claim.
func (db *DB) DeleteSubmission(ctx context.Context, requestID string) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM submissions WHERE request_id = $1`, requestID)
	if err != nil {
		return fmt.Errorf("deleting submission %s: %w", requestID, err)
	}
	return nil
}

// GetSubmission retrieves a submission by request ID.
func (db *DB) GetSubmission(ctx context.Context, requestID string) (*Submission, error) {
	query := `
		SELECT request_id, caller, contract, method, payload_hash,
			tx_hash, status, error, submitted_at, confirmed_at
		FROM submissions WHERE request_id = $1`

	var sub Submission
	err := db.pool.QueryRow(ctx, query, requestID).Scan(
		&sub.RequestID, &sub.Caller, &sub.Contract, &sub.Method,
		&sub.PayloadHash, &sub.TxHash, &sub.Status, &sub.Error,
		&sub.SubmittedAt, &sub.ConfirmedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying submission %s: %w", requestID, err)
	}
	return &sub, nil
}

// PendingSubmissions returns submitted-but-unconfirmed records oldest
// first, for the confirmation poller.
func (db *DB) PendingSubmissions(ctx context.Context, limit int) ([]Submission, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT request_id, caller, contract, method, payload_hash,
			tx_hash, status, error, submitted_at, confirmed_at
		FROM submissions
		WHERE status = $1
		ORDER BY submitted_at ASC
		LIMIT $2`

	rows, err := db.pool.Query(ctx, query, SubmissionSubmitted, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending submissions: %w", err)
	}
	defer rows.Close()

	var results []Submission
	for rows.Next() {
		var sub Submission
		if err := rows.Scan(
			&sub.RequestID, &sub.Caller, &sub.Contract, &sub.Method,
			&sub.PayloadHash, &sub.TxHash, &sub.Status, &sub.Error,
			&sub.SubmittedAt, &sub.ConfirmedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning submission row: %w", err)
		}
		results = append(results, sub)
	}

	return results, rows.Err()
}

// AppendAudit inserts an audit trail entry.
func (db *DB) AppendAudit(ctx context.Context, ev *AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_events (id, request_id, actor, action, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := db.pool.Exec(ctx, query,
		ev.ID, ev.RequestID, ev.Actor, ev.Action,
		truncateForDB(ev.Detail, 65535),
		ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

func truncatePtr(s *string, maxLen int) *string {
	if s == nil {
		return nil
	}
	t := truncateForDB(*s, maxLen)
	return &t
}
