package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no ledger rows exist for a delivery id.
var ErrNotFound = errors.New("delivery not found")

// Status of one delivery attempt row.
type Status string

const (
	StatusPending         Status = "pending"
	StatusSent            Status = "sent"
	StatusFailedRetryable Status = "failed_retryable"
	StatusFailedPermanent Status = "failed_permanent"
)

// Terminal reports whether a lineage ending in this status is finished.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailedPermanent
}

// Attempt is one append-only ledger row. One row per attempt, never
// overwritten; the current state of a delivery is its latest row.
type Attempt struct {
	DeliveryID     string     `json:"delivery_id"`
	SubscriptionID string     `json:"subscription_id"`
	EventID        string     `json:"event_id"`
	AttemptNumber  int        `json:"attempt_number"`
	Status         Status     `json:"status"`
	HTTPStatus     int        `json:"http_status,omitempty"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Store is the append-only writer plus the read paths over delivery attempts.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const attemptCols = `delivery_id, subscription_id, event_id, attempt_number, status, COALESCE(http_status, 0), scheduled_at, sent_at, COALESCE(error, '')`

// Append inserts one attempt row. Rows are never updated or deleted.
func (s *Store) Append(ctx context.Context, a Attempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO hookrelay.delivery_attempts(delivery_id, subscription_id, event_id, attempt_number, status, http_status, scheduled_at, sent_at, error)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, 0), $7, $8, NULLIF($9, ''))`,
		a.DeliveryID, a.SubscriptionID, a.EventID, a.AttemptNumber, a.Status, a.HTTPStatus, a.ScheduledAt, a.SentAt, a.Error,
	)
	return err
}

// CurrentState returns the latest row for a delivery id.
func (s *Store) CurrentState(ctx context.Context, deliveryID string) (Attempt, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+attemptCols+`
		FROM hookrelay.delivery_attempts
		WHERE delivery_id=$1
		ORDER BY seq DESC
		LIMIT 1`,
		deliveryID,
	)
	a, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Attempt{}, ErrNotFound
	}
	return a, err
}

// NextAttempt derives the attempt number the worker should record for the next
// send of this lineage. terminal is true when the lineage is already finished,
// which is how duplicate queue deliveries are detected and dropped.
//
// Derivation: the pending row opened the lineage at attempt 1; each
// failed_retryable row at attempt n schedules attempt n+1.
func (s *Store) NextAttempt(ctx context.Context, deliveryID string) (attempt int, terminal bool, err error) {
	latest, err := s.CurrentState(ctx, deliveryID)
	if err != nil {
		return 0, false, err
	}
	switch latest.Status {
	case StatusPending:
		return latest.AttemptNumber, false, nil
	case StatusFailedRetryable:
		return latest.AttemptNumber + 1, false, nil
	default:
		return latest.AttemptNumber, true, nil
	}
}

// History returns all attempt rows of one lineage in order.
func (s *Store) History(ctx context.Context, deliveryID string) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+attemptCols+`
		FROM hookrelay.delivery_attempts
		WHERE delivery_id=$1
		ORDER BY seq ASC`,
		deliveryID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out, err := scanAttempts(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// BySubscription returns the most recent attempt rows for a subscription,
// newest first, for the management delivery-history surface.
func (s *Store) BySubscription(ctx context.Context, subscriptionID string, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+attemptCols+`
		FROM hookrelay.delivery_attempts
		WHERE subscription_id=$1
		ORDER BY seq DESC
		LIMIT $2`,
		subscriptionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAttempts(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (Attempt, error) {
	var a Attempt
	err := row.Scan(
		&a.DeliveryID, &a.SubscriptionID, &a.EventID, &a.AttemptNumber,
		&a.Status, &a.HTTPStatus, &a.ScheduledAt, &a.SentAt, &a.Error,
	)
	return a, err
}

func scanAttempts(rows pgx.Rows) ([]Attempt, error) {
	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
