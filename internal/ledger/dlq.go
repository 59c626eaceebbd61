package ledger

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DLQEntry records a lineage that terminated without success.
type DLQEntry struct {
	DeliveryID string    `json:"delivery_id"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// DLQStore persists dead-lettered deliveries for inspection and replay.
type DLQStore struct {
	pool *pgxpool.Pool
}

func NewDLQStore(pool *pgxpool.Pool) *DLQStore {
	return &DLQStore{pool: pool}
}

func (s *DLQStore) Insert(ctx context.Context, deliveryID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO hookrelay.dlq(delivery_id, reason) VALUES ($1, $2)`,
		deliveryID, reason,
	)
	return err
}

// List returns dead-lettered entries, newest first.
func (s *DLQStore) List(ctx context.Context, limit int) ([]DLQEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT delivery_id, reason, created_at
		FROM hookrelay.dlq
		ORDER BY created_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DLQEntry
	for rows.Next() {
		var e DLQEntry
		if err := rows.Scan(&e.DeliveryID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
