package event

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no event exists for the given id.
var ErrNotFound = errors.New("event not found")

// Event is an immutable fact produced by the rest of the platform. Rows are
// inserted once and never mutated.
type Event struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	RelatedID string         `json:"related_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// New materializes an event record with a fresh id.
func New(tenantID, eventType string, payload map[string]any, relatedID string) Event {
	return Event{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Type:      eventType,
		Payload:   payload,
		RelatedID: relatedID,
		CreatedAt: time.Now().UTC(),
	}
}

// Store persists events in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Insert writes the event row. Payload travels as jsonb.
func (s *Store) Insert(ctx context.Context, ev Event) error {
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO hookrelay.events(id, tenant_id, event_type, payload, related_id, created_at)
		VALUES ($1, $2, $3, $4::jsonb, NULLIF($5, ''), $6)`,
		ev.ID, ev.TenantID, ev.Type, string(payloadJSON), ev.RelatedID, ev.CreatedAt,
	)
	return err
}

// Get fetches one event by id.
func (s *Store) Get(ctx context.Context, id string) (Event, error) {
	var (
		ev          Event
		payloadJSON []byte
		relatedID   *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, event_type, payload, related_id, created_at
		FROM hookrelay.events
		WHERE id=$1`,
		id,
	).Scan(&ev.ID, &ev.TenantID, &ev.Type, &payloadJSON, &relatedID, &ev.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, err
	}
	if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
		return Event{}, err
	}
	if relatedID != nil {
		ev.RelatedID = *relatedID
	}
	return ev, nil
}
