package subscription

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrelmail/hookrelay/internal/backoff"
)

// Store persists subscriptions in Postgres. All reads are safe for concurrent
// use; writes are single-row and rely on row-level atomicity only.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const subscriptionCols = `id, tenant_id, url, secret, event_filter, status, batch_size, max_retries, backoff, created_at`

// generateSecret generates a random base64-encoded string of n bytes
func generateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Create validates and inserts a new subscription. The returned value carries
// the plaintext secret; this is the only read path that does besides rotation.
func (s *Store) Create(ctx context.Context, p CreateParams) (Subscription, error) {
	if err := p.validate(); err != nil {
		return Subscription{}, err
	}

	secret := p.Secret
	if secret == "" {
		var err error
		secret, err = generateSecret(32) // 256-bit
		if err != nil {
			return Subscription{}, err
		}
	}

	policy := backoff.Default()
	if p.Backoff != nil {
		policy = *p.Backoff
	}
	policyJSON, err := json.Marshal(policy)
	if err != nil {
		return Subscription{}, err
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO hookrelay.subscriptions(tenant_id, url, secret, event_filter, status, batch_size, max_retries, backoff)
		VALUES ($1, $2, $3, $4, 'active', $5, $6, $7::jsonb)
		RETURNING `+subscriptionCols,
		p.TenantID, p.URL, secret, p.EventFilter, p.BatchSize, p.MaxRetries, string(policyJSON),
	)
	return scanSubscription(row)
}

// Update applies a partial update scoped to the owning tenant.
func (s *Store) Update(ctx context.Context, id, tenantID string, p UpdateParams) (Subscription, error) {
	if err := p.validate(); err != nil {
		return Subscription{}, err
	}

	sub, err := s.getForTenant(ctx, id, tenantID)
	if err != nil {
		return Subscription{}, err
	}

	if p.URL != nil {
		sub.URL = *p.URL
	}
	if p.EventFilter != nil {
		sub.EventFilter = p.EventFilter
	}
	if p.BatchSize != nil {
		sub.BatchSize = *p.BatchSize
	}
	if p.MaxRetries != nil {
		sub.MaxRetries = *p.MaxRetries
	}
	if p.Backoff != nil {
		sub.Backoff = *p.Backoff
	}
	policyJSON, err := json.Marshal(sub.Backoff)
	if err != nil {
		return Subscription{}, err
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE hookrelay.subscriptions
		SET url=$3, event_filter=$4, batch_size=$5, max_retries=$6, backoff=$7::jsonb, updated_at=now()
		WHERE id=$1 AND tenant_id=$2
		RETURNING `+subscriptionCols,
		id, tenantID, sub.URL, sub.EventFilter, sub.BatchSize, sub.MaxRetries, string(policyJSON),
	)
	out, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	return out, err
}

// RotateSecret replaces the secret, effective on the next delivery attempt.
// The new plaintext secret is returned once.
func (s *Store) RotateSecret(ctx context.Context, id, tenantID string) (Subscription, error) {
	secret, err := generateSecret(32)
	if err != nil {
		return Subscription{}, err
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE hookrelay.subscriptions
		SET secret=$3, updated_at=now()
		WHERE id=$1 AND tenant_id=$2
		RETURNING `+subscriptionCols,
		id, tenantID, secret,
	)
	out, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	return out, err
}

// Disable soft-disables a subscription. Never a row delete; queued retries keep
// their ledger and future dispatch stops seeing the row.
func (s *Store) Disable(ctx context.Context, id, tenantID string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE hookrelay.subscriptions
		SET status='disabled', updated_at=now()
		WHERE id=$1 AND tenant_id=$2`,
		id, tenantID,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DisableByID is the internal variant used by the worker's auto-disable policy.
func (s *Store) DisableByID(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE hookrelay.subscriptions
		SET status='disabled', updated_at=now()
		WHERE id=$1`,
		id,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get fetches a subscription by id, secret included. Internal read path for
// the worker; management reads go through GetForTenant.
func (s *Store) Get(ctx context.Context, id string) (Subscription, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+subscriptionCols+`
		FROM hookrelay.subscriptions
		WHERE id=$1`,
		id,
	)
	out, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	return out, err
}

// GetForTenant fetches a subscription scoped to its owning tenant.
func (s *Store) GetForTenant(ctx context.Context, id, tenantID string) (Subscription, error) {
	return s.getForTenant(ctx, id, tenantID)
}

func (s *Store) getForTenant(ctx context.Context, id, tenantID string) (Subscription, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+subscriptionCols+`
		FROM hookrelay.subscriptions
		WHERE id=$1 AND tenant_id=$2`,
		id, tenantID,
	)
	out, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	return out, err
}

// ListForTenant returns all of a tenant's subscriptions, newest first.
func (s *Store) ListForTenant(ctx context.Context, tenantID string) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionCols+`
		FROM hookrelay.subscriptions
		WHERE tenant_id=$1
		ORDER BY created_at DESC`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// FindActiveForTenant returns the tenant's active subscriptions. Runs on every
// dispatched event; backed by the (tenant_id, status) index.
func (s *Store) FindActiveForTenant(ctx context.Context, tenantID string) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionCols+`
		FROM hookrelay.subscriptions
		WHERE tenant_id=$1 AND status='active'`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// FindActiveForTenantAndType narrows FindActiveForTenant by event filter,
// matched in-process.
func (s *Store) FindActiveForTenantAndType(ctx context.Context, tenantID, eventType string) ([]Subscription, error) {
	subs, err := s.FindActiveForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	matched := subs[:0]
	for _, sub := range subs {
		if sub.Matches(eventType) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}

// BumpFailureStreak increments the consecutive-permanent-failure counter and
// returns the new value.
func (s *Store) BumpFailureStreak(ctx context.Context, id string) (int, error) {
	var streak int
	err := s.pool.QueryRow(ctx, `
		UPDATE hookrelay.subscriptions
		SET failure_streak = failure_streak + 1, updated_at=now()
		WHERE id=$1
		RETURNING failure_streak`,
		id,
	).Scan(&streak)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return streak, err
}

// ClearFailureStreak resets the counter after a successful delivery.
func (s *Store) ClearFailureStreak(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE hookrelay.subscriptions
		SET failure_streak = 0, updated_at=now()
		WHERE id=$1 AND failure_streak <> 0`,
		id,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (Subscription, error) {
	var (
		sub        Subscription
		policyJSON []byte
	)
	if err := row.Scan(
		&sub.ID, &sub.TenantID, &sub.URL, &sub.Secret, &sub.EventFilter,
		&sub.Status, &sub.BatchSize, &sub.MaxRetries, &policyJSON, &sub.CreatedAt,
	); err != nil {
		return Subscription{}, err
	}
	policy, err := backoff.Parse(policyJSON)
	if err != nil {
		return Subscription{}, fmt.Errorf("subscription %s: %w", sub.ID, err)
	}
	sub.Backoff = policy
	return sub, nil
}

func scanSubscriptions(rows pgx.Rows) ([]Subscription, error) {
	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
