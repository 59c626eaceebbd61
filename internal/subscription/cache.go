package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kestrelmail/hookrelay/internal/logging"
)

const cacheKeyPrefix = "hookrelay:subs:"

// Cache is a read-through Redis cache in front of Store for the dispatch hot
// path. Every subscription write for a tenant drops that tenant's cache entry,
// so dispatchers converge on fresh filters within one round trip. Cache
// failures degrade to direct store reads.
type Cache struct {
	store  *Store
	client *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

func NewCache(store *Store, client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{
		store:  store,
		client: client,
		ttl:    ttl,
		logger: logging.New("subscription-cache"),
	}
}

// FindActiveForTenant serves from Redis when possible, falling back to the
// store and repopulating on miss.
func (c *Cache) FindActiveForTenant(ctx context.Context, tenantID string) ([]Subscription, error) {
	key := cacheKeyPrefix + tenantID

	raw, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var subs []Subscription
		if err := json.Unmarshal(raw, &subs); err == nil {
			return subs, nil
		}
		// Unreadable entry: drop it and fall through to the store.
		c.client.Del(ctx, key)
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Plain().WithError(err).WithTenant(tenantID).Warn("cache read failed, using store")
	}

	subs, err := c.store.FindActiveForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(subs); err == nil {
		if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
			c.logger.Plain().WithError(err).WithTenant(tenantID).Warn("cache write failed")
		}
	}
	return subs, nil
}

// FindActiveForTenantAndType narrows the cached active set by event filter.
func (c *Cache) FindActiveForTenantAndType(ctx context.Context, tenantID, eventType string) ([]Subscription, error) {
	subs, err := c.FindActiveForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var matched []Subscription
	for _, sub := range subs {
		if sub.Matches(eventType) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}

func (c *Cache) invalidate(ctx context.Context, tenantID string) {
	if err := c.client.Del(ctx, cacheKeyPrefix+tenantID).Err(); err != nil {
		c.logger.Plain().WithError(err).WithTenant(tenantID).Warn("cache invalidation failed")
	}
}

// Write paths delegate to the store and invalidate the tenant entry.

func (c *Cache) Create(ctx context.Context, p CreateParams) (Subscription, error) {
	sub, err := c.store.Create(ctx, p)
	if err != nil {
		return Subscription{}, err
	}
	c.invalidate(ctx, sub.TenantID)
	return sub, nil
}

func (c *Cache) Update(ctx context.Context, id, tenantID string, p UpdateParams) (Subscription, error) {
	sub, err := c.store.Update(ctx, id, tenantID, p)
	if err != nil {
		return Subscription{}, err
	}
	c.invalidate(ctx, tenantID)
	return sub, nil
}

func (c *Cache) RotateSecret(ctx context.Context, id, tenantID string) (Subscription, error) {
	sub, err := c.store.RotateSecret(ctx, id, tenantID)
	if err != nil {
		return Subscription{}, err
	}
	c.invalidate(ctx, tenantID)
	return sub, nil
}

func (c *Cache) Disable(ctx context.Context, id, tenantID string) error {
	if err := c.store.Disable(ctx, id, tenantID); err != nil {
		return err
	}
	c.invalidate(ctx, tenantID)
	return nil
}

// Read paths without a hot-path requirement go straight to the store.

func (c *Cache) Get(ctx context.Context, id string) (Subscription, error) {
	return c.store.Get(ctx, id)
}

func (c *Cache) GetForTenant(ctx context.Context, id, tenantID string) (Subscription, error) {
	return c.store.GetForTenant(ctx, id, tenantID)
}

func (c *Cache) ListForTenant(ctx context.Context, tenantID string) ([]Subscription, error) {
	return c.store.ListForTenant(ctx, tenantID)
}
