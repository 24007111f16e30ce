package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/store"
)

// CachedCatalog reads products through a ProductCache. Cache failures are
// logged and fall back to the underlying catalog; stock levels in a cached
// entry may lag by up to ttl, persistence re-checks them on submit.
type CachedCatalog struct {
	store.Catalog

	cache  ProductCache
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedCatalog(catalog store.Catalog, productCache ProductCache, ttl time.Duration, logger *zap.Logger) *CachedCatalog {
	if productCache == nil {
		productCache = NoopProductCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedCatalog{
		Catalog: catalog,
		cache:   productCache,
		ttl:     ttl,
		logger:  logger.Named("catalog-cache"),
	}
}

func (c *CachedCatalog) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	if cached, ok, err := c.cache.Get(ctx, id); err != nil {
		c.logger.Warn("cache read failed", zap.String("product_id", id), zap.Error(err))
	} else if ok {
		return cached, nil
	}

	product, err := c.Catalog.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, id, product, c.ttl); err != nil {
		c.logger.Warn("cache write failed", zap.String("product_id", id), zap.Error(err))
	}
	return product, nil
}

// Invalidate drops cached entries, e.g. after stock moved.
func (c *CachedCatalog) Invalidate(ctx context.Context, ids ...string) {
	if err := c.cache.Delete(ctx, ids...); err != nil {
		c.logger.Warn("cache invalidation failed", zap.Strings("product_ids", ids), zap.Error(err))
	}
}
