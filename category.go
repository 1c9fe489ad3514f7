package taskdeck

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const categoryCacheKey = "categories"

type CategoryCacheSettings struct {
	Ttl time.Duration
}

func DefaultCategoryCacheSettings() *CategoryCacheSettings {
	return &CategoryCacheSettings{
		// categories change rarely. Push invalidation covers the rest.
		Ttl: 5 * time.Minute,
	}
}

// CategoryCache holds the category list with a ttl, so filter dropdowns do
// not refetch on every open.
type CategoryCache struct {
	api *TaskApi

	settings *CategoryCacheSettings

	fetchLock sync.Mutex
	cache     *ttlcache.Cache[string, []*Category]
}

func NewCategoryCacheWithDefaults(ctx context.Context, api *TaskApi) *CategoryCache {
	return NewCategoryCache(ctx, api, DefaultCategoryCacheSettings())
}

func NewCategoryCache(ctx context.Context, api *TaskApi, settings *CategoryCacheSettings) *CategoryCache {
	cache := ttlcache.New[string, []*Category](
		ttlcache.WithTTL[string, []*Category](settings.Ttl),
		ttlcache.WithDisableTouchOnHit[string, []*Category](),
	)

	go cache.Start()

	go func() {
		<-ctx.Done()
		cache.Stop()
	}()

	return &CategoryCache{
		api:      api,
		settings: settings,
		cache:    cache,
	}
}

func (self *CategoryCache) Get() ([]*Category, error) {
	if item := self.cache.Get(categoryCacheKey); item != nil {
		return item.Value(), nil
	}

	// one fetch at a time. Late callers reuse the fresh value.
	self.fetchLock.Lock()
	defer self.fetchLock.Unlock()

	if item := self.cache.Get(categoryCacheKey); item != nil {
		return item.Value(), nil
	}

	result, err := self.api.GetCategoriesSync()
	if err != nil {
		return nil, err
	}
	self.cache.Set(categoryCacheKey, result.Results, ttlcache.DefaultTTL)
	return result.Results, nil
}

func (self *CategoryCache) Invalidate() {
	self.cache.Delete(categoryCacheKey)
}
