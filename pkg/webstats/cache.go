package webstats

import (
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"
	"github.com/sirihub/sirihub/pkg/redis_client"
)

// Cache holds pre-rendered stats responses so that dashboards polling the
// API do not make every instance walk the full stores each time
type Cache struct {
	Cache *cache.Cache[string]
}

func (c *Cache) Setup() {
	redisStore := redisstore.NewRedis(redis_client.Client, store.WithExpiration(30*time.Second))

	c.Cache = cache.New[string](redisStore)
}
