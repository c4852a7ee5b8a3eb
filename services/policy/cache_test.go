package policy

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/screentime-engine/models"
)

// fakeClock lets tests move the cache through its TTL without sleeping
type fakeClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cur = f.cur.Add(d)
}

func newTestCache(maxSize int, ttl time.Duration) (*PolicyCache, *fakeClock) {
	clock := &fakeClock{cur: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	cache := NewPolicyCache(maxSize, ttl)
	cache.now = clock.Now
	return cache, clock
}

func TestCacheKey_String(t *testing.T) {
	tenantID := uuid.New()
	learnerID := uuid.New()

	key := CacheKey{TenantID: tenantID, LearnerID: learnerID}
	assert.Equal(t, "tenant:"+tenantID.String()+":learner:"+learnerID.String(), key.String())
	assert.Equal(t, "tenant:"+tenantID.String()+":learner:*", TenantPattern(tenantID))
}

func TestPolicyCache_GetSet(t *testing.T) {
	cache, _ := newTestCache(10, 5*time.Minute)
	tenantID := uuid.New()
	key := CacheKey{TenantID: tenantID, LearnerID: uuid.New()}

	// Test cache miss
	assert.Nil(t, cache.Get(key))

	policy := models.DefaultPolicy(tenantID)
	cache.Set(key, policy)

	cached := cache.Get(key)
	require.NotNil(t, cached)
	assert.Same(t, policy, cached)

	stats := cache.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate)
}

func TestPolicyCache_TTLExpiration(t *testing.T) {
	cache, clock := newTestCache(10, time.Minute)
	key := CacheKey{TenantID: uuid.New(), LearnerID: uuid.New()}

	cache.Set(key, models.DefaultPolicy(key.TenantID))
	assert.NotNil(t, cache.Get(key))

	clock.Advance(61 * time.Second)

	assert.Nil(t, cache.Get(key))
	assert.Equal(t, 0, cache.Stats().Size)
}

func TestPolicyCache_LRUEviction(t *testing.T) {
	cache, _ := newTestCache(3, 5*time.Minute)

	keys := make([]CacheKey, 4)
	for i := range keys {
		keys[i] = CacheKey{TenantID: uuid.New(), LearnerID: uuid.New()}
		cache.Set(keys[i], models.DefaultPolicy(keys[i].TenantID))
	}

	assert.Equal(t, 3, cache.Stats().Size)
	assert.Nil(t, cache.Get(keys[0]))
	for i := 1; i < 4; i++ {
		assert.NotNil(t, cache.Get(keys[i]))
	}
}

func TestPolicyCache_LRUOrdering(t *testing.T) {
	cache, _ := newTestCache(2, 5*time.Minute)
	a := CacheKey{TenantID: uuid.New(), LearnerID: uuid.New()}
	b := CacheKey{TenantID: uuid.New(), LearnerID: uuid.New()}
	c := CacheKey{TenantID: uuid.New(), LearnerID: uuid.New()}

	cache.Set(a, models.DefaultPolicy(a.TenantID))
	cache.Set(b, models.DefaultPolicy(b.TenantID))

	// Touch a so b becomes least recently used
	assert.NotNil(t, cache.Get(a))
	cache.Set(c, models.DefaultPolicy(c.TenantID))

	assert.NotNil(t, cache.Get(a))
	assert.Nil(t, cache.Get(b))
	assert.NotNil(t, cache.Get(c))
}

func TestPolicyCache_Invalidate(t *testing.T) {
	tenantA := uuid.New()
	tenantB := uuid.New()
	learner1 := uuid.New()
	learner2 := uuid.New()

	setup := func() *PolicyCache {
		cache, _ := newTestCache(10, 5*time.Minute)
		for _, k := range []CacheKey{
			{TenantID: tenantA, LearnerID: learner1},
			{TenantID: tenantA, LearnerID: learner2},
			{TenantID: tenantB, LearnerID: learner1},
		} {
			cache.Set(k, models.DefaultPolicy(k.TenantID))
		}
		return cache
	}

	t.Run("tenant pattern", func(t *testing.T) {
		cache := setup()
		assert.Equal(t, 2, cache.Invalidate(TenantPattern(tenantA)))
		assert.Nil(t, cache.Get(CacheKey{TenantID: tenantA, LearnerID: learner1}))
		assert.Nil(t, cache.Get(CacheKey{TenantID: tenantA, LearnerID: learner2}))
		assert.NotNil(t, cache.Get(CacheKey{TenantID: tenantB, LearnerID: learner1}))
	})

	t.Run("learner across tenants", func(t *testing.T) {
		cache := setup()
		assert.Equal(t, 2, cache.Invalidate("tenant:*:learner:"+learner1.String()))
		assert.NotNil(t, cache.Get(CacheKey{TenantID: tenantA, LearnerID: learner2}))
	})

	t.Run("exact learner", func(t *testing.T) {
		cache := setup()
		cache.InvalidateLearner(tenantA, learner1)
		assert.Nil(t, cache.Get(CacheKey{TenantID: tenantA, LearnerID: learner1}))
		assert.NotNil(t, cache.Get(CacheKey{TenantID: tenantB, LearnerID: learner1}))
	})

	t.Run("invalidate tenant", func(t *testing.T) {
		cache := setup()
		assert.Equal(t, 1, cache.InvalidateTenant(tenantB))
		assert.Equal(t, 2, cache.Stats().Size)
	})

	t.Run("malformed pattern removes nothing", func(t *testing.T) {
		cache := setup()
		assert.Equal(t, 0, cache.Invalidate("tenant:["))
		assert.Equal(t, 3, cache.Stats().Size)
	})

	t.Run("clear", func(t *testing.T) {
		cache := setup()
		cache.Clear()
		assert.Equal(t, 0, cache.Stats().Size)
	})
}

func TestPolicyCache_CleanupExpired(t *testing.T) {
	cache, clock := newTestCache(10, time.Minute)

	for i := 0; i < 3; i++ {
		k := CacheKey{TenantID: uuid.New(), LearnerID: uuid.New()}
		cache.Set(k, models.DefaultPolicy(k.TenantID))
	}
	clock.Advance(2 * time.Minute)

	fresh := CacheKey{TenantID: uuid.New(), LearnerID: uuid.New()}
	cache.Set(fresh, models.DefaultPolicy(fresh.TenantID))

	assert.Equal(t, 3, cache.CleanupExpired())
	assert.Equal(t, 1, cache.Stats().Size)
	assert.NotNil(t, cache.Get(fresh))
}

func TestPolicyCache_ConcurrentAccess(t *testing.T) {
	cache := NewPolicyCache(100, 5*time.Minute)
	tenantID := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k := CacheKey{TenantID: tenantID, LearnerID: uuid.New()}
			for j := 0; j < 50; j++ {
				cache.Set(k, models.DefaultPolicy(tenantID))
				cache.Get(k)
				if j%10 == 0 {
					cache.InvalidateTenant(tenantID)
				}
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, cache.Stats().Size, 100)
}
