package evidence

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/periop-risk-server/internal/domain"
)

func TestPooledCacheKey(t *testing.T) {
	assert.Equal(t, "pooled:LARYNGOSPASM:ASTHMA:pediatric",
		pooledCacheKey("LARYNGOSPASM", "ASTHMA", "pediatric"))
	assert.Equal(t, "pooled:PONV::mixed",
		pooledCacheKey("PONV", "", "mixed"))
}

func TestNewCachedStoreRejectsBadURL(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	_, err := NewCachedStore(nil, domain.CacheConfig{RedisURL: "not-a-url"}, logger)
	assert.Error(t, err)
}
