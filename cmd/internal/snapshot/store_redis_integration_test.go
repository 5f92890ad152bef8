package snapshot

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRedisStore(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("EASEL_REDIS_ADDR"))
	if addr == "" {
		t.Skip("EASEL_REDIS_ADDR is not set; skipping Redis integration tests")
	}

	runStoreSuite(t, func(t *testing.T) Store {
		prefix := fmt.Sprintf("easel-test-%d", time.Now().UnixNano())
		s, err := DialRedis(context.Background(), addr, os.Getenv("EASEL_REDIS_PASSWORD"), 0, WithKeyPrefix(prefix))
		require.NoError(t, err)
		t.Cleanup(func() {
			ctx := context.Background()
			iter := s.client.Scan(ctx, 0, prefix+":*", 100).Iterator()
			for iter.Next(ctx) {
				_ = s.client.Del(ctx, iter.Val()).Err()
			}
			_ = s.Close()
		})
		return s
	})
}

func TestNewRedisStore_NilClient(t *testing.T) {
	_, err := NewRedisStore(nil)
	require.Error(t, err)
}
