package httpx

import (
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/pipewatch/pkg/logger"
)

func unreachableRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestRedisRateLimiterFailsOpen(t *testing.T) {
	client := unreachableRedis()
	rl := newRedisRateLimiter(client, client.Close, logger.Discard())
	defer rl.Close()

	for i := 0; i < 3; i++ {
		if decision := rl.Allow("control|ip", 1, time.Minute); !decision.allowed {
			t.Fatalf("request %d denied while redis is down", i)
		}
	}
}

func TestRedisRateLimiterUnlimited(t *testing.T) {
	rl := newRedisRateLimiter(unreachableRedis(), nil, nil)
	if decision := rl.Allow("control|ip", 0, time.Minute); !decision.allowed || decision.count != 0 {
		t.Fatalf("expected unlimited decision, got %+v", decision)
	}
}

func TestNewRedisRateLimiterRequiresServer(t *testing.T) {
	if _, err := NewRedisRateLimiter("127.0.0.1:1", "", 0, logger.Discard()); err == nil {
		t.Fatal("expected ping failure for unreachable redis")
	}
}
