package testhelper

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/hazlock/pkg/redisconn"
)

// RedisAddrsEnv holds the comma separated addresses of a real Redis to test
// against. When unset the tests use an in-process miniredis.
const RedisAddrsEnv = "HAZLOCK_TEST_REDIS_ADDRS"

// Redis is a Redis client for a test along with a key prefix unique to it.
type Redis struct {
	Client    redis.UniversalClient
	KeyPrefix string

	// Mini is set when the client talks to miniredis.
	Mini *miniredis.Miniredis
}

// SetupRedis returns a connected client. It is closed when the test ends.
func SetupRedis(t *testing.T) Redis {
	t.Helper()

	r := Redis{KeyPrefix: "test:" + uuid.NewString() + ":"}

	var addrs []string

	if env := os.Getenv(RedisAddrsEnv); env != "" {
		addrs = strings.Split(env, ",")
	} else {
		r.Mini = miniredis.RunT(t)
		addrs = []string{r.Mini.Addr()}
	}

	client, err := redisconn.New(context.Background(), redisconn.Config{Addrs: addrs})
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	r.Client = client

	return r
}
