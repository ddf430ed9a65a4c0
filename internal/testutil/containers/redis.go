package containers

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-connections/nat"
	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisContainer wraps the testcontainers redis module.
type RedisContainer struct {
	*tcredis.RedisContainer
	URL string
}

// NewRedisContainer starts a Redis test container.
func NewRedisContainer(ctx context.Context) (*RedisContainer, error) {
	redisContainer, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForLog("Ready to accept connections").
					WithStartupTimeout(30*time.Second),
				wait.ForListeningPort(nat.Port("6379/tcp")).
					WithStartupTimeout(30*time.Second),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("starting redis container: %w", err)
	}

	url, err := redisContainer.ConnectionString(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving connection string: %w", err)
	}

	return &RedisContainer{RedisContainer: redisContainer, URL: url}, nil
}

// Client opens a go-redis client against the container.
func (r *RedisContainer) Client() (*goredis.Client, error) {
	opts, err := goredis.ParseURL(r.URL)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(opts), nil
}
