package comm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/astropipe/deltafit/pkg/observability"
)

// keyTTL bounds how long collective state survives in Redis after a run ends
// or crashes.
const keyTTL = 24 * time.Hour

// redisComm coordinates a worker group through a shared Redis: each rank
// publishes its contribution under a run-scoped key and polls until all
// peers have arrived. Every poll also checks the run's abort key, so a
// collective abort propagates within one poll interval.
type redisComm struct {
	log    logrus.FieldLogger
	client *redis.Client
	cfg    *Config
}

// NewRedis connects a rank to its worker group through Redis.
func NewRedis(ctx context.Context, log logrus.FieldLogger, cfg *Config) (Communicator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &redisComm{
		log:    log.WithField("component", "comm").WithField("rank", cfg.Rank),
		client: client,
		cfg:    cfg,
	}, nil
}

func (c *redisComm) Rank() int { return c.cfg.Rank }
func (c *redisComm) Size() int { return c.cfg.Size }

func (c *redisComm) AllReduceSum(ctx context.Context, name string, vec []float64) ([]float64, error) {
	start := time.Now()
	defer func() { observability.RecordCollective("allreduce", time.Since(start).Seconds()) }()

	rankKey := c.cfg.Key("reduce", name, strconv.Itoa(c.cfg.Rank))
	doneKey := c.cfg.Key("reduce", name, "done")

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, rankKey, encodeFloats(vec), keyTTL)
	pipe.Incr(ctx, doneKey)
	pipe.Expire(ctx, doneKey, keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to publish reduce contribution: %w", err)
	}

	err := c.poll(ctx, func(pollCtx context.Context) (bool, error) {
		n, getErr := c.client.Get(pollCtx, doneKey).Int()
		if getErr != nil && !errors.Is(getErr, redis.Nil) {
			return false, getErr
		}
		return n >= c.cfg.Size, nil
	})
	if err != nil {
		return nil, err
	}

	// Fetch and sum contributions in rank order so every rank computes a
	// bit-identical total.
	sum := make([]float64, len(vec))
	for rank := 0; rank < c.cfg.Size; rank++ {
		data, getErr := c.client.Get(ctx, c.cfg.Key("reduce", name, strconv.Itoa(rank))).Bytes()
		if getErr != nil {
			return nil, fmt.Errorf("failed to fetch contribution of rank %d: %w", rank, getErr)
		}
		contrib, decErr := decodeFloats(data)
		if decErr != nil {
			return nil, decErr
		}
		if len(contrib) != len(sum) {
			return nil, fmt.Errorf("%w: rank %d sent %d values, expected %d",
				ErrBadPayload, rank, len(contrib), len(sum))
		}
		for i, v := range contrib {
			sum[i] += v
		}
	}

	return sum, nil
}

func (c *redisComm) Broadcast(ctx context.Context, name string, data []byte, root int) ([]byte, error) {
	start := time.Now()
	defer func() { observability.RecordCollective("broadcast", time.Since(start).Seconds()) }()

	key := c.cfg.Key("bcast", name)

	if c.cfg.Rank == root {
		if err := c.client.Set(ctx, key, data, keyTTL).Err(); err != nil {
			return nil, fmt.Errorf("failed to publish broadcast: %w", err)
		}
		return data, nil
	}

	var out []byte
	err := c.poll(ctx, func(pollCtx context.Context) (bool, error) {
		data, getErr := c.client.Get(pollCtx, key).Bytes()
		if errors.Is(getErr, redis.Nil) {
			return false, nil
		}
		if getErr != nil {
			return false, getErr
		}
		out = data
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (c *redisComm) Barrier(ctx context.Context, name string) error {
	start := time.Now()
	defer func() { observability.RecordCollective("barrier", time.Since(start).Seconds()) }()

	key := c.cfg.Key("barrier", name)

	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enter barrier: %w", err)
	}

	return c.poll(ctx, func(pollCtx context.Context) (bool, error) {
		n, err := c.client.Get(pollCtx, key).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return false, err
		}
		return n >= c.cfg.Size, nil
	})
}

func (c *redisComm) Abort(ctx context.Context, reason string) {
	key := c.cfg.Key("abort")
	if err := c.client.Set(ctx, key, reason, keyTTL).Err(); err != nil {
		c.log.WithError(err).Error("Failed to publish abort signal")
		return
	}
	c.log.WithField("reason", reason).Warn("Published collective abort")
}

func (c *redisComm) Close() error {
	return c.client.Close()
}

// poll re-runs check at the configured interval until it reports done, the
// run's abort key appears, the timeout elapses, or ctx is cancelled.
func (c *redisComm) poll(ctx context.Context, check func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(c.cfg.Timeout)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	abortKey := c.cfg.Key("abort")

	for {
		reason, err := c.client.Get(ctx, abortKey).Result()
		if err == nil {
			return fmt.Errorf("%w: %s", ErrAborted, reason)
		}
		if !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to check abort key: %w", err)
		}

		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if time.Now().After(deadline) {
			return ErrTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

var _ Communicator = (*redisComm)(nil)
