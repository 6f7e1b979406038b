package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	WakeQueueName = "vodum:media_jobs:wake"

	// signals beyond this are redundant
	maxPendingWakes = 16
)

// RedisNotifier implements Notifier using a Redis list, so an enqueue in one process can wake the
// worker task of another.
type RedisNotifier struct {
	client *redis.Client
}

// NewRedisNotifier creates a new Redis notifier
func NewRedisNotifier(addr, password string, db int) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisNotifier{client: client}, nil
}

// Notify pushes a wake-up signal
func (r *RedisNotifier) Notify(ctx context.Context, action string) error {
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, WakeQueueName, action)
	pipe.LTrim(ctx, WakeQueueName, -maxPendingWakes, -1)
	_, err := pipe.Exec(ctx)
	return err
}

// Listen blocks, calling fn once per received signal until ctx is done.
func (r *RedisNotifier) Listen(ctx context.Context, fn func()) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			ok, err := r.waitSignal(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Error().
					Err(err).
					Msg("Error encountered when waiting for queue signal")
				time.Sleep(time.Second)
				continue
			}
			if !ok {
				continue
			}

			if err := processSignal(fn); err != nil {
				log.Error().
					Err(err).
					Msg("Error encountered when processing queue signal")
			}
		}
	}
}

func (r *RedisNotifier) waitSignal(ctx context.Context) (bool, error) {
	result, err := r.client.BLPop(ctx, 1*time.Second, WakeQueueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// No signal available
			return false, nil
		}
		return false, fmt.Errorf("BLPOP from redis went bad. %w", err)
	}
	return len(result) == 2, nil
}

func processSignal(fn func()) (err error) {
	defer func() {
		if rcv := recover(); rcv != nil {
			log.Error().Interface("panic", rcv).Msg("Signal handler panicked")
			err = fmt.Errorf("signal handler panicked: %v", rcv)
		}
	}()

	fn()
	return nil
}

// Close terminates the Redis connection
func (r *RedisNotifier) Close() error {
	return r.client.Close()
}
