package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// Client wraps the Redis client with additional functionality
type Client struct {
	client *redis.Client
	logger *log.Logger
}

// New creates a new Redis client
func New(redisURL string, logger *log.Logger) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %v", err)
	}

	client := redis.NewClient(opt)
	return &Client{
		client: client,
		logger: logger,
	}, nil
}

// Ping checks if the Redis server is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// PublishTelemetry publishes the live telemetry snapshot to Redis
func (c *Client) PublishTelemetry(ctx context.Context, data map[string]interface{}) error {
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, "telemetry", data)
	pipe.Publish(ctx, "telemetry", "timestamp") // Publish field name to trigger immediate UI refresh
	_, err := pipe.Exec(ctx)
	if err != nil {
		c.logger.Printf("Unable to set telemetry in redis: %v", err)
		return fmt.Errorf("cannot write telemetry to redis: %v", err)
	}
	return nil
}

// PublishConnectionState publishes the server link state to Redis
func (c *Client) PublishConnectionState(ctx context.Context, state string, attempts, queueLen int) error {
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, "connection", map[string]interface{}{
		"state":     state,
		"attempts":  attempts,
		"queue-len": queueLen,
	})
	pipe.Publish(ctx, "connection", "state")
	_, err := pipe.Exec(ctx)
	if err != nil {
		c.logger.Printf("Unable to set connection state in redis: %v", err)
		return fmt.Errorf("cannot write connection state to redis: %v", err)
	}
	return nil
}

// PublishGPSHealth publishes GPS source health to Redis
func (c *Client) PublishGPSHealth(ctx context.Context, data map[string]interface{}) error {
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, "gps:health", data)
	pipe.Publish(ctx, "gps:health", "state")
	_, err := pipe.Exec(ctx)
	if err != nil {
		c.logger.Printf("Unable to set gps health in redis: %v", err)
		return fmt.Errorf("cannot write gps health to redis: %v", err)
	}
	return nil
}

// PublishTripState publishes the active trip info to Redis
func (c *Client) PublishTripState(ctx context.Context, data map[string]interface{}) error {
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, "trip", data)
	pipe.Publish(ctx, "trip", "distance")
	_, err := pipe.Exec(ctx)
	if err != nil {
		c.logger.Printf("Unable to set trip state in redis: %v", err)
		return fmt.Errorf("cannot write trip state to redis: %v", err)
	}
	return nil
}

// ClearTripState removes the trip hash after a trip ends
func (c *Client) ClearTripState(ctx context.Context) error {
	pipe := c.client.Pipeline()
	pipe.Del(ctx, "trip")
	pipe.Publish(ctx, "trip", "cleared")
	_, err := pipe.Exec(ctx)
	if err != nil {
		c.logger.Printf("Unable to clear trip state in redis: %v", err)
		return fmt.Errorf("cannot clear trip state in redis: %v", err)
	}
	return nil
}

// PublishAlert publishes an alert event as JSON to the alerts channel
func (c *Client) PublishAlert(ctx context.Context, kind string, payload map[string]interface{}) error {
	payload["kind"] = kind
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("cannot encode alert: %v", err)
	}
	if err := c.client.Publish(ctx, "alerts", data).Err(); err != nil {
		c.logger.Printf("Unable to publish %s alert: %v", kind, err)
		return fmt.Errorf("cannot publish alert: %v", err)
	}
	return nil
}

// StartCommandHandler subscribes to the commands channel and forwards each
// payload to the handler on its own goroutine
func (c *Client) StartCommandHandler(ctx context.Context, handler func(command string)) error {
	sub := c.client.Subscribe(ctx, "commands")
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("cannot subscribe to commands: %v", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Payload)
			}
		}
	}()

	return nil
}

// Close closes the Redis client
func (c *Client) Close() error {
	return c.client.Close()
}
