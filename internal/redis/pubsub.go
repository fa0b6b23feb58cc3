package redis

import (
	"context"
	"fmt"
)

// fanoutChannel is the pub/sub channel carrying real-time events between
// engine instances.
const fanoutChannel = "herald:fanout"

// PublishFanout publishes a serialized event to the cross-instance channel.
func (c *Client) PublishFanout(ctx context.Context, payload []byte) error {
	if err := c.rdb.Publish(ctx, fanoutChannel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// SubscribeFanout subscribes to the cross-instance channel and returns a
// receive channel of raw payloads. The subscription closes when ctx is done.
func (c *Client) SubscribeFanout(ctx context.Context) <-chan []byte {
	sub := c.rdb.Subscribe(ctx, fanoutChannel)
	out := make(chan []byte, 64)

	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
