// Package redispush delivers invalidation events over Redis pub/sub. Members (or
// anything that writes to the backing store) publish; near-cache clients listen
// and feed each event into their push path.
//
// Pub/sub is fire-and-forget: events published while a listener is disconnected
// are lost. Periodic reconciliation repairs what was missed.
package redispush

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/unkn0wn-root/nearcache/transport"
)

const DefaultChannel = "nearcache:invalidations"

// Encode serializes an event as msgpack.
func Encode(ev transport.Invalidation) ([]byte, error) {
	return msgpack.Marshal(&ev)
}

// Decode parses a msgpack event. Events without a name are rejected.
func Decode(b []byte) (transport.Invalidation, error) {
	var ev transport.Invalidation
	if err := msgpack.Unmarshal(b, &ev); err != nil {
		return transport.Invalidation{}, fmt.Errorf("redispush: decode event: %w", err)
	}
	if ev.Name == "" {
		return transport.Invalidation{}, errors.New("redispush: event without name")
	}
	return ev, nil
}

type Publisher struct {
	rdb     redis.UniversalClient
	channel string
}

func NewPublisher(client redis.UniversalClient, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{rdb: client, channel: channel}
}

// Publish sends ev and returns the number of listeners that received it.
func (p *Publisher) Publish(ctx context.Context, ev transport.Invalidation) (int64, error) {
	b, err := Encode(ev)
	if err != nil {
		return 0, err
	}
	return p.rdb.Publish(ctx, p.channel, b).Result()
}

// Handler consumes decoded events.
type Handler func(ctx context.Context, ev transport.Invalidation)

// ErrorFunc is told about events that could not be decoded.
type ErrorFunc func(payload string, err error)

type Listener struct {
	rdb     redis.UniversalClient
	channel string
	handle  Handler
	onErr   ErrorFunc
}

func NewListener(client redis.UniversalClient, channel string, handle Handler, onErr ErrorFunc) *Listener {
	if channel == "" {
		channel = DefaultChannel
	}
	if onErr == nil {
		onErr = func(string, error) {}
	}
	return &Listener{rdb: client, channel: channel, handle: handle, onErr: onErr}
}

// Run subscribes and dispatches events until ctx is done. It returns ctx.Err()
// on cancellation, or the subscribe error.
func (l *Listener) Run(ctx context.Context) error {
	ps := l.rdb.Subscribe(ctx, l.channel)
	defer func() { _ = ps.Close() }()

	// wait for the subscription confirmation so callers know events are flowing
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("redispush: subscribe %s: %w", l.channel, err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			l.dispatch(ctx, msg.Payload)
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, payload string) {
	ev, err := Decode([]byte(payload))
	if err != nil {
		l.onErr(payload, err)
		return
	}
	l.handle(ctx, ev)
}
