// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package decision

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/pulsarhq/pulsar/internal/access/rules/types"
)

// EventKind selects the invalidation an Event asks for.
type EventKind string

// Event kinds.
const (
	EventRoles   EventKind = "roles"
	EventSubject EventKind = "subject"
	EventGrant   EventKind = "grant"
	EventPurge   EventKind = "purge"
)

// Event describes one invalidation so that every replica can apply it.
type Event struct {
	Kind     EventKind          `json:"kind"`
	Roles    []types.RoleID     `json:"roles,omitempty"`
	Subject  string             `json:"subject,omitempty"`
	Resource *types.ResourceKey `json:"resource,omitempty"`
	Grant    string             `json:"grant,omitempty"`
	Origin   string             `json:"origin,omitempty"`
}

// Publisher broadcasts invalidation events to other replicas.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher drops every event. Single-replica deployments use it.
type NopPublisher struct{}

// Publish does nothing.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// RedisBus carries invalidation events over Redis pub/sub.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	origin  string
}

// NewRedisBus creates a bus on channel. origin identifies this replica so it
// can skip its own events.
func NewRedisBus(client redis.UniversalClient, channel, origin string) *RedisBus {
	return &RedisBus{client: client, channel: channel, origin: origin}
}

// Publish sends ev to every subscribed replica.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	ev.Origin = b.origin
	payload, err := json.Marshal(ev)
	if err != nil {
		return oops.In("decision").With("kind", string(ev.Kind)).Wrap(err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return oops.In("decision").
			With("channel", b.channel).
			With("kind", string(ev.Kind)).
			Wrap(err)
	}
	return nil
}

// Subscription is a running listener started by Listen.
type Subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

// Close stops the listener and waits for it to exit.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
		<-s.done
	})
	return err
}

// Listen subscribes to the channel and calls apply for every event that
// did not originate here. It returns once the subscription is confirmed.
func (b *RedisBus) Listen(ctx context.Context, apply func(Event)) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, oops.In("decision").With("channel", b.channel).Wrap(err)
	}

	sub := &Subscription{pubsub: pubsub, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range pubsub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("dropping malformed invalidation event", "channel", b.channel, "error", err)
				continue
			}
			if ev.Origin == b.origin {
				continue
			}
			apply(ev)
		}
	}()
	return sub, nil
}
