// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package pubsub provides the generic, non-blocking fan-out primitive
// used by the orchestrator's event producers (history, stream manager,
// init-state manager) to publish typed events to subscribers without
// ever stalling on a slow reader.
package pubsub

import "sync"

// EventType represents the type of event.
type EventType int

const (
	// CreatedEvent indicates a new item was created.
	CreatedEvent EventType = iota
	// UpdatedEvent indicates an existing item was updated.
	UpdatedEvent
	// DeletedEvent indicates an item was deleted.
	DeletedEvent
)

// Event wraps an event with type information.
// Matches Crush's pubsub.Event[T] pattern.
type Event[T any] struct {
	Type    EventType
	Payload T
}

// NewCreatedEvent creates a new "created" event.
func NewCreatedEvent[T any](payload T) Event[T] {
	return Event[T]{Type: CreatedEvent, Payload: payload}
}

// NewUpdatedEvent creates a new "updated" event.
func NewUpdatedEvent[T any](payload T) Event[T] {
	return Event[T]{Type: UpdatedEvent, Payload: payload}
}

// NewDeletedEvent creates a new "deleted" event.
func NewDeletedEvent[T any](payload T) Event[T] {
	return Event[T]{Type: DeletedEvent, Payload: payload}
}

// UpdateAvailableMsg is sent when an update is available.
type UpdateAvailableMsg struct {
	CurrentVersion string
	LatestVersion  string
	IsDevelopment  bool
}

// defaultBufferSize bounds how far a subscriber can lag before its
// events start getting dropped, per the design note that delivery must
// never block the producer (spec §9).
const defaultBufferSize = 64

// Broker fans out values of type T to any number of subscribers.
// Publish never blocks: a subscriber whose channel is full simply
// misses the event.
type Broker[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
}

// NewBroker creates an empty broker.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{subs: make(map[int]chan T)}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function. The channel is closed once unsubscribe runs.
func (b *Broker[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan T, defaultBufferSize)
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
	return ch, unsubscribe
}

// Publish delivers v to every current subscriber, dropping it for any
// subscriber whose buffer is full instead of blocking.
func (b *Broker[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// SubscriberCount reports how many listeners are currently registered.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
