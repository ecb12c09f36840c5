// Package events fans node activity out to websocket subscribers.
package events

import (
	"fmt"
	"strings"
	"sync"
)

// messageBuffer is how far a slow subscriber may fall behind before it
// starts missing messages.
const messageBuffer = 100

type subscriber struct {
	ch       chan string
	prefixes []string
	dropped  int
}

func (s *subscriber) wants(msg string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(msg, p) {
			return true
		}
	}
	return false
}

// Events maintains a mapping of unique id and subscribers so goroutines
// can register and receive events.
type Events struct {
	m  map[string]*subscriber
	mu sync.RWMutex
}

// New constructs an events for registering and receiving events.
func New() *Events {
	return &Events{
		m: make(map[string]*subscriber),
	}
}

// Shutdown closes and removes all channels that were provided by
// the call to Acquire.
func (evt *Events) Shutdown() {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	for id, sub := range evt.m {
		delete(evt.m, id)
		close(sub.ch)
	}
}

// Acquire takes a unique id and returns a channel that can be used to
// receive events. Only events starting with one of the prefixes are
// delivered, every event when there are none. Events are formatted as
// "<pkg>: <op>: <detail>" so "consensus:" selects one package.
func (evt *Events) Acquire(id string, prefixes ...string) chan string {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	sub, exists := evt.m[id]
	if exists {
		return sub.ch
	}

	sub = &subscriber{
		ch:       make(chan string, messageBuffer),
		prefixes: prefixes,
	}
	evt.m[id] = sub

	return sub.ch
}

// Release closes and removes the channel that was provided by
// the call to Acquire. It returns how many events the subscriber missed.
func (evt *Events) Release(id string) (int, error) {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	sub, exists := evt.m[id]
	if !exists {
		return 0, fmt.Errorf("id %q does not exist", id)
	}

	delete(evt.m, id)
	close(sub.ch)

	return sub.dropped, nil
}

// Subscribers returns the number of registered subscribers.
func (evt *Events) Subscribers() int {
	evt.mu.RLock()
	defer evt.mu.RUnlock()

	return len(evt.m)
}

// Send signals a message to every interested subscriber. Send will not
// block waiting for a receiver on any given channel.
func (evt *Events) Send(s string) {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	for _, sub := range evt.m {
		if !sub.wants(s) {
			continue
		}

		select {
		case sub.ch <- s:
		default:
			sub.dropped++
		}
	}
}
