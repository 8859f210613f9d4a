package events

import (
	"sync"

	"github.com/labstack/gommon/log"
)

// EventType labels what happened.
type EventType string

const (
	// Ledger-side events, mirroring the contract's logs.
	EventBlockCommit     EventType = "block_commit"
	EventTxExecuted      EventType = "tx_executed"
	EventBattleCreated   EventType = "battle_created"
	EventBattleAccepted  EventType = "battle_accepted"
	EventBattleResolved  EventType = "battle_resolved"
	EventBattleCancelled EventType = "battle_cancelled"
	EventFeeUpdated      EventType = "fee_updated"
	EventPaused          EventType = "paused"
	EventUnpaused        EventType = "unpaused"

	// Client-side notifications shown to the user.
	EventTxSubmitted EventType = "tx_submitted"
	EventTxConfirmed EventType = "tx_confirmed"
	EventTxFailed    EventType = "tx_failed"
	EventRefreshed   EventType = "refreshed"
)

// Event carries a typed payload emitted after a state change.
type Event struct {
	Type        EventType      `json:"type"`
	TxHash      string         `json:"tx_hash,omitempty"`
	BlockHeight uint64         `json:"block_height,omitempty"`
	Data        map[string]any `json:"data"`
}

// Handler is a callback invoked for matching events.
type Handler func(Event)

// Emitter is a simple pub/sub broker.
type Emitter struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[EventType]map[int]Handler
	all      map[int]Handler
}

// NewEmitter creates an Emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{
		handlers: make(map[EventType]map[int]Handler),
		all:      make(map[int]Handler),
	}
}

// Subscribe registers h to be called whenever typ is emitted. The returned
// func removes the subscription.
func (e *Emitter) Subscribe(typ EventType, h Handler) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	if e.handlers[typ] == nil {
		e.handlers[typ] = make(map[int]Handler)
	}
	e.handlers[typ][id] = h
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers[typ], id)
	}
}

// SubscribeAll registers h for every event type.
func (e *Emitter) SubscribeAll(h Handler) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.all[id] = h
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.all, id)
	}
}

// Emit delivers ev to all subscribers for ev.Type synchronously.
// Each handler is guarded by panic recovery so a misbehaving subscriber
// cannot take down the caller.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	handlers := make([]Handler, 0, len(e.handlers[ev.Type])+len(e.all))
	for _, h := range e.handlers[ev.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range e.all {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("[events] handler panicked for %s: %v", ev.Type, r)
				}
			}()
			h(ev)
		}()
	}
}
