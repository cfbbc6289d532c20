// Package bus is the in-process plumbing between the host-facing hooks, the
// relay pipeline, and the operator event feed.
package bus

import (
	"context"
	"sync"

	"github.com/roomloop/roomloop/pkg/domain"
)

// Subscriber is a named tap on a message stream. Multiple subscribers can
// independently consume the same published messages (fan-out).
type Subscriber struct {
	Name string
	ch   chan interface{}
}

// MessageBus carries inbound/outbound room traffic plus coordination events.
type MessageBus struct {
	inbound   chan InboundMessage
	outbound  chan OutboundMessage
	handlers  map[domain.RoomID]MessageHandler
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	// Fan-out subscribers — every published message is sent to all taps
	inboundSubs  []*Subscriber
	outboundSubs []*Subscriber
	eventSubs    []*Subscriber
}

// New creates a message bus with buffered primary channels.
func New() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, 100),
		outbound: make(chan OutboundMessage, 100),
		handlers: make(map[domain.RoomID]MessageHandler),
	}
}

// --- Fan-out subscriptions ---

func (mb *MessageBus) subscribe(subs *[]*Subscriber, name string) <-chan interface{} {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	sub := &Subscriber{Name: name, ch: make(chan interface{}, 64)}
	*subs = append(*subs, sub)
	return sub.ch
}

// SubscribeInboundTap creates a named subscriber that receives copies of all
// inbound messages. The returned channel is buffered; slow consumers drop.
func (mb *MessageBus) SubscribeInboundTap(name string) <-chan interface{} {
	return mb.subscribe(&mb.inboundSubs, name)
}

// SubscribeOutboundTap creates a named subscriber for outbound messages.
func (mb *MessageBus) SubscribeOutboundTap(name string) <-chan interface{} {
	return mb.subscribe(&mb.outboundSubs, name)
}

// SubscribeEvents creates a named subscriber for coordination events.
func (mb *MessageBus) SubscribeEvents(name string) <-chan interface{} {
	return mb.subscribe(&mb.eventSubs, name)
}

// PublishEvent fans a coordination event out to all event subscribers.
// Implements the relay orchestrator's event sink.
func (mb *MessageBus) PublishEvent(event domain.Event) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}
	for _, sub := range mb.eventSubs {
		select {
		case sub.ch <- event:
		default: // drop if slow
		}
	}
}

func fanOut(subs []*Subscriber, msg interface{}) {
	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		default: // non-blocking — drop if subscriber is slow
		}
	}
}

// --- Primary publish/consume ---

// PublishInbound enqueues an inbound message, dropping the oldest entry if
// the primary channel is full.
func (mb *MessageBus) PublishInbound(msg InboundMessage) {
	mb.mu.RLock()
	if mb.closed {
		mb.mu.RUnlock()
		return
	}
	fanOut(mb.inboundSubs, msg)
	mb.mu.RUnlock()

	select {
	case mb.inbound <- msg:
	default:
		select {
		case <-mb.inbound:
		default:
		}
		select {
		case mb.inbound <- msg:
		default:
		}
	}
}

// ConsumeInbound blocks for the next inbound message or context end.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-mb.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues an outbound payload, dropping the oldest entry if
// the primary channel is full.
func (mb *MessageBus) PublishOutbound(msg OutboundMessage) {
	mb.mu.RLock()
	if mb.closed {
		mb.mu.RUnlock()
		return
	}
	fanOut(mb.outboundSubs, msg)
	mb.mu.RUnlock()

	select {
	case mb.outbound <- msg:
	default:
		select {
		case <-mb.outbound:
		default:
		}
		select {
		case mb.outbound <- msg:
		default:
		}
	}
}

// ConsumeOutbound blocks for the next outbound payload or context end.
func (mb *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-mb.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// RegisterHandler installs the inbound handler for one room.
func (mb *MessageBus) RegisterHandler(room domain.RoomID, handler MessageHandler) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.handlers[room] = handler
}

// GetHandler returns the inbound handler for one room.
func (mb *MessageBus) GetHandler(room domain.RoomID) (MessageHandler, bool) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	handler, ok := mb.handlers[room]
	return handler, ok
}

// Close shuts the bus down. Idempotent.
func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		mb.mu.Lock()
		mb.closed = true
		for _, sub := range mb.inboundSubs {
			close(sub.ch)
		}
		for _, sub := range mb.outboundSubs {
			close(sub.ch)
		}
		for _, sub := range mb.eventSubs {
			close(sub.ch)
		}
		mb.mu.Unlock()
		close(mb.inbound)
		close(mb.outbound)
	})
}
