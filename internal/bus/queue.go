package bus

import (
	"context"
	"log"
	"sort"
	"sync"
)

type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]func(OutboundMessage)
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 1
	}
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string]func(OutboundMessage)),
	}
}

// SubscribeOutbound routes messages for channel to fn. A second subscription
// for the same channel replaces the first.
func (b *MessageBus) SubscribeOutbound(channel string, fn func(OutboundMessage)) {
	b.mu.Lock()
	b.subscribers[channel] = fn
	b.mu.Unlock()
}

// Publish queues msg without blocking. It reports false when the queue is
// full and msg was dropped.
func (b *MessageBus) Publish(msg OutboundMessage) bool {
	select {
	case b.Outbound <- msg:
		return true
	default:
		log.Printf("[bus] outbound queue full, dropping message for %q", msg.Channel)
		return false
	}
}

// DispatchOutbound delivers queued messages until ctx is done.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.Outbound:
			b.deliver(msg)
		}
	}
}

func (b *MessageBus) deliver(msg OutboundMessage) {
	b.mu.RLock()
	var targets []func(OutboundMessage)
	if msg.Channel != "" {
		if fn, ok := b.subscribers[msg.Channel]; ok {
			targets = append(targets, fn)
		}
	} else {
		names := make([]string, 0, len(b.subscribers))
		for name := range b.subscribers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			targets = append(targets, b.subscribers[name])
		}
	}
	b.mu.RUnlock()

	if len(targets) == 0 && msg.Channel != "" {
		log.Printf("[bus] no subscriber for channel %q", msg.Channel)
	}
	for _, fn := range targets {
		fn(msg)
	}
}
