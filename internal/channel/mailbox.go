package channel

import (
	"context"
	"sync"

	"bookflow/logger"
)

type MailboxStats struct {
	Sent    int64
	Dropped int64
}

// Mailbox is a buffered hand-off from feed goroutines to a single consumer.
// Sends never block; when the buffer is full the message is dropped and counted.
type Mailbox[T any] struct {
	C chan T

	name       string
	stats      MailboxStats
	statsMutex sync.RWMutex
	onDrop     func()
}

func NewMailbox[T any](name string, bufferSize int, onDrop func()) *Mailbox[T] {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	m := &Mailbox[T]{
		C:      make(chan T, bufferSize),
		name:   name,
		onDrop: onDrop,
	}

	logger.GetLogger().WithComponent("mailbox").WithFields(logger.Fields{
		"mailbox":     name,
		"buffer_size": bufferSize,
	}).Debug("mailbox initialized")

	return m
}

func (m *Mailbox[T]) Send(ctx context.Context, msg T) bool {
	select {
	case m.C <- msg:
		m.statsMutex.Lock()
		m.stats.Sent++
		m.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		m.statsMutex.Lock()
		m.stats.Dropped++
		m.statsMutex.Unlock()
		if m.onDrop != nil {
			m.onDrop()
		}
		return false
	}
}

func (m *Mailbox[T]) Stats() MailboxStats {
	m.statsMutex.RLock()
	defer m.statsMutex.RUnlock()
	return m.stats
}

func (m *Mailbox[T]) Len() int { return len(m.C) }

func (m *Mailbox[T]) Cap() int { return cap(m.C) }
