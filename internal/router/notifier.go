// Package router provides the in-process bus that announces view refreshes to
// readers waiting for freshness.
package router

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// NotificationType represents the type of notification.
type NotificationType int

const (
	// ViewRefreshed is published once per source after a refresh commits.
	ViewRefreshed NotificationType = iota
	// RefreshFailed is published when a cycle aborts.
	RefreshFailed
)

// Notification describes one committed (or failed) refresh for one source.
type Notification struct {
	Type      NotificationType
	Source    string
	Watermark uint64
	Admitted  int
	Withheld  int
	Quality   int
	Timestamp int64
}

// Subscriber receives notifications whose source matches one of its prefixes.
type Subscriber struct {
	ID      string
	Filters []string
	Ch      chan Notification
}

// Notifier is a non-blocking pub/sub bus.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int
	mu          sync.Mutex
}

// NewNotifier creates a notifier whose subscriber channels hold bufferSize items.
func NewNotifier(bufferSize int) *Notifier {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Notifier{bufferSize: bufferSize}
}

// Publish delivers n to every matching subscriber. A full channel drops the
// notification rather than blocking the refresher.
func (n *Notifier) Publish(notif Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribers.Range(func(_, value interface{}) bool {
		sub := value.(*Subscriber)
		if matches(sub.Filters, notif.Source) {
			select {
			case sub.Ch <- notif:
			default:
			}
		}
		return true
	})
}

// Subscribe registers a subscriber with a generated ID. An empty filter list
// matches every source.
func (n *Notifier) Subscribe(filters ...string) *Subscriber {
	sub := &Subscriber{
		ID:      "sub_" + uuid.NewString(),
		Filters: filters,
		Ch:      make(chan Notification, n.bufferSize),
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if value, ok := n.subscribers.LoadAndDelete(id); ok {
		close(value.(*Subscriber).Ch)
	}
}

func matches(filters []string, source string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if strings.HasPrefix(source, f) {
			return true
		}
	}
	return false
}
