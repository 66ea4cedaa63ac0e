package view

import (
	"context"
	"fmt"
	"time"

	ferrors "github.com/factlog/factlog/internal/errors"
	"github.com/factlog/factlog/internal/router"
)

// Waiter blocks reads until the view has consumed a given buffer LSN. It wakes
// on refresh notifications when a refresher runs in-process and falls back to
// polling the stored watermark otherwise.
type Waiter struct {
	store    *Store
	notifier *router.Notifier
	source   string
	poll     time.Duration
	nudge    func()
}

// NewWaiter creates a waiter for source. notifier and nudge may be nil; nudge
// is called once per wait to request an early refresh.
func NewWaiter(store *Store, notifier *router.Notifier, source string, poll time.Duration, nudge func()) *Waiter {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &Waiter{store: store, notifier: notifier, source: source, poll: poll, nudge: nudge}
}

// WaitFor returns once the watermark reaches lsn, or a VIEW/STALE_VIEW error
// when ctx ends first.
func (w *Waiter) WaitFor(ctx context.Context, lsn uint64) error {
	if lsn == 0 {
		return nil
	}

	var updates <-chan router.Notification
	if w.notifier != nil {
		sub := w.notifier.Subscribe(w.source)
		defer w.notifier.Unsubscribe(sub.ID)
		updates = sub.Ch
	}
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	nudged := false
	for {
		wm, err := w.store.Watermark(ctx, w.source)
		if err != nil && ctx.Err() == nil {
			return err
		}
		if err == nil && wm >= lsn {
			return nil
		}
		if !nudged && w.nudge != nil {
			w.nudge()
			nudged = true
		}

		select {
		case <-ctx.Done():
			return ferrors.NewViewError(ferrors.CodeStaleView,
				fmt.Sprintf("view watermark %d has not reached %d", wm, lsn), ctx.Err())
		case n, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if n.Type == router.ViewRefreshed && n.Watermark >= lsn {
				return nil
			}
		case <-ticker.C:
		}
	}
}
