package notify

import (
	"context"
	"fmt"
	"sync"
)

// Multi fans a notification out to several sinks concurrently. Every
// sink is attempted even when one fails; the first failure is reported.
type Multi struct {
	notifiers []Notifier
}

// NewMulti creates a notifier that delivers to all the given sinks
func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

// Notify delivers to every sink and returns the first error seen
func (m *Multi) Notify(ctx context.Context, n Notification) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for _, nt := range m.notifiers {
		wg.Add(1)
		go func(nt Notifier) {
			defer wg.Done()
			if err := nt.Notify(ctx, n); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", nt.Name(), err)
				}
				mu.Unlock()
			}
		}(nt)
	}

	wg.Wait()
	return firstErr
}

// Name returns "multi"
func (m *Multi) Name() string {
	return "multi"
}
