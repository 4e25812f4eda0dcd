package background

import "github.com/RevCBH/switchyard/internal/model"

// Reporter lets a work item publish its progress. Percent is clamped
// to 0-100; an empty message keeps the previous one.
type Reporter struct {
	coordinator *Coordinator
	workID      string
}

// Report updates the item's snapshot and notifies subscribers.
// Reports after the item reached a terminal state are ignored.
func (r *Reporter) Report(percent int, message string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	c := r.coordinator
	c.mu.Lock()
	item, ok := c.items[r.workID]
	if !ok || item.snapshot.State != model.WorkRunning {
		c.mu.Unlock()
		return
	}
	item.snapshot.Percent = &percent
	if message != "" {
		item.snapshot.Message = message
	}
	item.snapshot.UpdatedAt = c.clock.Now().UTC()
	snap := item.snapshot
	c.mu.Unlock()

	c.notify(snap)
}
