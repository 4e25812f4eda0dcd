package scheduler

import (
	"sort"

	"github.com/samber/lo"

	"github.com/RevCBH/switchyard/internal/model"
)

// rankQueued orders admission candidates by age with round-robin
// interleaving across repositories, so one busy repository cannot
// starve the rest. Each round takes at most one run per repository,
// repositories ordered by their oldest remaining run; ties break on
// run id.
func rankQueued(queued []*model.Run) []*model.Run {
	if len(queued) <= 1 {
		return queued
	}

	sorted := make([]*model.Run, len(queued))
	copy(sorted, queued)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	// Grouping preserves the sorted order inside each repository queue.
	byRepo := lo.GroupBy(sorted, func(run *model.Run) string {
		return run.RepositoryID
	})

	ranked := make([]*model.Run, 0, len(sorted))
	for len(ranked) < len(sorted) {
		heads := make([]*model.Run, 0, len(byRepo))
		for _, queue := range byRepo {
			if len(queue) > 0 {
				heads = append(heads, queue[0])
			}
		}
		if len(heads) == 0 {
			break
		}
		sort.Slice(heads, func(i, j int) bool {
			if !heads[i].CreatedAt.Equal(heads[j].CreatedAt) {
				return heads[i].CreatedAt.Before(heads[j].CreatedAt)
			}
			return heads[i].ID < heads[j].ID
		})
		for _, head := range heads {
			ranked = append(ranked, head)
			byRepo[head.RepositoryID] = byRepo[head.RepositoryID][1:]
		}
	}
	return ranked
}
