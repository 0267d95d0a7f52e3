package engine

import (
	"context"

	"github.com/gantrylabs/gantry/pkg/types"
)

// Reconcile removes labeled containers whose run id is not in the active
// set. The pass is idempotent: a container that disappears mid-removal
// counts as already reconciled. It returns the orphans it removed.
func (e *Engine) Reconcile(ctx context.Context, activeRunIDs []string) ([]types.OrphanedContainer, error) {
	containers, err := e.ListRunContainers(ctx)
	if err != nil {
		return nil, err
	}

	var removed []types.OrphanedContainer
	for _, c := range diffOrphans(containers, activeRunIDs) {
		if err := e.RemoveContainer(ctx, c.ContainerID); err != nil {
			e.logger.Error().Err(err).
				Str("container_id", c.ContainerID).
				Str("run_id", c.RunID).
				Msg("Failed to remove orphaned container")
			continue
		}
		e.logger.Warn().
			Str("container_id", c.ContainerID).
			Str("run_id", c.RunID).
			Msg("Removed orphaned container")
		removed = append(removed, c)
	}
	return removed, nil
}

// diffOrphans returns the containers whose run id is absent from the
// active set.
func diffOrphans(containers []types.OrphanedContainer, activeRunIDs []string) []types.OrphanedContainer {
	active := make(map[string]struct{}, len(activeRunIDs))
	for _, id := range activeRunIDs {
		active[id] = struct{}{}
	}

	var orphans []types.OrphanedContainer
	for _, c := range containers {
		if _, ok := active[c.RunID]; !ok {
			orphans = append(orphans, c)
		}
	}
	return orphans
}
