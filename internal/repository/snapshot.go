package repository

import (
	"sort"

	"gend/pkg/types"
)

// Snapshot returns per-handle status plus cache totals, sorted by model id.
func (r *Repository) Snapshot() types.StatusResponse {
	r.mu.Lock()
	models := make([]types.ModelStatus, 0, len(r.entries))
	for _, e := range r.entries {
		state := "ready"
		if e.refs > 0 {
			state = "in_use"
		}
		models = append(models, types.ModelStatus{
			ModelID:       e.id,
			LoadID:        e.handle.LoadID,
			State:         state,
			LoadedAt:      e.handle.LoadedAt.Unix(),
			LastUsed:      e.lastUsed.Unix(),
			EstMemoryMB:   e.sizeMB,
			Refs:          e.refs,
			QueueLen:      len(e.queueCh),
			Inflight:      len(e.genCh),
			MaxQueueDepth: cap(e.queueCh),
		})
	}
	st := types.StatusResponse{
		MaxResident: r.cfg.MaxResident,
		BudgetMB:    r.cfg.MemoryBudgetMB,
		UsedMB:      r.usedMB,
		MarginMB:    r.cfg.MemoryMarginMB,
	}
	r.mu.Unlock()

	sort.Slice(models, func(i, j int) bool { return models[i].ModelID < models[j].ModelID })
	st.Models = models
	st.LoadsTotal = uint64(r.loads.Load())
	st.LoadFailuresTotal = uint64(r.loadFailures.Load())
	st.EvictionsTotal = uint64(r.evictions.Load())
	st.LoadsInProgress = int(r.loadsInProgress.Load())
	st.Ready = r.Ready()
	return st
}
