package hnsw

import (
	"context"
	"time"
)

// Compact removes tombstoned nodes from the graph under exclusive access.
// Edges that pointed at a tombstoned node are bridged through its surviving
// neighbors so reachability is preserved, then the tombstoned slots are
// released. Searches and writes block for the duration.
func (ix *Index) Compact(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if ix.corrupted.Load() {
		return 0, ErrCorrupted
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	start := time.Now()

	dead := make(map[uint32]bool)
	for id, n := range ix.nodes {
		if n != nil && n.deleted.Load() {
			dead[uint32(id)] = true
		}
	}
	if len(dead) == 0 {
		return 0, nil
	}

	for id, n := range ix.nodes {
		if n == nil || dead[uint32(id)] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		for level := 0; level <= n.level; level++ {
			maxConns := ix.mmax
			if level == 0 {
				maxConns = ix.mmax0
			}
			n.neighbors[level] = ix.repairConnections(uint32(id), n.neighbors[level], level, maxConns, dead)
		}
	}

	for id := range dead {
		ix.nodes[id] = nil
	}
	removed := len(dead)
	ix.tombstoned.Add(-int64(removed))

	ix.recomputeEntryPoint()

	ix.logger.Info("compaction finished",
		"removed", removed,
		"live", ix.live.Load(),
		"duration", time.Since(start))
	return removed, nil
}

// repairConnections drops tombstoned neighbors, bridging each through its
// own live neighborhood (transitively, so chains of tombstones do not
// disconnect the layer).
func (ix *Index) repairConnections(self uint32, conns []uint32, level, maxConns int, dead map[uint32]bool) []uint32 {
	keep := make([]uint32, 0, len(conns))
	seen := map[uint32]bool{self: true}
	var bridges []uint32

	for _, c := range conns {
		if seen[c] {
			continue
		}
		seen[c] = true
		if !dead[c] {
			keep = append(keep, c)
			continue
		}
		bridges = ix.gatherLive(c, level, dead, seen, bridges)
	}

	for _, b := range bridges {
		if len(keep) >= maxConns {
			break
		}
		keep = append(keep, b)
	}
	return keep
}

// gatherLive walks through a tombstoned node collecting live neighbors at
// the level, following further tombstones as needed.
func (ix *Index) gatherLive(id uint32, level int, dead map[uint32]bool, seen map[uint32]bool, out []uint32) []uint32 {
	n := ix.nodeAt(id)
	if n == nil || level > n.level {
		return out
	}
	for _, c := range n.neighbors[level] {
		if seen[c] {
			continue
		}
		seen[c] = true
		if dead[c] {
			out = ix.gatherLive(c, level, dead, seen, out)
			continue
		}
		out = append(out, c)
	}
	return out
}

// recomputeEntryPoint picks the highest-level surviving node. Caller holds
// the structural write lock.
func (ix *Index) recomputeEntryPoint() {
	bestID, bestLevel := int64(-1), -1
	for id, n := range ix.nodes {
		if n == nil || n.deleted.Load() {
			continue
		}
		if n.level > bestLevel {
			bestID, bestLevel = int64(id), n.level
		}
	}

	ix.epMu.Lock()
	ix.entryPoint.Store(bestID)
	if bestLevel < 0 {
		bestLevel = 0
	}
	ix.maxLevel.Store(int32(bestLevel))
	ix.epMu.Unlock()
}
