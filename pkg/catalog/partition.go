package catalog

import "sort"

// Partition assigns pixel groups to a rank, balancing by spectrum count:
// groups are taken largest-first and each goes to the currently least-loaded
// rank. The assignment is a pure function of the full group list and the
// size, so every rank computes the same partitioning and the partitions are
// disjoint and exhaustive.
func Partition(groups []Group, size, rank int) []Group {
	if size <= 1 {
		return groups
	}

	order := make([]int, len(groups))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		na, nb := len(groups[order[a]].Entries), len(groups[order[b]].Entries)
		if na != nb {
			return na > nb
		}
		return groups[order[a]].ID < groups[order[b]].ID
	})

	loads := make([]int, size)
	var local []Group
	for _, gi := range order {
		target := 0
		for r := 1; r < size; r++ {
			if loads[r] < loads[target] {
				target = r
			}
		}
		loads[target] += len(groups[gi].Entries)
		if target == rank {
			local = append(local, groups[gi])
		}
	}

	// Keep group-ID order within the rank for deterministic I/O.
	sort.Slice(local, func(i, j int) bool { return local[i].ID < local[j].ID })

	return local
}

// TargetIDs flattens the target identifiers of a set of groups.
func TargetIDs(groups []Group) []uint64 {
	var ids []uint64
	for _, g := range groups {
		for _, e := range g.Entries {
			ids = append(ids, e.TargetID)
		}
	}
	return ids
}
