package lock

import (
	"fmt"
	"sort"
	"strings"
)

// Well-known coordination resources. Callers that need several locks must
// acquire them in canonical priority order to avoid deadlock; SortByPriority
// gives them that order.
const (
	ResourceState          = "state"
	ResourceWorkspaceIndex = "workspace-index"
	ResourceTrunk          = "trunk"
	ResourceCheckpoint     = "checkpoint"
	ResourceConfig         = "config"
)

// priorityRank orders the well-known resources before any user-defined ones.
var priorityRank = map[string]int{
	ResourceState:          0,
	ResourceWorkspaceIndex: 1,
	ResourceTrunk:          2,
	ResourceCheckpoint:     3,
	ResourceConfig:         4,
}

const userDefinedRank = 100

// ResourceName is a value object identifying a lockable resource.
type ResourceName struct {
	value string
}

// NewResourceName validates and creates a resource name. Names become file
// names under var/locks/, so path separators are rejected.
func NewResourceName(value string) (ResourceName, error) {
	if value == "" {
		return ResourceName{}, fmt.Errorf("resource name cannot be empty")
	}
	if strings.ContainsAny(value, "/\\") {
		return ResourceName{}, fmt.Errorf("resource name %q must not contain path separators", value)
	}
	return ResourceName{value: value}, nil
}

// String returns the string representation of the resource name.
func (r ResourceName) String() string {
	return r.value
}

// Rank returns the canonical acquisition rank. Lower acquires first.
func (r ResourceName) Rank() int {
	if rank, ok := priorityRank[r.value]; ok {
		return rank
	}
	return userDefinedRank
}

// SortByPriority sorts resource names in canonical acquisition order:
// state < workspace-index < trunk < checkpoint < config < user-defined,
// user-defined resources lexicographically.
func SortByPriority(resources []string) {
	sort.SliceStable(resources, func(i, j int) bool {
		ri := userDefinedRank
		if rank, ok := priorityRank[resources[i]]; ok {
			ri = rank
		}
		rj := userDefinedRank
		if rank, ok := priorityRank[resources[j]]; ok {
			rj = rank
		}
		if ri != rj {
			return ri < rj
		}
		return resources[i] < resources[j]
	})
}
