package workspace

// Status is the lifecycle state of one workspace. Terminal states are
// archived and failed; an archived record outlives its physical tree for
// audit.
type Status string

const (
	StatusActive     Status = "active"
	StatusValidating Status = "validating"
	StatusMerged     Status = "merged"
	StatusArchived   Status = "archived"
	StatusFailed     Status = "failed"
)

// MergeStatus tracks the merge outcome separately from the lifecycle state.
type MergeStatus string

const (
	MergePending  MergeStatus = "pending"
	MergeMerged   MergeStatus = "merged"
	MergeConflict MergeStatus = "conflict"
	MergeAborted  MergeStatus = "aborted"
)

// Resolution records how a conflicting path should be settled on the next
// merge attempt.
type Resolution string

const (
	ResolutionOurs     Resolution = "ours"     // take the workspace content
	ResolutionTheirs   Resolution = "theirs"   // keep the trunk content
	ResolutionProvided Resolution = "provided" // caller-supplied content
)

// Record tracks one isolated workspace in the index. The index file is
// mutated only under the exclusive workspace-index lock.
type Record struct {
	Name           string                `json:"name"`
	TaskKey        string                `json:"task_key"`
	Status         Status                `json:"status"`
	BasePoint      string                `json:"base_point"` // trunk manifest digest at creation
	Path           string                `json:"path"`
	CreatedAt      string                `json:"created_at"`
	LastActivityAt string                `json:"last_activity_at"`
	ChangedPaths   []string              `json:"changed_paths,omitempty"`
	MergeStatus    MergeStatus           `json:"merge_status"`
	ConflictPaths  []string              `json:"conflict_paths,omitempty"`
	Resolutions    map[string]Resolution `json:"resolutions,omitempty"`
	DependsOn      []string              `json:"depends_on,omitempty"`
	MergeStrategy  string                `json:"merge_strategy,omitempty"`
	ArchivePath    string                `json:"archive_path,omitempty"`
}

// Terminal reports whether the record reached a terminal lifecycle state.
func (r *Record) Terminal() bool {
	return r.Status == StatusArchived || r.Status == StatusFailed
}

// Resolved reports whether every conflicting path carries a resolution.
func (r *Record) Resolved() bool {
	if len(r.ConflictPaths) == 0 {
		return true
	}
	for _, p := range r.ConflictPaths {
		if _, ok := r.Resolutions[p]; !ok {
			return false
		}
	}
	return true
}
