package types

// SyncFileStatus describes a workspace file relative to the host mirror.
type SyncFileStatus string

const (
	SyncNew      SyncFileStatus = "new"
	SyncModified SyncFileStatus = "modified"
	SyncSynced   SyncFileStatus = "synced"
)

// SyncFile is one workspace file as reported by GET /api/sync/files.
type SyncFile struct {
	Path     string         `json:"path"`
	Status   SyncFileStatus `json:"status"`
	Size     int64          `json:"size"`
	Modified int64          `json:"modified"`
}

// GitBranch describes a staging-repo branch relative to the real remote.
type GitBranch struct {
	Branch    string `json:"branch"`
	NewBranch bool   `json:"newBranch"`
	Ahead     int    `json:"ahead"`
	Behind    int    `json:"behind"`
	DiffStat  string `json:"diffStat,omitempty"`
}
