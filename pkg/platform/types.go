// Package platform is the Azure DevOps REST client consumed by the review
// pipeline. Every operation is idempotent at the semantic level and executes
// inside the resilience kit (retry with backoff behind a per-dependency
// circuit breaker).
package platform

import "time"

// PullRequest is the platform's PR metadata.
type PullRequest struct {
	ID               int
	Title            string
	Status           string
	CreatedBy        string
	SourceBranch     string
	TargetBranch     string
	SourceCommit     string
	TargetCommit     string
	CurrentIteration int
}

// Iteration is one snapshot of a PR's commit set, created on each push.
type Iteration struct {
	ID           int
	SourceCommit string
	TargetCommit string
	CreatedAt    time.Time
}

// ChangeType mirrors the platform's per-file change classification.
type ChangeType string

// Change types surfaced by iteration change lists.
const (
	ChangeAdd    ChangeType = "add"
	ChangeEdit   ChangeType = "edit"
	ChangeDelete ChangeType = "delete"
	ChangeRename ChangeType = "rename"
)

// IterationChange is one file's entry in an iteration's change list.
type IterationChange struct {
	Path       string
	ChangeType ChangeType
}

// ThreadStatus is the platform thread resolution status.
type ThreadStatus string

// Thread statuses written by the service.
const (
	ThreadActive ThreadStatus = "active"
	ThreadFixed  ThreadStatus = "fixed"
)

// Comment is a single comment within a thread.
type Comment struct {
	ID      int
	Content string
}

// Thread is a platform comment thread, inline (Path/Line set) or PR-level.
type Thread struct {
	ID       int
	Status   ThreadStatus
	Path     string
	Line     int
	Comments []Comment
}

// ThreadInput describes a thread to create. A zero Line (or empty Path)
// creates a PR-level thread.
type ThreadInput struct {
	Path   string
	Line   int
	Body   string
	Status ThreadStatus
}

// Hook identifies a platform service-hook subscription.
type Hook struct {
	ID        string
	EventType string
}
