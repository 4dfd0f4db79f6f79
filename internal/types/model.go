package types

import (
	"strings"
	"time"
)

// ChangeAction describes how a commit affected a single path.
type ChangeAction string

const (
	ChangeAdded    ChangeAction = "added"
	ChangeModified ChangeAction = "modified"
	ChangeDeleted  ChangeAction = "deleted"
)

// Change is one path recorded by a commit.
type Change struct {
	Path   string       `json:"path"`
	Action ChangeAction `json:"action"`
}

// Commit captures a project version entry.
type Commit struct {
	Project   string    `json:"project"`
	Hash      string    `json:"hash"`
	Parent    string    `json:"parent,omitempty"`
	Tree      string    `json:"tree"`
	Author    string    `json:"author"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"date"`
	Changes   []Change  `json:"changes,omitempty"`
}

// Touches reports whether the commit changed path, or anything below it
// when path names a directory.
func (c Commit) Touches(path string) bool {
	for _, ch := range c.Changes {
		if ch.Path == path || strings.HasPrefix(ch.Path, path+"/") {
			return true
		}
	}
	return false
}

// FileEntry is a regular file inside a project tree.
type FileEntry struct {
	Path      string    `json:"path"`
	Type      string    `json:"type"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Project holds the metadata record kept by the project directory.
type Project struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	SessionID   string     `json:"sessionId"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ClonedFrom  string     `json:"clonedFrom,omitempty"`
	ImportedAt  *time.Time `json:"importedAt,omitempty"`
}

// Session is an opaque caller identity owning zero or more projects.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Projects  []string  `json:"projects"`
}

// ShareToken grants read access to a session's projects until it expires.
type ShareToken struct {
	Token     string    `json:"token"`
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the token is no longer valid at now.
func (t ShareToken) Expired(now time.Time) bool {
	return t.ExpiresAt.Before(now)
}
