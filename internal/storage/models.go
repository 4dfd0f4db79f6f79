package storage

import (
	"github.com/onexay/project-vs/internal/types"
)

// Commit messages recorded by the store itself.
const (
	MessageTemplateInit = "Initial commit with template files"
	MessageCloneImport  = "Initial import from shared project"

	defaultAuthor = "project-vs"
)

// PutFileRequest describes a file write.
type PutFileRequest struct {
	Project string
	Path    string
	Content []byte
	// Message defaults to "Update <path>".
	Message string
	// Author defaults to the store's configured author.
	Author string
}

// PutFileResult summarises the commit created by a file write.
type PutFileResult struct {
	Commit types.Commit
	// Diff is a unified diff of the previous content against the new one.
	Diff string
	// Unchanged is set when the content was identical and no commit was
	// appended; Commit is then the current head.
	Unchanged bool
}

// RemoveFileRequest describes a file deletion.
type RemoveFileRequest struct {
	Project string
	Path    string
	// Message defaults to "Delete <path>".
	Message string
	Author  string
}
