package storage

import (
	"errors"
	"fmt"
)

// Kind is the stable, machine-readable class of a storage failure.
type Kind string

const (
	KindAlreadyExists   Kind = "already_exists"
	KindNotFound        Kind = "not_found"
	KindSourceMissing   Kind = "source_missing"
	KindTargetExists    Kind = "target_exists"
	KindNothingToCommit Kind = "nothing_to_commit"
	KindIO              Kind = "io_failure"
	KindInvalidPath     Kind = "invalid_path"
	KindInconsistent    Kind = "inconsistent"
	KindInvalid         Kind = "invalid"
)

// Resource names used in NotFoundError and ConflictError.
const (
	ResourceProject = "project"
	ResourceFile    = "file"
	ResourceHistory = "history"
	ResourceCommit  = "commit"
	ResourceSource  = "source project"
	ResourceTarget  = "target project"
)

// NotFoundError signals missing records.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " " + e.Key + " not found"
}

// Kind reports KindSourceMissing for clone sources and KindNotFound otherwise.
func (e *NotFoundError) Kind() Kind {
	if e.Resource == ResourceSource {
		return KindSourceMissing
	}
	return KindNotFound
}

// ConflictError signals duplicate creation attempts.
type ConflictError struct {
	Resource string
	Key      string
}

func (e *ConflictError) Error() string {
	return e.Resource + " " + e.Key + " already exists"
}

// Kind reports KindTargetExists for clone targets and KindAlreadyExists otherwise.
func (e *ConflictError) Kind() Kind {
	if e.Resource == ResourceTarget {
		return KindTargetExists
	}
	return KindAlreadyExists
}

// ValidationError represents invalid input supplied by clients.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Kind() Kind { return KindInvalid }

// PathError rejects a path that would escape or corrupt a project tree.
type PathError struct {
	Path   string
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Path, e.Reason)
}

func (e *PathError) Kind() Kind { return KindInvalidPath }

// NothingToCommitError is returned when a commit would not change the tree.
type NothingToCommitError struct {
	Project string
}

func (e *NothingToCommitError) Error() string {
	return "nothing to commit in project " + e.Project
}

func (e *NothingToCommitError) Kind() Kind { return KindNothingToCommit }

// IOError wraps a failure of the underlying storage medium.
type IOError struct {
	Op  string
	Key string
	Err error
}

func (e *IOError) Error() string {
	return e.Op + " " + e.Key + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Kind() Kind { return KindIO }

// InconsistentError reports a multi-step operation that changed the tree
// but failed to record the change in history. It needs reconciliation,
// not a blind retry.
type InconsistentError struct {
	Project string
	Op      string
	Err     error
}

func (e *InconsistentError) Error() string {
	return fmt.Sprintf("project %s left inconsistent by %s: %v", e.Project, e.Op, e.Err)
}

func (e *InconsistentError) Unwrap() error { return e.Err }

func (e *InconsistentError) Kind() Kind { return KindInconsistent }

type kinder interface {
	Kind() Kind
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Unclassified errors are treated as storage failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindIO
}

func ioErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Key: key, Err: err}
}
