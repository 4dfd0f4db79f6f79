package storage

import (
	"path"
	"strings"
)

const (
	// historyDir is the reserved entry inside every tree that holds the log.
	historyDir = ".history"
	// tempPrefix marks in-flight writes. A crash can leave such files
	// behind, so they are never listed, committed or copied.
	tempPrefix = ".tmp-"
)

// CleanPath normalizes a client-supplied relative path to slash form and
// rejects anything that could address a location outside the tree or a
// reserved entry.
func CleanPath(p string) (string, error) {
	if p == "" {
		return "", &PathError{Path: p, Reason: "path is required"}
	}
	if strings.ContainsRune(p, 0) {
		return "", &PathError{Path: p, Reason: "contains NUL byte"}
	}
	slashed := strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(slashed, "/") || (len(slashed) > 1 && slashed[1] == ':') {
		return "", &PathError{Path: p, Reason: "absolute paths are not allowed"}
	}
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", &PathError{Path: p, Reason: "parent segments are not allowed"}
		}
		if strings.HasPrefix(seg, tempPrefix) {
			return "", &PathError{Path: p, Reason: "path is reserved"}
		}
	}
	cleaned := path.Clean(slashed)
	if cleaned == "." {
		return "", &PathError{Path: p, Reason: "path names the project root"}
	}
	if first, _, _ := strings.Cut(cleaned, "/"); first == historyDir {
		return "", &PathError{Path: p, Reason: "path is reserved"}
	}
	return cleaned, nil
}

// ValidateProjectID checks that id can safely name a directory under the
// store root.
func ValidateProjectID(id string) error {
	if id == "" {
		return &ValidationError{Message: "project id is required"}
	}
	if strings.HasPrefix(id, ".") {
		return &ValidationError{Message: "project id must not start with '.'"}
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return &ValidationError{Message: "project id contains invalid character " + string(r)}
		}
	}
	return nil
}
