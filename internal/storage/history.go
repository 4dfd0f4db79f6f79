package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/onexay/project-vs/internal/types"
)

const (
	historyDBName = "log.db"

	bucketCommits   = "commits"   // commit hash -> commit JSON
	bucketLog       = "log"       // sequence -> commit hash
	bucketManifests = "manifests" // commit hash -> manifest JSON
	bucketBlobs     = "blobs"     // content hash -> file bytes
	bucketMeta      = "meta"

	metaHead = "head"
)

var historyBuckets = []string{bucketCommits, bucketLog, bucketManifests, bucketBlobs, bucketMeta}

// manifest maps every file of a snapshot to the hash of its content.
type manifest map[string]string

// LogOptions narrows a history query.
type LogOptions struct {
	// Path restricts the log to commits that touched this file, or any
	// file below it when it names a directory.
	Path  string
	Limit int
}

// HistoryLog is a linear, content-addressed commit log kept inside each
// project tree. Each project has its own bbolt database under the reserved
// history entry; commits, snapshots and file contents live in it and are
// never rewritten.
type HistoryLog struct {
	trees *TreeStore
	clock func() time.Time

	mu  sync.Mutex
	dbs map[string]*bolt.DB
}

// NewHistoryLog builds a log over the trees of store.
func NewHistoryLog(trees *TreeStore) *HistoryLog {
	return &HistoryLog{
		trees: trees,
		clock: time.Now,
		dbs:   make(map[string]*bolt.DB),
	}
}

func (h *HistoryLog) dbPath(id string) string {
	return filepath.Join(h.trees.Path(id), historyDir, historyDBName)
}

// Init creates an empty history for a freshly created tree.
func (h *HistoryLog) Init(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.trees.requireTree(id); err != nil {
		return err
	}
	if _, err := os.Stat(h.dbPath(id)); err == nil {
		return &ConflictError{Resource: ResourceHistory, Key: id}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return ioErr("stat history", id, err)
	}
	if err := os.MkdirAll(filepath.Dir(h.dbPath(id)), 0o755); err != nil {
		return ioErr("create history", id, err)
	}

	db, err := h.open(id, true)
	if err != nil {
		return err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range historyBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	return ioErr("init history", id, err)
}

// CommitAll records the whole current tree as one new commit.
func (h *HistoryLog) CommitAll(ctx context.Context, id, message, author string) (types.Commit, error) {
	if err := ctx.Err(); err != nil {
		return types.Commit{}, err
	}
	db, err := h.open(id, false)
	if err != nil {
		return types.Commit{}, err
	}

	var commit types.Commit
	err = db.Update(func(tx *bolt.Tx) error {
		head, parent, err := loadHead(tx)
		if err != nil {
			return err
		}
		next := make(manifest)
		if err := h.snapshot(tx, id, "", next); err != nil {
			return err
		}
		commit, err = h.appendCommit(tx, id, head, parent, next, message, author)
		return err
	})
	if err != nil {
		return types.Commit{}, classify("commit", id, err)
	}
	return commit, nil
}

// CommitPath records a commit whose change is limited to p. Files under p
// are refreshed when p names a directory; a missing p is recorded as
// deleted.
func (h *HistoryLog) CommitPath(ctx context.Context, id, p, message, author string) (types.Commit, error) {
	if err := ctx.Err(); err != nil {
		return types.Commit{}, err
	}
	rel, err := CleanPath(p)
	if err != nil {
		return types.Commit{}, err
	}
	db, err := h.open(id, false)
	if err != nil {
		return types.Commit{}, err
	}

	var commit types.Commit
	err = db.Update(func(tx *bolt.Tx) error {
		head, parent, err := loadHead(tx)
		if err != nil {
			return err
		}
		next := make(manifest, len(parent))
		for path, hash := range parent {
			if path == rel || strings.HasPrefix(path, rel+"/") {
				continue
			}
			next[path] = hash
		}
		if err := h.snapshot(tx, id, rel, next); err != nil {
			return err
		}
		commit, err = h.appendCommit(tx, id, head, parent, next, message, author)
		return err
	})
	if err != nil {
		return types.Commit{}, classify("commit", id, err)
	}
	return commit, nil
}

// Log returns commits newest first.
func (h *HistoryLog) Log(ctx context.Context, id string, opts LogOptions) ([]types.Commit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filter := ""
	if opts.Path != "" {
		rel, err := CleanPath(opts.Path)
		if err != nil {
			return nil, err
		}
		filter = rel
	}
	db, err := h.open(id, false)
	if err != nil {
		return nil, err
	}

	result := make([]types.Commit, 0)
	err = db.View(func(tx *bolt.Tx) error {
		commits := tx.Bucket([]byte(bucketCommits))
		c := tx.Bucket([]byte(bucketLog)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			raw := commits.Get(v)
			if raw == nil {
				return &NotFoundError{Resource: ResourceCommit, Key: string(v)}
			}
			var commit types.Commit
			if err := json.Unmarshal(raw, &commit); err != nil {
				return err
			}
			if filter != "" && !commit.Touches(filter) {
				continue
			}
			result = append(result, commit)
			if opts.Limit > 0 && len(result) >= opts.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify("log", id, err)
	}
	return result, nil
}

// Head returns the most recent commit, if any.
func (h *HistoryLog) Head(ctx context.Context, id string) (types.Commit, bool, error) {
	commits, err := h.Log(ctx, id, LogOptions{Limit: 1})
	if err != nil || len(commits) == 0 {
		return types.Commit{}, false, err
	}
	return commits[0], true, nil
}

// Show returns the content of p as recorded by commit hash.
func (h *HistoryLog) Show(ctx context.Context, id, hash, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rel, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	db, err := h.open(id, false)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = db.View(func(tx *bolt.Tx) error {
		m, err := loadManifest(tx, hash)
		if err != nil {
			return err
		}
		blob, ok := m[rel]
		if !ok {
			return &NotFoundError{Resource: ResourceFile, Key: rel + "@" + hash}
		}
		raw := tx.Bucket([]byte(bucketBlobs)).Get([]byte(blob))
		if raw == nil {
			return &NotFoundError{Resource: "blob", Key: blob}
		}
		data = append([]byte{}, raw...)
		return nil
	})
	if err != nil {
		return nil, classify("show", id, err)
	}
	return data, nil
}

// Forget closes the cached database of a project. It must be called before
// the tree holding the database is removed.
func (h *HistoryLog) Forget(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	db, ok := h.dbs[id]
	if !ok {
		return nil
	}
	delete(h.dbs, id)
	return db.Close()
}

// Close closes every cached database.
func (h *HistoryLog) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var first error
	for id, db := range h.dbs {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
		delete(h.dbs, id)
	}
	return first
}

func (h *HistoryLog) open(id string, create bool) (*bolt.DB, error) {
	if err := ValidateProjectID(id); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if db, ok := h.dbs[id]; ok {
		if _, err := os.Stat(db.Path()); err == nil {
			return db, nil
		}
		// The tree was removed behind our back; drop the stale handle.
		_ = db.Close()
		delete(h.dbs, id)
	}

	path := h.dbPath(id)
	if !create {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{Resource: ResourceHistory, Key: id}
		} else if err != nil {
			return nil, ioErr("stat history", id, err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, ioErr("open history", id, err)
	}
	h.dbs[id] = db
	return db, nil
}

// snapshot stores the current content of every file at or below rel (the
// whole tree when rel is empty) and records it in m.
func (h *HistoryLog) snapshot(tx *bolt.Tx, id, rel string, m manifest) error {
	root := h.trees.Path(id)
	blobs := tx.Bucket([]byte(bucketBlobs))

	store := func(relPath string) error {
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(relPath)))
		if err != nil {
			return ioErr("read file", relPath, err)
		}
		hash := computeContentHash(data)
		if blobs.Get([]byte(hash)) == nil {
			if err := blobs.Put([]byte(hash), data); err != nil {
				return err
			}
		}
		m[relPath] = hash
		return nil
	}

	start := root
	if rel != "" {
		start = filepath.Join(root, filepath.FromSlash(rel))
		info, err := os.Lstat(start)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return ioErr("stat", rel, err)
		}
		if info.Mode().IsRegular() {
			return store(rel)
		}
		if !info.IsDir() {
			return nil
		}
	}

	return walkTree(start, func(sub string, d fs.DirEntry) error {
		if d.IsDir() {
			return nil
		}
		if rel != "" {
			sub = rel + "/" + sub
		}
		return store(sub)
	})
}

func (h *HistoryLog) appendCommit(tx *bolt.Tx, id, head string, parent, next manifest, message, author string) (types.Commit, error) {
	changes := diffManifests(parent, next)
	if head != "" && len(changes) == 0 {
		return types.Commit{}, &NothingToCommitError{Project: id}
	}

	commits := tx.Bucket([]byte(bucketCommits))
	now := h.clock().UTC()
	if head != "" {
		var prev types.Commit
		if err := json.Unmarshal(commits.Get([]byte(head)), &prev); err != nil {
			return types.Commit{}, err
		}
		if !now.After(prev.Timestamp) {
			now = prev.Timestamp.Add(time.Nanosecond)
		}
	}

	tree := computeTreeDigest(next)
	commit := types.Commit{
		Project:   id,
		Hash:      computeCommitHash(id, head, tree, author, message, now),
		Parent:    head,
		Tree:      tree,
		Author:    author,
		Message:   message,
		Timestamp: now,
		Changes:   changes,
	}
	if commits.Get([]byte(commit.Hash)) != nil {
		return types.Commit{}, &ConflictError{Resource: ResourceCommit, Key: commit.Hash}
	}

	payload, err := json.Marshal(commit)
	if err != nil {
		return types.Commit{}, err
	}
	manifestPayload, err := json.Marshal(next)
	if err != nil {
		return types.Commit{}, err
	}

	logBucket := tx.Bucket([]byte(bucketLog))
	seq, err := logBucket.NextSequence()
	if err != nil {
		return types.Commit{}, err
	}
	if err := commits.Put([]byte(commit.Hash), payload); err != nil {
		return types.Commit{}, err
	}
	if err := tx.Bucket([]byte(bucketManifests)).Put([]byte(commit.Hash), manifestPayload); err != nil {
		return types.Commit{}, err
	}
	if err := logBucket.Put(seqKey(seq), []byte(commit.Hash)); err != nil {
		return types.Commit{}, err
	}
	if err := tx.Bucket([]byte(bucketMeta)).Put([]byte(metaHead), []byte(commit.Hash)); err != nil {
		return types.Commit{}, err
	}
	return commit, nil
}

func loadHead(tx *bolt.Tx) (string, manifest, error) {
	meta := tx.Bucket([]byte(bucketMeta))
	if meta == nil {
		return "", nil, errors.New("history buckets missing")
	}
	head := string(meta.Get([]byte(metaHead)))
	if head == "" {
		return "", manifest{}, nil
	}
	m, err := loadManifest(tx, head)
	if err != nil {
		return "", nil, err
	}
	return head, m, nil
}

func loadManifest(tx *bolt.Tx, hash string) (manifest, error) {
	raw := tx.Bucket([]byte(bucketManifests)).Get([]byte(hash))
	if raw == nil {
		return nil, &NotFoundError{Resource: ResourceCommit, Key: hash}
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = manifest{}
	}
	return m, nil
}

func diffManifests(prev, next manifest) []types.Change {
	changes := make([]types.Change, 0)
	for p, hash := range next {
		old, ok := prev[p]
		switch {
		case !ok:
			changes = append(changes, types.Change{Path: p, Action: types.ChangeAdded})
		case old != hash:
			changes = append(changes, types.Change{Path: p, Action: types.ChangeModified})
		}
	}
	for p := range prev {
		if _, ok := next[p]; !ok {
			changes = append(changes, types.Change{Path: p, Action: types.ChangeDeleted})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// classify keeps typed errors intact and marks anything else as a storage
// failure.
func classify(op, id string, err error) error {
	var k kinder
	if errors.As(err, &k) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return ioErr(op, id, err)
}
