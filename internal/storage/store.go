package storage

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/onexay/project-vs/internal/types"
)

// ProjectStore is the versioned project store. Every operation is atomic as
// seen by callers: mutations hold the project's write lock across the tree
// change and the commit that records it, reads hold its read lock.
type ProjectStore struct {
	trees     *TreeStore
	history   *HistoryLog
	templates TemplateResolver
	locks     *lockTable
	author    string
	logger    *zap.Logger
	metrics   *Metrics
}

// NewProjectStore opens (creating if needed) a store rooted at opts.Root.
func NewProjectStore(opts Options) (*ProjectStore, error) {
	opts = opts.withDefaults()
	trees, err := NewTreeStore(opts.Root)
	if err != nil {
		return nil, err
	}
	return &ProjectStore{
		trees:     trees,
		history:   NewHistoryLog(trees),
		templates: opts.Templates,
		locks:     newLockTable(),
		author:    opts.Author,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}, nil
}

// Close releases cached history databases.
func (s *ProjectStore) Close() error {
	return s.history.Close()
}

// CreateProject creates the tree for id, fills it from the named template
// and records the initial commit. It returns the tree path.
func (s *ProjectStore) CreateProject(ctx context.Context, id, template string) (path string, err error) {
	defer s.metrics.observe("create_project", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := ValidateProjectID(id); err != nil {
		return "", err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	if err := s.trees.Create(id); err != nil {
		return "", err
	}
	ctx = context.WithoutCancel(ctx)

	bundle, used := s.templates.Resolve(template)
	for _, name := range bundle.Names() {
		if err := s.trees.WriteFile(id, name, bundle[name]); err != nil {
			return "", s.rollback(id, "create project", err)
		}
	}
	if err := s.history.Init(ctx, id); err != nil {
		return "", s.rollback(id, "create project", err)
	}
	commit, err := s.history.CommitAll(ctx, id, MessageTemplateInit, s.author)
	if err != nil {
		return "", s.rollback(id, "create project", err)
	}

	s.countCreated()
	s.logger.Info("project created",
		zap.String("project", id),
		zap.String("template", used),
		zap.Int("files", len(bundle)),
		zap.String("commit", commit.Hash),
	)
	return s.trees.Path(id), nil
}

// GetFile returns the current content of path.
func (s *ProjectStore) GetFile(ctx context.Context, id, path string) (data []byte, err error) {
	defer s.metrics.observe("get_file", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.locks.RLock(id)
	defer unlock()

	data, found, err := s.trees.ReadFile(id, path)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &NotFoundError{Resource: ResourceFile, Key: path}
	}
	return data, nil
}

// PutFile writes a file, creating parent directories, and commits it.
func (s *ProjectStore) PutFile(ctx context.Context, req PutFileRequest) (res PutFileResult, err error) {
	defer s.metrics.observe("put_file", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return PutFileResult{}, err
	}
	rel, err := CleanPath(req.Path)
	if err != nil {
		return PutFileResult{}, err
	}
	message := req.Message
	if message == "" {
		message = "Update " + rel
	}

	unlock := s.locks.Lock(req.Project)
	defer unlock()

	previous, _, err := s.trees.ReadFile(req.Project, rel)
	if err != nil {
		return PutFileResult{}, err
	}
	if err := s.trees.WriteFile(req.Project, rel, req.Content); err != nil {
		return PutFileResult{}, err
	}
	// The tree has changed; the commit must land even if the caller is gone.
	ctx = context.WithoutCancel(ctx)

	commit, err := s.history.CommitPath(ctx, req.Project, rel, message, s.authorOr(req.Author))
	var nothing *NothingToCommitError
	switch {
	case errors.As(err, &nothing):
		head, _, herr := s.history.Head(ctx, req.Project)
		if herr != nil {
			return PutFileResult{}, s.inconsistent(req.Project, "put file", herr)
		}
		return PutFileResult{Commit: head, Unchanged: true}, nil
	case err != nil:
		return PutFileResult{}, s.inconsistent(req.Project, "put file", err)
	}

	s.logger.Info("file committed",
		zap.String("project", req.Project),
		zap.String("path", rel),
		zap.Int("bytes", len(req.Content)),
		zap.String("commit", commit.Hash),
	)
	return PutFileResult{
		Commit: commit,
		Diff:   computeDiff(rel, previous, req.Content),
	}, nil
}

// RemoveFile deletes a file and commits the deletion. A missing file is an
// error, never a silent no-op.
func (s *ProjectStore) RemoveFile(ctx context.Context, req RemoveFileRequest) (commit types.Commit, err error) {
	defer s.metrics.observe("remove_file", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return types.Commit{}, err
	}
	rel, err := CleanPath(req.Path)
	if err != nil {
		return types.Commit{}, err
	}
	message := req.Message
	if message == "" {
		message = "Delete " + rel
	}

	unlock := s.locks.Lock(req.Project)
	defer unlock()

	if err := s.trees.RemoveFile(req.Project, rel); err != nil {
		return types.Commit{}, err
	}
	ctx = context.WithoutCancel(ctx)

	commit, err = s.history.CommitPath(ctx, req.Project, rel, message, s.authorOr(req.Author))
	var nothing *NothingToCommitError
	switch {
	case errors.As(err, &nothing):
		// The file was on disk but never recorded; history already matches.
		head, _, herr := s.history.Head(ctx, req.Project)
		if herr != nil {
			return types.Commit{}, s.inconsistent(req.Project, "remove file", herr)
		}
		return head, nil
	case err != nil:
		return types.Commit{}, s.inconsistent(req.Project, "remove file", err)
	}

	s.logger.Info("file removed",
		zap.String("project", req.Project),
		zap.String("path", rel),
		zap.String("commit", commit.Hash),
	)
	return commit, nil
}

// ListFiles returns every file of the project tree.
func (s *ProjectStore) ListFiles(ctx context.Context, id string) (files []types.FileEntry, err error) {
	defer s.metrics.observe("list_files", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.locks.RLock(id)
	defer unlock()

	return s.trees.List(id)
}

// ProjectHistory returns the project's commits, newest first. A limit of
// zero returns all of them.
func (s *ProjectStore) ProjectHistory(ctx context.Context, id string, limit int) (commits []types.Commit, err error) {
	defer s.metrics.observe("project_history", time.Now(), &err)
	return s.log(ctx, id, LogOptions{Limit: limit})
}

// FileHistory returns the commits that touched path, newest first.
func (s *ProjectStore) FileHistory(ctx context.Context, id, path string, limit int) (commits []types.Commit, err error) {
	defer s.metrics.observe("file_history", time.Now(), &err)
	rel, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	return s.log(ctx, id, LogOptions{Path: rel, Limit: limit})
}

// FileAt returns path as it was recorded by commit hash.
func (s *ProjectStore) FileAt(ctx context.Context, id, hash, path string) (data []byte, err error) {
	defer s.metrics.observe("file_at", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.locks.RLock(id)
	defer unlock()

	if err := s.trees.requireTree(id); err != nil {
		return nil, err
	}
	return s.history.Show(ctx, id, hash, path)
}

// CloneProject copies the tree of src into a new project dst with a fresh
// history of one commit. The source history is not carried over.
func (s *ProjectStore) CloneProject(ctx context.Context, src, dst string) (path string, err error) {
	defer s.metrics.observe("clone_project", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := ValidateProjectID(src); err != nil {
		return "", err
	}
	if err := ValidateProjectID(dst); err != nil {
		return "", err
	}
	if src == dst {
		return "", &ConflictError{Resource: ResourceTarget, Key: dst}
	}

	// Fixed lock order keeps two crossing clones from deadlocking.
	if src < dst {
		unlockSrc := s.locks.RLock(src)
		defer unlockSrc()
		unlockDst := s.locks.Lock(dst)
		defer unlockDst()
	} else {
		unlockDst := s.locks.Lock(dst)
		defer unlockDst()
		unlockSrc := s.locks.RLock(src)
		defer unlockSrc()
	}

	if err := s.trees.CopyInto(src, dst); err != nil {
		return "", err
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.history.Init(ctx, dst); err != nil {
		return "", s.rollback(dst, "clone project", err)
	}
	commit, err := s.history.CommitAll(ctx, dst, MessageCloneImport, s.author)
	if err != nil {
		return "", s.rollback(dst, "clone project", err)
	}

	s.countCreated()
	s.logger.Info("project cloned",
		zap.String("source", src),
		zap.String("project", dst),
		zap.String("commit", commit.Hash),
	)
	return s.trees.Path(dst), nil
}

// DeleteProject destroys the tree and its history together. It reports
// whether the project existed; deleting a missing project is not an error.
func (s *ProjectStore) DeleteProject(ctx context.Context, id string) (existed bool, err error) {
	defer s.metrics.observe("delete_project", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ValidateProjectID(id); err != nil {
		return false, err
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	if err := s.history.Forget(id); err != nil {
		s.logger.Warn("close history", zap.String("project", id), zap.Error(err))
	}
	existed, err = s.trees.Remove(id)
	if err != nil {
		return existed, err
	}
	if existed {
		s.countDeleted()
		s.logger.Info("project deleted", zap.String("project", id))
	}
	return existed, nil
}

// Exists reports whether a project tree is present.
func (s *ProjectStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ValidateProjectID(id); err != nil {
		return false, err
	}
	unlock := s.locks.RLock(id)
	defer unlock()
	return s.trees.Exists(id)
}

func (s *ProjectStore) log(ctx context.Context, id string, opts LogOptions) ([]types.Commit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.locks.RLock(id)
	defer unlock()

	if err := s.trees.requireTree(id); err != nil {
		return nil, err
	}
	return s.history.Log(ctx, id, opts)
}

// rollback removes a tree whose creation failed part way. If the tree
// cannot be removed the project is reported inconsistent.
func (s *ProjectStore) rollback(id, op string, cause error) error {
	_ = s.history.Forget(id)
	if _, err := s.trees.Remove(id); err != nil {
		s.logger.Error("rollback failed",
			zap.String("project", id),
			zap.String("op", op),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return &InconsistentError{Project: id, Op: op, Err: errors.Join(cause, err)}
	}
	s.logger.Warn("rolled back", zap.String("project", id), zap.String("op", op), zap.Error(cause))
	return cause
}

func (s *ProjectStore) inconsistent(id, op string, cause error) error {
	s.logger.Error("tree changed but commit failed",
		zap.String("project", id),
		zap.String("op", op),
		zap.Error(cause),
	)
	return &InconsistentError{Project: id, Op: op, Err: cause}
}

func (s *ProjectStore) authorOr(author string) string {
	if author != "" {
		return author
	}
	return s.author
}

func (s *ProjectStore) countCreated() {
	if s.metrics != nil {
		s.metrics.ProjectsCreated.Inc()
	}
}

func (s *ProjectStore) countDeleted() {
	if s.metrics != nil {
		s.metrics.ProjectsDeleted.Inc()
	}
}
