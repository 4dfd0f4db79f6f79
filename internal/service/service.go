package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/onexay/project-vs/internal/registry"
	"github.com/onexay/project-vs/internal/storage"
	"github.com/onexay/project-vs/internal/types"
)

const (
	// HeaderSessionID carries the caller's session.
	HeaderSessionID = "X-Session-ID"
	// HeaderAuthorName optionally names the author of commits.
	HeaderAuthorName = "X-Author-Name"

	copySuffix = " (Copy)"
)

var (
	errNoSession    = errors.New("no session found")
	errAccessDenied = errors.New("access denied")
)

// Store is the subset of the project store used by the API.
type Store interface {
	CreateProject(ctx context.Context, id, template string) (string, error)
	GetFile(ctx context.Context, id, path string) ([]byte, error)
	PutFile(ctx context.Context, req storage.PutFileRequest) (storage.PutFileResult, error)
	RemoveFile(ctx context.Context, req storage.RemoveFileRequest) (types.Commit, error)
	ListFiles(ctx context.Context, id string) ([]types.FileEntry, error)
	ProjectHistory(ctx context.Context, id string, limit int) ([]types.Commit, error)
	FileHistory(ctx context.Context, id, path string, limit int) ([]types.Commit, error)
	FileAt(ctx context.Context, id, hash, path string) ([]byte, error)
	CloneProject(ctx context.Context, src, dst string) (string, error)
	DeleteProject(ctx context.Context, id string) (bool, error)
	Exists(ctx context.Context, id string) (bool, error)
}

// Service authorizes requests against the registry and runs them on the store.
type Service struct {
	store    Store
	registry registry.Registry
	logger   *zap.Logger
	clock    func() time.Time
}

// New constructs the service wiring.
func New(store Store, reg registry.Registry, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, registry: reg, logger: logger, clock: time.Now}
}

// Register mounts the REST routes and the API docs on e.
func (s *Service) Register(e *echo.Echo) {
	e.GET("/swagger", s.handleSwagger)
	e.GET("/swagger/*", s.handleSwagger)

	v1 := e.Group("/api/v1")

	v1.GET("/sessions/current", s.handleCurrentSession)
	v1.POST("/sessions", s.handleNewSession)
	v1.DELETE("/sessions/current", s.handleDeleteSession)
	v1.GET("/sessions/export", s.handleExportSession)
	v1.POST("/sessions/import", s.handleImportSession)
	v1.POST("/sessions/share", s.handleShareSession)
	v1.GET("/sessions/shared/:token", s.handleRedeemShare)

	v1.GET("/projects", s.handleListProjects)
	v1.POST("/projects", s.handleCreateProject)
	v1.GET("/projects/:id", s.handleGetProject)
	v1.DELETE("/projects/:id", s.handleDeleteProject)
	v1.GET("/projects/:id/history", s.handleProjectHistory)
	v1.GET("/projects/:id/files", s.handleListFiles)

	v1.GET("/files/:id/*", s.handleGetFile)
	v1.PUT("/files/:id/*", s.handlePutFile)
	v1.DELETE("/files/:id/*", s.handleDeleteFile)
	v1.GET("/history/:id/*", s.handleFileHistory)
}

type sessionSummary struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"createdAt"`
	ProjectCount int       `json:"projectCount"`
}

func (s *Service) handleCurrentSession(c echo.Context) error {
	id := sessionHeader(c)
	if id == "" {
		id = uuid.NewString()
	}
	sess, created, err := s.registry.EnsureSession(c.Request().Context(), id)
	if err != nil {
		return s.writeError(c, err)
	}
	if created {
		s.logger.Info("session created", zap.String("session", id))
	}
	c.Response().Header().Set(HeaderSessionID, sess.ID)
	return c.JSON(http.StatusOK, map[string]any{
		"session": sessionSummary{ID: sess.ID, CreatedAt: sess.CreatedAt, ProjectCount: len(sess.Projects)},
	})
}

func (s *Service) handleNewSession(c echo.Context) error {
	sess, _, err := s.registry.EnsureSession(c.Request().Context(), uuid.NewString())
	if err != nil {
		return s.writeError(c, err)
	}
	s.logger.Info("session created", zap.String("session", sess.ID))
	c.Response().Header().Set(HeaderSessionID, sess.ID)
	return c.JSON(http.StatusCreated, map[string]any{
		"message": "New session created",
		"session": map[string]any{"id": sess.ID, "createdAt": sess.CreatedAt},
	})
}

func (s *Service) handleDeleteSession(c echo.Context) error {
	ctx := c.Request().Context()
	sid, err := s.session(c)
	if err != nil {
		return s.writeError(c, err)
	}
	projects, err := s.registry.ProjectsForSession(ctx, sid)
	if err != nil {
		return s.writeError(c, err)
	}
	for _, p := range projects {
		if err := s.deleteProject(ctx, p.ID); err != nil {
			return s.writeError(c, err)
		}
	}
	if _, err := s.registry.DeleteSession(ctx, sid); err != nil {
		return s.writeError(c, err)
	}
	s.logger.Info("session deleted", zap.String("session", sid), zap.Int("projects", len(projects)))
	return c.JSON(http.StatusOK, map[string]any{
		"message":         "Session and all associated projects deleted successfully",
		"deletedProjects": len(projects),
	})
}

// SessionExport is the document produced by export and consumed by import.
type SessionExport struct {
	SessionID  string          `json:"sessionId"`
	CreatedAt  time.Time       `json:"createdAt"`
	ExportedAt time.Time       `json:"exportedAt"`
	Projects   []types.Project `json:"projects"`
}

func (s *Service) handleExportSession(c echo.Context) error {
	ctx := c.Request().Context()
	sid, err := s.session(c)
	if err != nil {
		return s.writeError(c, err)
	}
	sess, err := s.registry.GetSession(ctx, sid)
	if err != nil {
		return s.writeError(c, err)
	}
	projects, err := s.registry.ProjectsForSession(ctx, sid)
	if err != nil {
		return s.writeError(c, err)
	}

	short := sid
	if len(short) > 8 {
		short = short[:8]
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		`attachment; filename="project-vs-session-`+short+`.json"`)
	return c.JSON(http.StatusOK, SessionExport{
		SessionID:  sid,
		CreatedAt:  sess.CreatedAt,
		ExportedAt: s.clock().UTC(),
		Projects:   projects,
	})
}

type importRequest struct {
	SessionData *SessionExport `json:"sessionData"`
}

// handleImportSession moves exported project records into the caller's
// session. Only projects whose tree still exists are imported, and a
// project owned by another live session is left alone.
func (s *Service) handleImportSession(c echo.Context) error {
	ctx := c.Request().Context()
	sid, err := s.session(c)
	if err != nil {
		return s.writeError(c, err)
	}
	var req importRequest
	if err := decodeJSON(c, &req); err != nil {
		return s.writeError(c, err)
	}
	if req.SessionData == nil || req.SessionData.Projects == nil {
		return s.writeError(c, &storage.ValidationError{Message: "invalid session data"})
	}

	imported := 0
	for _, p := range req.SessionData.Projects {
		ok, err := s.importable(ctx, sid, p.ID)
		if err != nil {
			return s.writeError(c, err)
		}
		if !ok {
			s.logger.Warn("skipped import", zap.String("session", sid), zap.String("project", p.ID))
			continue
		}
		now := s.clock().UTC()
		p.SessionID = sid
		p.ImportedAt = &now
		if _, err := s.registry.SaveProject(ctx, p); err != nil {
			return s.writeError(c, err)
		}
		imported++
	}
	return c.JSON(http.StatusOK, map[string]any{
		"message":          "Session data imported successfully",
		"importedProjects": imported,
	})
}

func (s *Service) importable(ctx context.Context, sid, id string) (bool, error) {
	if storage.ValidateProjectID(id) != nil {
		return false, nil
	}
	exists, err := s.store.Exists(ctx, id)
	if err != nil || !exists {
		return false, err
	}
	existing, err := s.registry.GetProject(ctx, id)
	if storage.KindOf(err) == storage.KindNotFound {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if existing.SessionID == "" || existing.SessionID == sid {
		return true, nil
	}
	if _, err := s.registry.GetSession(ctx, existing.SessionID); storage.KindOf(err) == storage.KindNotFound {
		return true, nil
	} else if err != nil {
		return false, err
	}
	return false, nil
}

func (s *Service) handleShareSession(c echo.Context) error {
	sid, err := s.session(c)
	if err != nil {
		return s.writeError(c, err)
	}
	token, err := s.registry.CreateShareToken(c.Request().Context(), sid)
	if err != nil {
		return s.writeError(c, err)
	}
	req := c.Request()
	shareURL := c.Scheme() + "://" + req.Host + "/shared/" + token.Token
	return c.JSON(http.StatusOK, map[string]any{
		"shareToken": token.Token,
		"shareUrl":   shareURL,
		"expiresAt":  token.ExpiresAt,
	})
}

// handleRedeemShare copies every project of the sharing session into the
// caller's session. Each copy gets a new id and a fresh history.
func (s *Service) handleRedeemShare(c echo.Context) error {
	ctx := c.Request().Context()
	sid, err := s.session(c)
	if err != nil {
		return s.writeError(c, err)
	}
	token, err := s.registry.ResolveShareToken(ctx, c.Param("token"))
	if err != nil {
		return s.writeError(c, err)
	}
	sources, err := s.registry.ProjectsForSession(ctx, token.SessionID)
	if err != nil {
		return s.writeError(c, err)
	}

	copied := make([]types.Project, 0, len(sources))
	for _, src := range sources {
		p, err := s.cloneInto(ctx, sid, src)
		if storage.KindOf(err) == storage.KindSourceMissing {
			s.logger.Warn("shared project has no tree", zap.String("project", src.ID))
			continue
		}
		if err != nil {
			return s.writeError(c, err)
		}
		copied = append(copied, p)
	}
	s.logger.Info("shared session redeemed",
		zap.String("source_session", token.SessionID),
		zap.String("session", sid),
		zap.Int("projects", len(copied)),
	)
	return c.JSON(http.StatusOK, map[string]any{
		"message":          "Shared session projects copied successfully",
		"importedProjects": copied,
	})
}

func (s *Service) cloneInto(ctx context.Context, sid string, src types.Project) (types.Project, error) {
	id := uuid.NewString()
	if _, err := s.store.CloneProject(ctx, src.ID, id); err != nil {
		return types.Project{}, err
	}
	now := s.clock().UTC()
	p, err := s.registry.SaveProject(ctx, types.Project{
		ID:          id,
		Name:        src.Name + copySuffix,
		Description: src.Description,
		SessionID:   sid,
		CreatedAt:   now,
		UpdatedAt:   now,
		ClonedFrom:  src.ID,
	})
	if err != nil {
		s.discard(id)
		return types.Project{}, err
	}
	return p, nil
}

func (s *Service) handleListProjects(c echo.Context) error {
	sid, err := s.session(c)
	if err != nil {
		return s.writeError(c, err)
	}
	projects, err := s.registry.ProjectsForSession(c.Request().Context(), sid)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"projects": projects})
}

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Template    string `json:"template"`
}

func (s *Service) handleCreateProject(c echo.Context) error {
	ctx := c.Request().Context()
	sid, err := s.session(c)
	if err != nil {
		return s.writeError(c, err)
	}
	var req createProjectRequest
	if err := decodeJSON(c, &req); err != nil {
		return s.writeError(c, err)
	}
	if strings.TrimSpace(req.Name) == "" {
		return s.writeError(c, &storage.ValidationError{Message: "project name is required"})
	}

	id := uuid.NewString()
	if _, err := s.store.CreateProject(ctx, id, req.Template); err != nil {
		return s.writeError(c, err)
	}
	now := s.clock().UTC()
	project, err := s.registry.SaveProject(ctx, types.Project{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		SessionID:   sid,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		s.discard(id)
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]any{"project": project})
}

func (s *Service) handleGetProject(c echo.Context) error {
	project, err := s.authorize(c, c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"project": project})
}

func (s *Service) handleDeleteProject(c echo.Context) error {
	project, err := s.authorize(c, c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	if err := s.deleteProject(c.Request().Context(), project.ID); err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Project deleted successfully"})
}

func (s *Service) handleProjectHistory(c echo.Context) error {
	project, err := s.authorize(c, c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	limit, err := limitParam(c)
	if err != nil {
		return s.writeError(c, err)
	}
	history, err := s.store.ProjectHistory(c.Request().Context(), project.ID, limit)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"history": history})
}

func (s *Service) handleListFiles(c echo.Context) error {
	project, err := s.authorize(c, c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	files, err := s.store.ListFiles(c.Request().Context(), project.ID)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"files": files})
}

// handleGetFile serves current content, or the content at ?commit=.
func (s *Service) handleGetFile(c echo.Context) error {
	ctx := c.Request().Context()
	project, err := s.authorize(c, c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	filePath := wildcardPath(c)

	var data []byte
	if hash := c.QueryParam("commit"); hash != "" {
		data, err = s.store.FileAt(ctx, project.ID, hash, filePath)
	} else {
		data, err = s.store.GetFile(ctx, project.ID, filePath)
	}
	if err != nil {
		return s.writeError(c, err)
	}
	return c.Blob(http.StatusOK, contentType(filePath), data)
}

// handleFileHistory lists the commits that touched a file, newest first.
func (s *Service) handleFileHistory(c echo.Context) error {
	project, err := s.authorize(c, c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	limit, err := limitParam(c)
	if err != nil {
		return s.writeError(c, err)
	}
	history, err := s.store.FileHistory(c.Request().Context(), project.ID, wildcardPath(c), limit)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"history": history})
}

type putFileRequest struct {
	Content       *string `json:"content"`
	CommitMessage string  `json:"commitMessage"`
}

func (s *Service) handlePutFile(c echo.Context) error {
	ctx := c.Request().Context()
	project, err := s.authorize(c, c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	var req putFileRequest
	if err := decodeJSON(c, &req); err != nil {
		return s.writeError(c, err)
	}
	if req.Content == nil {
		return s.writeError(c, &storage.ValidationError{Message: "file content is required"})
	}

	filePath := wildcardPath(c)
	result, err := s.store.PutFile(ctx, storage.PutFileRequest{
		Project: project.ID,
		Path:    filePath,
		Content: []byte(*req.Content),
		Message: req.CommitMessage,
		Author:  authorFromHeaders(c),
	})
	if err != nil {
		return s.writeError(c, err)
	}
	updated := s.touch(ctx, project)

	return c.JSON(http.StatusOK, map[string]any{
		"success":   true,
		"message":   "File saved successfully",
		"file":      map[string]any{"path": filePath, "updatedAt": updated},
		"commit":    result.Commit.Hash,
		"diff":      result.Diff,
		"unchanged": result.Unchanged,
	})
}

type deleteFileRequest struct {
	CommitMessage string `json:"commitMessage"`
}

func (s *Service) handleDeleteFile(c echo.Context) error {
	ctx := c.Request().Context()
	project, err := s.authorize(c, c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	var req deleteFileRequest
	if err := decodeJSON(c, &req); err != nil {
		return s.writeError(c, err)
	}

	commit, err := s.store.RemoveFile(ctx, storage.RemoveFileRequest{
		Project: project.ID,
		Path:    wildcardPath(c),
		Message: req.CommitMessage,
		Author:  authorFromHeaders(c),
	})
	if err != nil {
		return s.writeError(c, err)
	}
	s.touch(ctx, project)

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"message": "File deleted successfully",
		"commit":  commit.Hash,
	})
}

// session returns the caller's session id, registering the session on first
// sight. A request without a session header is rejected.
func (s *Service) session(c echo.Context) (string, error) {
	id := sessionHeader(c)
	if id == "" {
		return "", errNoSession
	}
	if _, _, err := s.registry.EnsureSession(c.Request().Context(), id); err != nil {
		return "", err
	}
	return id, nil
}

// authorize loads project id and checks that the caller's session owns it.
func (s *Service) authorize(c echo.Context, id string) (types.Project, error) {
	sid := sessionHeader(c)
	if sid == "" {
		return types.Project{}, errNoSession
	}
	project, err := s.registry.GetProject(c.Request().Context(), id)
	if err != nil {
		return types.Project{}, err
	}
	if project.SessionID != sid {
		return types.Project{}, errAccessDenied
	}
	return project, nil
}

// deleteProject removes the tree and history, then the registry record.
func (s *Service) deleteProject(ctx context.Context, id string) error {
	if _, err := s.store.DeleteProject(ctx, id); err != nil {
		return err
	}
	_, err := s.registry.DeleteProject(ctx, id)
	return err
}

// discard drops a tree whose registry record could not be written.
func (s *Service) discard(id string) {
	if _, err := s.store.DeleteProject(context.Background(), id); err != nil {
		s.logger.Error("discard project", zap.String("project", id), zap.Error(err))
	}
}

// touch bumps the project's updatedAt. The file change is already committed,
// so a registry failure is logged rather than reported.
func (s *Service) touch(ctx context.Context, project types.Project) time.Time {
	updated, err := s.registry.UpdateProject(ctx, types.Project{ID: project.ID})
	if err != nil {
		s.logger.Warn("update project timestamp", zap.String("project", project.ID), zap.Error(err))
		return s.clock().UTC()
	}
	return updated.UpdatedAt
}

func sessionHeader(c echo.Context) string {
	return strings.TrimSpace(c.Request().Header.Get(HeaderSessionID))
}

func authorFromHeaders(c echo.Context) string {
	return strings.TrimSpace(c.Request().Header.Get(HeaderAuthorName))
}

func wildcardPath(c echo.Context) string {
	p := c.Param("*")
	if unescaped, err := url.PathUnescape(p); err == nil {
		p = unescaped
	}
	return p
}

func limitParam(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, &storage.ValidationError{Message: "limit must be a non-negative integer"}
	}
	return limit, nil
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".js", ".jsx":
		return "application/javascript"
	case ".json":
		return echo.MIMEApplicationJSON
	case ".html":
		return "text/html"
	case ".css":
		return "text/css"
	default:
		return "text/plain"
	}
}

func decodeJSON(c echo.Context, v any) error {
	err := json.NewDecoder(c.Request().Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return &storage.ValidationError{Message: "invalid payload"}
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Service) writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, errNoSession):
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error(), Kind: "unauthorized"})
	case errors.Is(err, errAccessDenied):
		return c.JSON(http.StatusForbidden, errorResponse{Error: err.Error(), Kind: "forbidden"})
	}

	kind := storage.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("uri", c.Request().RequestURI),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
	return c.JSON(status, errorResponse{Error: err.Error(), Kind: string(kind)})
}

func statusFor(kind storage.Kind) int {
	switch kind {
	case storage.KindNotFound, storage.KindSourceMissing:
		return http.StatusNotFound
	case storage.KindAlreadyExists, storage.KindTargetExists, storage.KindNothingToCommit:
		return http.StatusConflict
	case storage.KindInvalidPath, storage.KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
