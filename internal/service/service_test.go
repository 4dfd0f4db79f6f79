package service

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/onexay/project-vs/internal/registry"
	"github.com/onexay/project-vs/internal/storage"
	"github.com/onexay/project-vs/internal/types"
)

type testAPI struct {
	t    *testing.T
	echo *echo.Echo
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store, err := storage.NewProjectStore(storage.Options{Root: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	e := echo.New()
	New(store, registry.NewMemoryRegistry(registry.Options{}), zap.NewNop()).Register(e)
	return &testAPI{t: t, echo: e}
}

func (a *testAPI) do(method, target, session string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if session != "" {
		req.Header.Set(HeaderSessionID, session)
	}
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) newSession() string {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/v1/sessions", "", nil)
	require.Equal(a.t, http.StatusCreated, rec.Code)
	id := rec.Header().Get(HeaderSessionID)
	require.NotEmpty(a.t, id)
	return id
}

func (a *testAPI) createProject(session, name string) types.Project {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/v1/projects", session, map[string]string{"name": name, "description": "demo"})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		Project types.Project `json:"project"`
	}
	decode(a.t, rec, &resp)
	return resp.Project
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func errorKind(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	decode(t, rec, &resp)
	return resp.Kind
}

func TestCurrentSessionCreatesSession(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodGet, "/api/v1/sessions/current", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	id := rec.Header().Get(HeaderSessionID)
	require.NotEmpty(t, id)

	var resp struct {
		Session sessionSummary `json:"session"`
	}
	decode(t, rec, &resp)
	require.Equal(t, id, resp.Session.ID)
	require.Zero(t, resp.Session.ProjectCount)

	api.createProject(id, "demo")
	rec = api.do(http.MethodGet, "/api/v1/sessions/current", id, nil)
	decode(t, rec, &resp)
	require.Equal(t, 1, resp.Session.ProjectCount)
}

func TestRequestsWithoutSession(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodGet, "/api/v1/projects", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "unauthorized", errorKind(t, rec))

	rec = api.do(http.MethodPost, "/api/v1/projects", "", map[string]string{"name": "x"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProjectLifecycle(t *testing.T) {
	api := newTestAPI(t)
	sid := api.newSession()

	rec := api.do(http.MethodPost, "/api/v1/projects", sid, map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, string(storage.KindInvalid), errorKind(t, rec))

	project := api.createProject(sid, "demo")
	require.Equal(t, sid, project.SessionID)
	require.Equal(t, "demo", project.Name)

	rec = api.do(http.MethodGet, "/api/v1/projects", sid, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Projects []types.Project `json:"projects"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Projects, 1)

	rec = api.do(http.MethodGet, "/api/v1/projects/"+project.ID+"/files", sid, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var files struct {
		Files []types.FileEntry `json:"files"`
	}
	decode(t, rec, &files)
	require.Len(t, files.Files, 3)

	rec = api.do(http.MethodGet, "/api/v1/projects/"+project.ID+"/history", sid, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		History []types.Commit `json:"history"`
	}
	decode(t, rec, &history)
	require.Len(t, history.History, 1)
	require.Equal(t, storage.MessageTemplateInit, history.History[0].Message)

	rec = api.do(http.MethodGet, "/api/v1/projects/"+project.ID+"/history?limit=-1", sid, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodDelete, "/api/v1/projects/"+project.ID, sid, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = api.do(http.MethodGet, "/api/v1/projects/"+project.ID, sid, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, string(storage.KindNotFound), errorKind(t, rec))
}

func TestProjectOwnership(t *testing.T) {
	api := newTestAPI(t)
	owner := api.newSession()
	other := api.newSession()
	project := api.createProject(owner, "mine")

	for _, target := range []string{
		"/api/v1/projects/" + project.ID,
		"/api/v1/projects/" + project.ID + "/files",
		"/api/v1/files/" + project.ID + "/App.js",
		"/api/v1/history/" + project.ID + "/App.js",
	} {
		rec := api.do(http.MethodGet, target, other, nil)
		require.Equal(t, http.StatusForbidden, rec.Code, target)
		require.Equal(t, "forbidden", errorKind(t, rec))
	}
	rec := api.do(http.MethodDelete, "/api/v1/projects/"+project.ID, other, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestFileRoutes(t *testing.T) {
	api := newTestAPI(t)
	sid := api.newSession()
	project := api.createProject(sid, "files")
	base := "/api/v1/files/" + project.ID + "/"

	rec := api.do(http.MethodGet, base+"App.js", sid, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/javascript", rec.Header().Get(echo.HeaderContentType))
	original := rec.Body.String()

	rec = api.do(http.MethodPut, base+"src/styles/app.css", sid, map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code, "content is required")

	rec = api.do(http.MethodPut, base+"App.js", sid, map[string]string{"content": "export default 1\n", "commitMessage": "rewrite"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var put struct {
		Success   bool   `json:"success"`
		Commit    string `json:"commit"`
		Diff      string `json:"diff"`
		Unchanged bool   `json:"unchanged"`
	}
	decode(t, rec, &put)
	require.True(t, put.Success)
	require.NotEmpty(t, put.Commit)
	require.Contains(t, put.Diff, "+export default 1")

	rec = api.do(http.MethodGet, base+"App.js", sid, nil)
	require.Equal(t, "export default 1\n", rec.Body.String())

	rec = api.do(http.MethodPut, base+"src/styles/app.css", sid, map[string]string{"content": "body {}"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = api.do(http.MethodGet, base+"src/styles/app.css", sid, nil)
	require.Equal(t, "text/css", rec.Header().Get(echo.HeaderContentType))

	rec = api.do(http.MethodGet, "/api/v1/history/"+project.ID+"/App.js", sid, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		History []types.Commit `json:"history"`
	}
	decode(t, rec, &history)
	require.Len(t, history.History, 2)
	require.Equal(t, "rewrite", history.History[0].Message)

	rec = api.do(http.MethodGet, base+"App.js?commit="+history.History[1].Hash, sid, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, original, rec.Body.String())

	rec = api.do(http.MethodDelete, base+"App.js", sid, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = api.do(http.MethodGet, base+"App.js", sid, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = api.do(http.MethodDelete, base+"App.js", sid, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(http.MethodPut, base+".history/log.db", sid, map[string]string{"content": "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, string(storage.KindInvalidPath), errorKind(t, rec))
}

func TestFileNamedHistoryIsReadable(t *testing.T) {
	api := newTestAPI(t)
	sid := api.newSession()
	project := api.createProject(sid, "docs")
	base := "/api/v1/files/" + project.ID + "/"

	rec := api.do(http.MethodPut, base+"docs/history", sid, map[string]string{"content": "changelog\n"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(http.MethodGet, base+"docs/history", sid, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "changelog\n", rec.Body.String())
	require.Equal(t, "text/plain", rec.Header().Get(echo.HeaderContentType))

	rec = api.do(http.MethodGet, "/api/v1/history/"+project.ID+"/docs/history", sid, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		History []types.Commit `json:"history"`
	}
	decode(t, rec, &history)
	require.Len(t, history.History, 1)
	require.Equal(t, "Update docs/history", history.History[0].Message)

	rec = api.do(http.MethodGet, "/api/v1/history/"+project.ID+"/App.js?limit=x", sid, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestShareAndRedeem(t *testing.T) {
	api := newTestAPI(t)
	owner := api.newSession()
	source := api.createProject(owner, "shared")
	rec := api.do(http.MethodPut, "/api/v1/files/"+source.ID+"/src/deep/file.js", owner, map[string]string{"content": "deep"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodPost, "/api/v1/sessions/share", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var share struct {
		ShareToken string `json:"shareToken"`
		ShareURL   string `json:"shareUrl"`
	}
	decode(t, rec, &share)
	require.Len(t, share.ShareToken, 64)
	require.Contains(t, share.ShareURL, "/shared/"+share.ShareToken)

	guest := api.newSession()
	rec = api.do(http.MethodGet, "/api/v1/sessions/shared/"+share.ShareToken, guest, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var redeemed struct {
		ImportedProjects []types.Project `json:"importedProjects"`
	}
	decode(t, rec, &redeemed)
	require.Len(t, redeemed.ImportedProjects, 1)
	copied := redeemed.ImportedProjects[0]
	require.Equal(t, "shared (Copy)", copied.Name)
	require.Equal(t, source.ID, copied.ClonedFrom)
	require.Equal(t, guest, copied.SessionID)
	require.NotEqual(t, source.ID, copied.ID)

	rec = api.do(http.MethodGet, "/api/v1/files/"+copied.ID+"/src/deep/file.js", guest, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "deep", rec.Body.String())

	rec = api.do(http.MethodGet, "/api/v1/projects/"+copied.ID+"/history", guest, nil)
	var history struct {
		History []types.Commit `json:"history"`
	}
	decode(t, rec, &history)
	require.Len(t, history.History, 1)
	require.Equal(t, storage.MessageCloneImport, history.History[0].Message)

	rec = api.do(http.MethodGet, "/api/v1/sessions/shared/unknown", guest, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExportImportAndDeleteSession(t *testing.T) {
	api := newTestAPI(t)
	owner := api.newSession()
	project := api.createProject(owner, "exported")

	rec := api.do(http.MethodGet, "/api/v1/sessions/export", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), "attachment")
	var export SessionExport
	decode(t, rec, &export)
	require.Equal(t, owner, export.SessionID)
	require.Len(t, export.Projects, 1)

	rec = api.do(http.MethodPost, "/api/v1/sessions/import", owner, map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Another live session keeps its projects.
	thief := api.newSession()
	rec = api.do(http.MethodPost, "/api/v1/sessions/import", thief, map[string]any{"sessionData": export})
	require.Equal(t, http.StatusOK, rec.Code)
	var imported struct {
		ImportedProjects int `json:"importedProjects"`
	}
	decode(t, rec, &imported)
	require.Zero(t, imported.ImportedProjects)

	rec = api.do(http.MethodPost, "/api/v1/sessions/import", owner, map[string]any{"sessionData": export})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &imported)
	require.Equal(t, 1, imported.ImportedProjects)
	rec = api.do(http.MethodGet, "/api/v1/projects/"+project.ID, owner, nil)
	var got struct {
		Project types.Project `json:"project"`
	}
	decode(t, rec, &got)
	require.NotNil(t, got.Project.ImportedAt)

	rec = api.do(http.MethodDelete, "/api/v1/sessions/current", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var deleted struct {
		DeletedProjects int `json:"deletedProjects"`
	}
	decode(t, rec, &deleted)
	require.Equal(t, 1, deleted.DeletedProjects)

	rec = api.do(http.MethodGet, "/api/v1/projects/"+project.ID, owner, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSwagger(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodGet, "/swagger/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "swagger-ui")

	rec = api.do(http.MethodGet, "/swagger/openapi.yaml", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "openapi:")
}

func TestContentType(t *testing.T) {
	cases := map[string]string{
		"a.js":         "application/javascript",
		"A.JSX":        "application/javascript",
		"data.json":    echo.MIMEApplicationJSON,
		"index.html":   "text/html",
		"site.css":     "text/css",
		"README.md":    "text/plain",
		"no-extension": "text/plain",
	}
	for name, want := range cases {
		require.Equal(t, want, contentType(name), name)
	}
}
