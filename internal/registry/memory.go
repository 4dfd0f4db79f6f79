package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/onexay/project-vs/internal/storage"
	"github.com/onexay/project-vs/internal/types"
)

// memoryRegistry provides an in-memory registry for development and testing.
type memoryRegistry struct {
	mu       sync.RWMutex
	clock    func() time.Time
	shareTTL time.Duration
	projects map[string]types.Project
	sessions map[string]types.Session
	tokens   map[string]types.ShareToken
}

// NewMemoryRegistry initializes an empty in-memory registry.
func NewMemoryRegistry(opts Options) Registry {
	return &memoryRegistry{
		clock:    time.Now,
		shareTTL: opts.shareTTL(),
		projects: make(map[string]types.Project),
		sessions: make(map[string]types.Session),
		tokens:   make(map[string]types.ShareToken),
	}
}

func (m *memoryRegistry) SaveProject(ctx context.Context, p types.Project) (types.Project, error) {
	if p.ID == "" {
		return types.Project{}, &storage.ValidationError{Message: "project id is required"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	m.projects[p.ID] = p
	return p, nil
}

func (m *memoryRegistry) GetProject(ctx context.Context, id string) (types.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return types.Project{}, &storage.NotFoundError{Resource: storage.ResourceProject, Key: id}
	}
	return p, nil
}

func (m *memoryRegistry) UpdateProject(ctx context.Context, p types.Project) (types.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.projects[p.ID]
	if !ok {
		return types.Project{}, &storage.NotFoundError{Resource: storage.ResourceProject, Key: p.ID}
	}
	merged := mergeProject(existing, p, m.clock().UTC())
	m.projects[p.ID] = merged
	return merged, nil
}

func (m *memoryRegistry) DeleteProject(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; !ok {
		return false, nil
	}
	delete(m.projects, id)
	return true, nil
}

func (m *memoryRegistry) ProjectsForSession(ctx context.Context, sessionID string) ([]types.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.projectsForSessionLocked(sessionID), nil
}

func (m *memoryRegistry) projectsForSessionLocked(sessionID string) []types.Project {
	result := make([]types.Project, 0)
	for _, p := range m.projects {
		if p.SessionID == sessionID {
			result = append(result, p)
		}
	}
	sortProjects(result)
	return result
}

func (m *memoryRegistry) EnsureSession(ctx context.Context, id string) (types.Session, bool, error) {
	if id == "" {
		return types.Session{}, false, &storage.ValidationError{Message: "session id is required"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	created := false
	if !ok {
		now := m.clock().UTC()
		sess = types.Session{ID: id, CreatedAt: now, UpdatedAt: now}
		m.sessions[id] = sess
		created = true
	}
	sess.Projects = projectIDs(m.projectsForSessionLocked(id))
	return sess, created, nil
}

func (m *memoryRegistry) GetSession(ctx context.Context, id string) (types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return types.Session{}, &storage.NotFoundError{Resource: "session", Key: id}
	}
	sess.Projects = projectIDs(m.projectsForSessionLocked(id))
	return sess, nil
}

func (m *memoryRegistry) DeleteSession(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false, nil
	}
	delete(m.sessions, id)
	for token, t := range m.tokens {
		if t.SessionID == id {
			delete(m.tokens, token)
		}
	}
	return true, nil
}

func (m *memoryRegistry) CreateShareToken(ctx context.Context, sessionID string) (types.ShareToken, error) {
	if sessionID == "" {
		return types.ShareToken{}, &storage.ValidationError{Message: "session id is required"}
	}
	token, err := newToken()
	if err != nil {
		return types.ShareToken{}, err
	}
	now := m.clock().UTC()
	t := types.ShareToken{
		Token:     token,
		SessionID: sessionID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.shareTTL),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = t
	return t, nil
}

func (m *memoryRegistry) ResolveShareToken(ctx context.Context, token string) (types.ShareToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok {
		return types.ShareToken{}, &storage.NotFoundError{Resource: "share token", Key: token}
	}
	if t.Expired(m.clock()) {
		delete(m.tokens, token)
		return types.ShareToken{}, &storage.NotFoundError{Resource: "share token", Key: token}
	}
	return t, nil
}

func (m *memoryRegistry) DeleteShareToken(ctx context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[token]; !ok {
		return false, nil
	}
	delete(m.tokens, token)
	return true, nil
}

func (m *memoryRegistry) Close() error { return nil }

func sortProjects(projects []types.Project) {
	sort.SliceStable(projects, func(i, j int) bool {
		if !projects[i].CreatedAt.Equal(projects[j].CreatedAt) {
			return projects[i].CreatedAt.Before(projects[j].CreatedAt)
		}
		return projects[i].ID < projects[j].ID
	})
}

func projectIDs(projects []types.Project) []string {
	ids := make([]string, 0, len(projects))
	for _, p := range projects {
		ids = append(ids, p.ID)
	}
	return ids
}
