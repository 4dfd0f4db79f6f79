package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/onexay/project-vs/internal/storage"
	"github.com/onexay/project-vs/internal/types"
)

// Config defines KeyDB connection settings.
type Config struct {
	Addr     string
	Username string
	Password string
	Database int
}

type keydbRegistry struct {
	client   *redis.Client
	clock    func() time.Time
	shareTTL time.Duration
}

// NewKeyDBRegistry initializes a Registry backed by KeyDB. ctx bounds the
// initial ping.
func NewKeyDBRegistry(ctx context.Context, cfg Config, opts Options) (Registry, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.Database,
	})
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to keydb: %w", err)
	}

	return &keydbRegistry{
		client:   client,
		clock:    time.Now,
		shareTTL: opts.shareTTL(),
	}, nil
}

func (s *keydbRegistry) SaveProject(ctx context.Context, p types.Project) (types.Project, error) {
	if p.ID == "" {
		return types.Project{}, &storage.ValidationError{Message: "project id is required"}
	}
	now := s.clock().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	key := projectKey(p.ID)

	return p, s.retry(ctx, func(tx *redis.Tx) error {
		previous, err := getProject(ctx, tx, p.ID)
		var notFound *storage.NotFoundError
		if err != nil && !errors.As(err, &notFound) {
			return err
		}

		payload, err := json.Marshal(p)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if previous.SessionID != "" && previous.SessionID != p.SessionID {
				pipe.SRem(ctx, ownerKey(previous.SessionID), p.ID)
			}
			pipe.Set(ctx, key, payload, 0)
			if p.SessionID != "" {
				pipe.SAdd(ctx, ownerKey(p.SessionID), p.ID)
			}
			return nil
		})
		return err
	}, key)
}

func (s *keydbRegistry) GetProject(ctx context.Context, id string) (types.Project, error) {
	return getProject(ctx, s.client, id)
}

func (s *keydbRegistry) UpdateProject(ctx context.Context, p types.Project) (types.Project, error) {
	key := projectKey(p.ID)
	var merged types.Project
	err := s.retry(ctx, func(tx *redis.Tx) error {
		existing, err := getProject(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		merged = mergeProject(existing, p, s.clock().UTC())
		payload, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return types.Project{}, err
	}
	return merged, nil
}

func (s *keydbRegistry) DeleteProject(ctx context.Context, id string) (bool, error) {
	key := projectKey(id)
	existed := false
	err := s.retry(ctx, func(tx *redis.Tx) error {
		existing, err := getProject(ctx, tx, id)
		var notFound *storage.NotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		if err != nil {
			return err
		}
		existed = true
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if existing.SessionID != "" {
				pipe.SRem(ctx, ownerKey(existing.SessionID), id)
			}
			return nil
		})
		return err
	}, key)
	return existed, err
}

func (s *keydbRegistry) ProjectsForSession(ctx context.Context, sessionID string) ([]types.Project, error) {
	ids, err := s.client.SMembers(ctx, ownerKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	result := make([]types.Project, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetProject(ctx, id)
		var notFound *storage.NotFoundError
		if errors.As(err, &notFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if p.SessionID == sessionID {
			result = append(result, p)
		}
	}
	sortProjects(result)
	return result, nil
}

func (s *keydbRegistry) EnsureSession(ctx context.Context, id string) (types.Session, bool, error) {
	if id == "" {
		return types.Session{}, false, &storage.ValidationError{Message: "session id is required"}
	}
	now := s.clock().UTC()
	sess := types.Session{ID: id, CreatedAt: now, UpdatedAt: now}
	payload, err := json.Marshal(sess)
	if err != nil {
		return types.Session{}, false, err
	}
	created, err := s.client.SetNX(ctx, sessionKey(id), payload, 0).Result()
	if err != nil {
		return types.Session{}, false, err
	}
	if !created {
		sess, err = s.GetSession(ctx, id)
		return sess, false, err
	}
	sess.Projects = []string{}
	return sess, true, nil
}

func (s *keydbRegistry) GetSession(ctx context.Context, id string) (types.Session, error) {
	bytes, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.Session{}, &storage.NotFoundError{Resource: "session", Key: id}
		}
		return types.Session{}, err
	}
	var sess types.Session
	if err := json.Unmarshal(bytes, &sess); err != nil {
		return types.Session{}, err
	}
	projects, err := s.ProjectsForSession(ctx, id)
	if err != nil {
		return types.Session{}, err
	}
	sess.Projects = projectIDs(projects)
	return sess, nil
}

func (s *keydbRegistry) DeleteSession(ctx context.Context, id string) (bool, error) {
	tokens, err := s.client.SMembers(ctx, sessionTokensKey(id)).Result()
	if err != nil {
		return false, err
	}
	pipe := s.client.TxPipeline()
	deleted := pipe.Del(ctx, sessionKey(id))
	for _, token := range tokens {
		pipe.Del(ctx, shareKey(token))
	}
	pipe.Del(ctx, sessionTokensKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return deleted.Val() == 1, nil
}

func (s *keydbRegistry) CreateShareToken(ctx context.Context, sessionID string) (types.ShareToken, error) {
	if sessionID == "" {
		return types.ShareToken{}, &storage.ValidationError{Message: "session id is required"}
	}
	token, err := newToken()
	if err != nil {
		return types.ShareToken{}, err
	}
	now := s.clock().UTC()
	t := types.ShareToken{
		Token:     token,
		SessionID: sessionID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.shareTTL),
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return types.ShareToken{}, err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, shareKey(token), payload, s.shareTTL)
	pipe.SAdd(ctx, sessionTokensKey(sessionID), token)
	if _, err := pipe.Exec(ctx); err != nil {
		return types.ShareToken{}, err
	}
	return t, nil
}

func (s *keydbRegistry) ResolveShareToken(ctx context.Context, token string) (types.ShareToken, error) {
	bytes, err := s.client.Get(ctx, shareKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.ShareToken{}, &storage.NotFoundError{Resource: "share token", Key: token}
		}
		return types.ShareToken{}, err
	}
	var t types.ShareToken
	if err := json.Unmarshal(bytes, &t); err != nil {
		return types.ShareToken{}, err
	}
	if t.Expired(s.clock()) {
		_, _ = s.DeleteShareToken(ctx, token)
		return types.ShareToken{}, &storage.NotFoundError{Resource: "share token", Key: token}
	}
	return t, nil
}

func (s *keydbRegistry) DeleteShareToken(ctx context.Context, token string) (bool, error) {
	bytes, err := s.client.Get(ctx, shareKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var t types.ShareToken
	if err := json.Unmarshal(bytes, &t); err != nil {
		return false, err
	}
	pipe := s.client.TxPipeline()
	deleted := pipe.Del(ctx, shareKey(token))
	pipe.SRem(ctx, sessionTokensKey(t.SessionID), token)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return deleted.Val() == 1, nil
}

func (s *keydbRegistry) Close() error {
	return s.client.Close()
}

// retry runs fn under WATCH on keys until it commits without interference.
func (s *keydbRegistry) retry(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getProject(ctx context.Context, c getter, id string) (types.Project, error) {
	bytes, err := c.Get(ctx, projectKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.Project{}, &storage.NotFoundError{Resource: storage.ResourceProject, Key: id}
		}
		return types.Project{}, err
	}
	var p types.Project
	if err := json.Unmarshal(bytes, &p); err != nil {
		return types.Project{}, err
	}
	return p, nil
}

func projectKey(id string) string {
	return fmt.Sprintf("project:%s", id)
}

func ownerKey(sessionID string) string {
	return fmt.Sprintf("sessionprojects:%s", sessionID)
}

func sessionKey(id string) string {
	return fmt.Sprintf("session:%s", id)
}

func sessionTokensKey(id string) string {
	return fmt.Sprintf("sessiontokens:%s", id)
}

func shareKey(token string) string {
	return fmt.Sprintf("share:%s", token)
}
