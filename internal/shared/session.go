package shared

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SessionManager issues bearer sessions backed by Redis.
type SessionManager struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Session is the payload stored for a bearer token.
type Session struct {
	ID        string    `json:"-"`
	UserID    int64     `json:"user_id"`
	SuperUser bool      `json:"super_user"`
	CreatedAt time.Time `json:"created_at"`
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(client *redis.Client, prefix string, ttl time.Duration) *SessionManager {
	if prefix == "" {
		prefix = "odyssey_session"
	}
	return &SessionManager{client: client, prefix: prefix, ttl: ttl}
}

// Create stores a new session for the user and returns it.
func (sm *SessionManager) Create(ctx context.Context, userID int64, superUser bool) (Session, error) {
	if sm == nil || sm.client == nil {
		return Session{}, errors.New("session manager not initialised")
	}
	sess := Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		SuperUser: superUser,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return Session{}, err
	}
	if err := sm.client.Set(ctx, sm.redisKey(sess.ID), data, sm.ttl).Err(); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Lookup loads the session for a token.
func (sm *SessionManager) Lookup(ctx context.Context, token string) (Session, error) {
	if sm == nil || sm.client == nil {
		return Session{}, errors.New("session manager not initialised")
	}
	if _, err := uuid.Parse(token); err != nil {
		return Session{}, ErrUnauthorized
	}
	payload, err := sm.client.Get(ctx, sm.redisKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, ErrUnauthorized
		}
		return Session{}, err
	}
	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return Session{}, err
	}
	sess.ID = token
	return sess, nil
}

// Destroy removes the session.
func (sm *SessionManager) Destroy(ctx context.Context, token string) error {
	if sm == nil || sm.client == nil {
		return nil
	}
	if err := sm.client.Del(ctx, sm.redisKey(token)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// TTL exposes the configured session lifetime.
func (sm *SessionManager) TTL() time.Duration {
	return sm.ttl
}

// Middleware resolves the bearer token into an Actor. Requests without a
// token pass through anonymously; handlers decide whether that is allowed.
func (sm *SessionManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		sess, err := sm.Lookup(r.Context(), token)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		ctx := ContextWithActor(r.Context(), Actor{UserID: sess.UserID, SessionID: sess.ID, SuperUser: sess.SuperUser})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func (sm *SessionManager) redisKey(id string) string {
	return sm.prefix + ":" + id
}
