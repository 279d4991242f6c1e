package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/geocoder89/authhub/internal/cache"
	"github.com/geocoder89/authhub/internal/domain/user"
	"github.com/geocoder89/authhub/internal/security"
)

// ErrInvalidCredentials covers both an unknown email and a wrong password,
// so a caller cannot tell the two apart.
var ErrInvalidCredentials = errors.New("invalid email or password")

const usersCacheKey = "users:all"

// Store is the persistence the service needs. Uniqueness of email is
// enforced twice: by the existence check here and by the store's own
// constraint, which is what actually holds under concurrency.
type Store interface {
	Create(ctx context.Context, email, passwordHash, name string) (user.User, error)
	GetByEmail(ctx context.Context, email string) (user.User, error)
	List(ctx context.Context) ([]user.User, error)
}

type Service struct {
	users Store
	cache cache.Cache
	log   *slog.Logger
}

func NewService(users Store, c cache.Cache, log *slog.Logger) *Service {
	if c == nil {
		c = cache.NewMemory(0)
	}

	if log == nil {
		log = slog.Default()
	}

	return &Service{users: users, cache: c, log: log}
}

// Register creates a new account and returns its sanitized projection.
// A taken email fails with user.ErrEmailTaken whether it is caught by the
// existence check or by the store's unique constraint during Create.
func (s *Service) Register(ctx context.Context, email, name, password string) (user.Public, error) {
	_, err := s.users.GetByEmail(ctx, email)

	if err == nil {
		return user.Public{}, user.ErrEmailTaken
	}

	if !errors.Is(err, user.ErrNotFound) {
		return user.Public{}, err
	}

	hash, err := security.HashPassword(password)

	if err != nil {
		return user.Public{}, err
	}

	u, err := s.users.Create(ctx, email, hash, name)

	if err != nil {
		return user.Public{}, err
	}

	s.cache.Delete(ctx, usersCacheKey)

	s.log.InfoContext(ctx, "user registered", "user_id", u.ID)

	return u.Public(), nil
}

// SignIn verifies credentials. Unknown email and wrong password are
// indistinguishable to the caller.
func (s *Service) SignIn(ctx context.Context, email, password string) (user.Public, error) {
	u, err := s.users.GetByEmail(ctx, email)

	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return user.Public{}, ErrInvalidCredentials
		}

		return user.Public{}, err
	}

	if err := security.CheckPassword(u.PasswordHash, password); err != nil {
		return user.Public{}, ErrInvalidCredentials
	}

	return u.Public(), nil
}

// Users returns the sanitized projection of every account, through a short
// TTL cache. Order is whatever the store yields.
func (s *Service) Users(ctx context.Context) ([]user.Public, error) {
	if raw, ok := s.cache.Get(ctx, usersCacheKey); ok {
		var cached []user.Public

		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
		// a corrupt entry falls through to the store
	}

	users, err := s.users.List(ctx)

	if err != nil {
		return nil, err
	}

	out := make([]user.Public, 0, len(users))

	for _, u := range users {
		out = append(out, u.Public())
	}

	if raw, err := json.Marshal(out); err == nil {
		s.cache.Set(ctx, usersCacheKey, raw)
	}

	return out, nil
}
