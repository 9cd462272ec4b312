package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/visiontune/visiontune-api/internal/domain"
	"github.com/visiontune/visiontune-api/internal/service/auth"
	"github.com/visiontune/visiontune-api/internal/store"
)

// LoginResult carries what a successful authentication produces.
type LoginResult struct {
	User        *domain.User
	AccessToken string
}

// UserService defines account registration and authentication.
type UserService interface {
	// Register creates a new user account.
	// Returns store.ErrUsernameExists if the username is taken.
	Register(ctx context.Context, username, password string) (*domain.User, error)

	// Login verifies credentials and issues an access token.
	// Returns auth.ErrInvalidCredentials for unknown usernames and wrong
	// passwords alike.
	Login(ctx context.Context, username, password string) (*LoginResult, error)
}

type userServiceImpl struct {
	userStore  store.UserStore
	jwtService auth.JWTService
	verifier   auth.PasswordVerifier
	logger     *slog.Logger
}

var _ UserService = (*userServiceImpl)(nil)

// NewUserService creates a new UserService with its dependencies.
func NewUserService(
	userStore store.UserStore,
	jwtService auth.JWTService,
	verifier auth.PasswordVerifier,
	logger *slog.Logger,
) (UserService, error) {
	if userStore == nil {
		return nil, errors.New("user store cannot be nil")
	}
	if jwtService == nil {
		return nil, errors.New("jwt service cannot be nil")
	}
	if verifier == nil {
		return nil, errors.New("password verifier cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &userServiceImpl{
		userStore:  userStore,
		jwtService: jwtService,
		verifier:   verifier,
		logger:     logger.With("component", "user_service"),
	}, nil
}

func (s *userServiceImpl) Register(
	ctx context.Context,
	username, password string,
) (*domain.User, error) {
	user, err := domain.NewUser(username, password)
	if err != nil {
		return nil, err
	}

	// The store hashes the password before writing.
	if err := s.userStore.Create(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Info("user registered", slog.String("user_id", user.ID.String()))
	return user, nil
}

func (s *userServiceImpl) Login(
	ctx context.Context,
	username, password string,
) (*LoginResult, error) {
	user, err := s.userStore.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			// Same error as a bad password so responses don't reveal
			// which usernames exist.
			return nil, auth.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	if err := s.verifier.Compare(user.HashedPassword, password); err != nil {
		s.logger.Debug("password mismatch", slog.String("user_id", user.ID.String()))
		return nil, auth.ErrInvalidCredentials
	}

	token, err := s.jwtService.GenerateToken(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	s.logger.Info("user logged in", slog.String("user_id", user.ID.String()))
	return &LoginResult{User: user, AccessToken: token}, nil
}
