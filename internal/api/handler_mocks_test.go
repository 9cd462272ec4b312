package api

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/visiontune/visiontune-api/internal/domain"
	"github.com/visiontune/visiontune-api/internal/service"
	"github.com/visiontune/visiontune-api/internal/service/auth"
)

// mockTaskService lets each test stub exactly the calls it exercises.
type mockTaskService struct {
	submitFn        func(ctx context.Context, ownerID uuid.UUID, req service.SubmitRequest) (*domain.Task, error)
	getFn           func(ctx context.Context, ownerID, taskID uuid.UUID) (*service.TaskDetail, error)
	listFn          func(ctx context.Context, ownerID uuid.UUID) ([]*domain.Task, error)
	cancelFn        func(ctx context.Context, ownerID, taskID uuid.UUID) error
	deleteFn        func(ctx context.Context, ownerID, taskID uuid.UUID) error
	logsFn          func(ctx context.Context, ownerID, taskID uuid.UUID, n int) ([]string, error)
	outputArchiveFn func(ctx context.Context, ownerID, taskID uuid.UUID, w io.Writer) error
}

var _ service.TaskService = (*mockTaskService)(nil)

func (m *mockTaskService) Submit(
	ctx context.Context,
	ownerID uuid.UUID,
	req service.SubmitRequest,
) (*domain.Task, error) {
	return m.submitFn(ctx, ownerID, req)
}

func (m *mockTaskService) Get(ctx context.Context, ownerID, taskID uuid.UUID) (*service.TaskDetail, error) {
	return m.getFn(ctx, ownerID, taskID)
}

func (m *mockTaskService) List(ctx context.Context, ownerID uuid.UUID) ([]*domain.Task, error) {
	return m.listFn(ctx, ownerID)
}

func (m *mockTaskService) Cancel(ctx context.Context, ownerID, taskID uuid.UUID) error {
	return m.cancelFn(ctx, ownerID, taskID)
}

func (m *mockTaskService) Delete(ctx context.Context, ownerID, taskID uuid.UUID) error {
	return m.deleteFn(ctx, ownerID, taskID)
}

func (m *mockTaskService) Logs(
	ctx context.Context,
	ownerID, taskID uuid.UUID,
	n int,
) ([]string, error) {
	return m.logsFn(ctx, ownerID, taskID, n)
}

func (m *mockTaskService) OutputArchive(
	ctx context.Context,
	ownerID, taskID uuid.UUID,
	w io.Writer,
) error {
	return m.outputArchiveFn(ctx, ownerID, taskID, w)
}

// mockUserService stubs registration and login.
type mockUserService struct {
	registerFn func(ctx context.Context, username, password string) (*domain.User, error)
	loginFn    func(ctx context.Context, username, password string) (*service.LoginResult, error)
}

var _ service.UserService = (*mockUserService)(nil)

func (m *mockUserService) Register(ctx context.Context, username, password string) (*domain.User, error) {
	return m.registerFn(ctx, username, password)
}

func (m *mockUserService) Login(ctx context.Context, username, password string) (*service.LoginResult, error) {
	return m.loginFn(ctx, username, password)
}

// stubJWTService validates any token as the configured user.
type stubJWTService struct {
	userID uuid.UUID
	err    error
}

var _ auth.JWTService = (*stubJWTService)(nil)

func (s *stubJWTService) GenerateToken(ctx context.Context, userID uuid.UUID) (string, error) {
	return "stub-token", nil
}

func (s *stubJWTService) ValidateToken(ctx context.Context, tokenString string) (*auth.Claims, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &auth.Claims{UserID: s.userID, Subject: s.userID.String()}, nil
}
