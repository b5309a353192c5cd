package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/revue/ent"
	"github.com/codeready-toolchain/revue/ent/repository"
	"github.com/codeready-toolchain/revue/ent/servicehook"
	"github.com/codeready-toolchain/revue/pkg/platform"
)

// HookRegistrar is the platform surface the repository service needs for
// webhook subscription lifecycle.
type HookRegistrar interface {
	RegisterHook(ctx context.Context, projectID, repositoryID, callbackURL string) ([]platform.Hook, error)
	UnregisterHook(ctx context.Context, hookID string) error
}

// RepositoryService manages monitored repository registrations.
type RepositoryService struct {
	client *ent.Client
	hooks  HookRegistrar
	logger *slog.Logger
}

// NewRepositoryService creates the service.
func NewRepositoryService(client *ent.Client, hooks HookRegistrar) *RepositoryService {
	return &RepositoryService{client: client, hooks: hooks, logger: slog.Default()}
}

// RegisterInput describes a repository to monitor.
type RegisterInput struct {
	RepositoryID string
	Organization string
	Project      string
	ProjectID    string
	Name         string
	URL          string
	// CallbackURL is this service's webhook endpoint, registered with the
	// platform.
	CallbackURL string
}

// Register persists the repository and subscribes the platform webhooks.
// The registration is all-or-nothing: hook subscriptions are rolled back
// when the database write fails, and vice versa.
func (s *RepositoryService) Register(ctx context.Context, input RegisterInput) (*ent.Repository, error) {
	exists, err := s.client.Repository.Query().
		Where(repository.Or(
			repository.IDEQ(input.RepositoryID),
			repository.URLEQ(input.URL),
			repository.And(
				repository.OrganizationEQ(input.Organization),
				repository.ProjectEQ(input.Project),
				repository.NameEQ(input.Name),
			),
		)).
		Exist(ctx)
	if err != nil {
		return nil, fmt.Errorf("check existing registration: %w", err)
	}
	if exists {
		return nil, ErrAlreadyRegistered
	}

	hooks, err := s.hooks.RegisterHook(ctx, input.ProjectID, input.RepositoryID, input.CallbackURL)
	if err != nil {
		return nil, fmt.Errorf("register platform hooks: %w", err)
	}

	tx, err := s.client.Tx(ctx)
	if err != nil {
		s.rollbackHooks(ctx, hooks)
		return nil, fmt.Errorf("start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	repo, err := tx.Repository.Create().
		SetID(input.RepositoryID).
		SetOrganization(input.Organization).
		SetProject(input.Project).
		SetName(input.Name).
		SetURL(input.URL).
		Save(ctx)
	if err != nil {
		s.rollbackHooks(ctx, hooks)
		if ent.IsConstraintError(err) {
			return nil, ErrAlreadyRegistered
		}
		return nil, fmt.Errorf("create repository: %w", err)
	}

	for _, hook := range hooks {
		if _, err := tx.ServiceHook.Create().
			SetID(uuid.NewString()).
			SetRepositoryID(repo.ID).
			SetHookID(hook.ID).
			SetEventType(hook.EventType).
			Save(ctx); err != nil {
			s.rollbackHooks(ctx, hooks)
			return nil, fmt.Errorf("create service hook record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.rollbackHooks(ctx, hooks)
		return nil, fmt.Errorf("commit registration: %w", err)
	}

	s.logger.Info("Repository registered",
		"repository_id", repo.ID,
		"organization", repo.Organization,
		"project", repo.Project,
		"name", repo.Name,
		"hooks", len(hooks))
	return repo, nil
}

// rollbackHooks best-effort unsubscribes hooks created during a failed
// registration.
func (s *RepositoryService) rollbackHooks(ctx context.Context, hooks []platform.Hook) {
	for _, hook := range hooks {
		if err := s.hooks.UnregisterHook(ctx, hook.ID); err != nil {
			s.logger.Warn("Failed to roll back platform hook", "hook_id", hook.ID, "error", err)
		}
	}
}

// Unregister removes the registration. Platform hook removal is best
// effort: a hook the platform already dropped must not block cleanup.
func (s *RepositoryService) Unregister(ctx context.Context, repositoryID string) error {
	hooks, err := s.client.ServiceHook.Query().
		Where(servicehook.RepositoryIDEQ(repositoryID)).
		All(ctx)
	if err != nil {
		return fmt.Errorf("list service hooks: %w", err)
	}

	for _, hook := range hooks {
		if err := s.hooks.UnregisterHook(ctx, hook.HookID); err != nil {
			s.logger.Warn("Failed to unregister platform hook",
				"repository_id", repositoryID, "hook_id", hook.HookID, "error", err)
		}
	}

	// Cascade removes service hook rows and execution records.
	err = s.client.Repository.DeleteOneID(repositoryID).Exec(ctx)
	if ent.IsNotFound(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete repository: %w", err)
	}

	s.logger.Info("Repository unregistered", "repository_id", repositoryID)
	return nil
}

// Get returns one registration by platform repository id.
func (s *RepositoryService) Get(ctx context.Context, repositoryID string) (*ent.Repository, error) {
	repo, err := s.client.Repository.Get(ctx, repositoryID)
	if ent.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get repository: %w", err)
	}
	return repo, nil
}

// IsMonitored reports whether events for the repository should be accepted.
func (s *RepositoryService) IsMonitored(ctx context.Context, repositoryID string) (bool, error) {
	exists, err := s.client.Repository.Query().
		Where(repository.IDEQ(repositoryID)).
		Exist(ctx)
	if err != nil {
		return false, fmt.Errorf("check repository registration: %w", err)
	}
	return exists, nil
}

// List returns all registrations, newest first.
func (s *RepositoryService) List(ctx context.Context) ([]*ent.Repository, error) {
	repos, err := s.client.Repository.Query().
		Order(ent.Desc(repository.FieldCreatedAt)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	return repos, nil
}
