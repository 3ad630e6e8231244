package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	app_errors "branchflow/backend/internal/errors"
	"branchflow/backend/internal/llm"
	"branchflow/backend/internal/model"
	"branchflow/backend/internal/repository"
)

// OptionSetService manages the per-(provider, model) generation options.
type OptionSetService struct {
	repo     repository.Repository
	dispatch *llm.Dispatch
}

func NewOptionSetService(repo repository.Repository, dispatch *llm.Dispatch) *OptionSetService {
	return &OptionSetService{repo: repo, dispatch: dispatch}
}

// Seed stores the option sets declared in the providers file. Sets that
// already exist in the store are kept, so edits made at runtime survive a
// restart.
func (s *OptionSetService) Seed(ctx context.Context, sets []model.OptionSet) error {
	for i := range sets {
		set := sets[i]
		_, err := s.repo.GetOptionSet(ctx, set.Provider, set.Model)
		if err == nil {
			slog.Debug("Option set already stored", "provider", set.Provider, "model", set.Model)
			continue
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return app_errors.Persistence("load option set", err)
		}
		if err := s.repo.SaveOptionSet(ctx, &set); err != nil {
			return app_errors.Persistence("seed option set", err)
		}
		slog.Info("Seeded option set", "provider", set.Provider, "model", set.Model, "name", set.Name)
	}
	return nil
}

func (s *OptionSetService) List(ctx context.Context) ([]*model.OptionSet, error) {
	sets, err := s.repo.ListOptionSets(ctx)
	if err != nil {
		return nil, app_errors.Persistence("list option sets", err)
	}
	return sets, nil
}

func (s *OptionSetService) Get(ctx context.Context, provider, modelName string) (*model.OptionSet, error) {
	set, err := s.repo.GetOptionSet(ctx, provider, modelName)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: option set for %s/%s", app_errors.ErrNotFound, provider, modelName)
	}
	if err != nil {
		return nil, app_errors.Persistence("get option set", err)
	}
	return set, nil
}

// Save validates the provider and model before storing the set. When the
// provider cannot list its models the set is saved without the model check.
func (s *OptionSetService) Save(ctx context.Context, set *model.OptionSet) error {
	p, err := s.dispatch.Get(set.Provider)
	if err != nil {
		return err
	}

	models, err := p.ListModels(ctx)
	if err != nil {
		slog.Warn("Could not list models for validation, saving option set without check", "provider", set.Provider, "error", err)
	} else {
		names := make([]string, len(models))
		for i, m := range models {
			names[i] = m.Name
		}
		if !slices.Contains(names, set.Model) {
			return fmt.Errorf("%w: model '%s' not found on provider '%s'", app_errors.ErrValidation, set.Model, set.Provider)
		}
	}

	if set.MaxTokens.Activated && set.MaxTokens.Value <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive", app_errors.ErrValidation)
	}
	if set.Temperature.Activated && (set.Temperature.Value < 0 || set.Temperature.Value > 2) {
		return fmt.Errorf("%w: temperature must be between 0 and 2", app_errors.ErrValidation)
	}
	if set.TopP.Activated && (set.TopP.Value < 0 || set.TopP.Value > 1) {
		return fmt.Errorf("%w: top_p must be between 0 and 1", app_errors.ErrValidation)
	}

	if err := s.repo.SaveOptionSet(ctx, set); err != nil {
		return app_errors.Persistence("save option set", err)
	}
	return nil
}
