package service

import (
	"context"

	"branchflow/backend/internal/llm"
)

// ModelService handles the business logic for model discovery.
type ModelService struct {
	dispatch *llm.Dispatch
}

// NewModelService creates a new ModelService.
func NewModelService(dispatch *llm.Dispatch) *ModelService {
	return &ModelService{dispatch: dispatch}
}

// List returns the models of every registered provider, keyed by provider name.
func (s *ModelService) List(ctx context.Context) map[string][]llm.ModelInfo {
	return s.dispatch.ListModels(ctx)
}

// ListProvider returns the models of one provider.
func (s *ModelService) ListProvider(ctx context.Context, provider string) ([]llm.ModelInfo, error) {
	p, err := s.dispatch.Get(provider)
	if err != nil {
		return nil, err
	}
	return p.ListModels(ctx)
}

// Providers lists the registered provider names.
func (s *ModelService) Providers() []string {
	return s.dispatch.Names()
}
