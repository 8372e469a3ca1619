package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"

	"github.com/pradumkr/StepLite/internal/domain"
	"github.com/pradumkr/StepLite/internal/ports"
)

// WorkflowService is the thin definition registry: register versions
// (normalizing YAML to JSON before storage) and list what is registered.
type WorkflowService struct {
	store  ports.Store
	clock  domain.Clock
	logger *slog.Logger
}

func NewWorkflowService(store ports.Store, clock domain.Clock, logger *slog.Logger) *WorkflowService {
	return &WorkflowService{store: store, clock: clock, logger: logger}
}

// RegisterWorkflow stores a new workflow version. The payload may be JSON
// or YAML; YAML is converted to JSON before storage so definition_json is
// always the parsed source of truth.
func (s *WorkflowService) RegisterWorkflow(ctx context.Context, payload []byte, contentType string) (*WorkflowVersionView, error) {
	definitionJSON, err := normalizeDefinition(payload, contentType)
	if err != nil {
		return nil, err
	}

	def, err := domain.ParseDefinition(definitionJSON)
	if err != nil {
		return nil, err
	}
	if def.Name == "" {
		return nil, domain.NewDefinitionError("definition has no name")
	}
	if def.Version == "" {
		return nil, domain.NewDefinitionError("definition has no version")
	}

	var view *WorkflowVersionView
	err = s.store.WithinTx(ctx, func(tx ports.Tx) error {
		now := s.clock.Now()

		workflow, err := tx.GetWorkflowByName(ctx, def.Name)
		if err != nil {
			return err
		}
		if workflow == nil {
			workflow = &domain.Workflow{
				ID:        uuid.New(),
				Name:      def.Name,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.CreateWorkflow(ctx, workflow); err != nil {
				return err
			}
		}

		existing, err := tx.GetWorkflowVersion(ctx, workflow.ID, def.Version)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: %s %s", domain.ErrVersionExists, def.Name, def.Version)
		}

		version := &domain.WorkflowVersion{
			ID:             uuid.New(),
			WorkflowID:     workflow.ID,
			Version:        def.Version,
			DefinitionJSON: definitionJSON,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.CreateWorkflowVersion(ctx, version); err != nil {
			return err
		}

		view = &WorkflowVersionView{
			ID:        version.ID,
			Version:   version.Version,
			IsActive:  version.IsActive,
			CreatedAt: version.CreatedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("registered workflow version", "workflow", def.Name, "version", def.Version)
	return view, nil
}

func (s *WorkflowService) ListWorkflows(ctx context.Context) ([]*WorkflowView, error) {
	var views []*WorkflowView
	err := s.store.WithinTx(ctx, func(tx ports.Tx) error {
		workflows, err := tx.ListWorkflows(ctx)
		if err != nil {
			return err
		}
		for _, w := range workflows {
			versions, err := tx.ListWorkflowVersions(ctx, w.ID)
			if err != nil {
				return err
			}
			view := &WorkflowView{
				ID:          w.ID,
				Name:        w.Name,
				Description: w.Description,
				CreatedAt:   w.CreatedAt,
				UpdatedAt:   w.UpdatedAt,
			}
			for _, v := range versions {
				view.Versions = append(view.Versions, WorkflowVersionView{
					ID:        v.ID,
					Version:   v.Version,
					IsActive:  v.IsActive,
					CreatedAt: v.CreatedAt,
				})
			}
			views = append(views, view)
		}
		return nil
	})
	return views, err
}

func (s *WorkflowService) GetWorkflow(ctx context.Context, name string) (*WorkflowView, error) {
	var view *WorkflowView
	err := s.store.WithinTx(ctx, func(tx ports.Tx) error {
		workflow, err := tx.GetWorkflowByName(ctx, name)
		if err != nil {
			return err
		}
		if workflow == nil {
			return fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, name)
		}
		versions, err := tx.ListWorkflowVersions(ctx, workflow.ID)
		if err != nil {
			return err
		}
		view = &WorkflowView{
			ID:          workflow.ID,
			Name:        workflow.Name,
			Description: workflow.Description,
			CreatedAt:   workflow.CreatedAt,
			UpdatedAt:   workflow.UpdatedAt,
		}
		for _, v := range versions {
			view.Versions = append(view.Versions, WorkflowVersionView{
				ID:        v.ID,
				Version:   v.Version,
				IsActive:  v.IsActive,
				CreatedAt: v.CreatedAt,
			})
		}
		return nil
	})
	return view, err
}

func normalizeDefinition(payload []byte, contentType string) ([]byte, error) {
	if strings.Contains(contentType, "yaml") || !json.Valid(payload) {
		converted, err := yaml.YAMLToJSON(payload)
		if err != nil {
			return nil, domain.NewDefinitionError("cannot convert YAML definition: %v", err)
		}
		return converted, nil
	}
	return payload, nil
}
