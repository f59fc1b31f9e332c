package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"maiachat/backend/internal/config"
	"maiachat/backend/internal/engine"
	"maiachat/backend/internal/logging"
	"maiachat/backend/internal/repository"
	"maiachat/backend/internal/steps"
	"maiachat/backend/pkg/models"
)

// seedFile is the layout of the workflows file.
type seedFile struct {
	Tenant struct {
		Name   string `yaml:"name"`
		Domain string `yaml:"domain"`
	} `yaml:"tenant"`
	Owner     string         `yaml:"owner"`
	Workflows []seedWorkflow `yaml:"workflows"`
}

type seedWorkflow struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Status      string                 `yaml:"status"`
	InputSchema map[string]interface{} `yaml:"input_schema"`
	Steps       []models.StepSpec      `yaml:"steps"`
}

func main() {
	var configFile, workflowsFile string

	cmd := &cobra.Command{
		Use:           "seed",
		Short:         "Load workflow definitions into the configured store",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

			file, err := loadSeedFile(workflowsFile)
			if err != nil {
				return err
			}

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			registry, err := engine.NewRegistry()
			if err != nil {
				return err
			}
			if err := steps.RegisterBuiltins(registry, steps.Options{AgentURL: cfg.Agent.URL}); err != nil {
				return err
			}
			validator := engine.New(store, registry, engine.WithMaxSteps(cfg.Engine.MaxSteps))

			return seed(cmd.Context(), store, validator, file, logger)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "config file")
	cmd.Flags().StringVarP(&workflowsFile, "file", "f", "cmd/seed/workflows.yaml", "workflow definitions to load")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "seed:", err)
		os.Exit(1)
	}
}

func loadSeedFile(path string) (*seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if file.Tenant.Domain == "" {
		file.Tenant.Domain = "localhost"
	}
	if file.Tenant.Name == "" {
		file.Tenant.Name = file.Tenant.Domain
	}
	if file.Owner == "" {
		return nil, fmt.Errorf("%s: owner is required", path)
	}
	return &file, nil
}

type seedStore interface {
	repository.WorkflowStore
	repository.TenantStore
}

type workflowValidator interface {
	ValidateWorkflow(wf *models.Workflow) error
}

// seed creates the tenant if needed and every workflow whose name is not
// taken yet. Definitions that fail validation are logged and skipped.
func seed(ctx context.Context, store seedStore, validator workflowValidator, file *seedFile, logger *logging.Logger) error {
	tenant, err := store.GetTenantByDomain(ctx, file.Tenant.Domain)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		logger.Info("Creating tenant", "domain", file.Tenant.Domain)
		tenant = &models.Tenant{Name: file.Tenant.Name, Domain: file.Tenant.Domain}
		if err := store.CreateTenant(ctx, tenant); err != nil {
			return fmt.Errorf("creating tenant: %w", err)
		}
	case err != nil:
		return fmt.Errorf("looking up tenant: %w", err)
	default:
		logger.Info("Found existing tenant", "id", tenant.ID)
	}

	existing, err := store.ListWorkflows(ctx, tenant.ID)
	if err != nil {
		return fmt.Errorf("listing workflows: %w", err)
	}
	taken := make(map[string]bool, len(existing))
	for _, w := range existing {
		taken[w.Name] = true
	}

	for _, w := range file.Workflows {
		if taken[w.Name] {
			logger.Info("Skipping existing workflow", "name", w.Name)
			continue
		}
		status := w.Status
		if status == "" {
			status = models.WorkflowStatusActive
		}
		wf := &models.Workflow{
			TenantID:    tenant.ID,
			OwnerID:     file.Owner,
			Name:        w.Name,
			Description: w.Description,
			Status:      status,
			InputSchema: w.InputSchema,
			Steps:       w.Steps,
			CreatedBy:   "seed",
		}
		if err := validator.ValidateWorkflow(wf); err != nil {
			logger.Warn("Skipping invalid workflow", "name", w.Name, "error", err)
			continue
		}
		if err := store.CreateWorkflow(ctx, wf); err != nil {
			return fmt.Errorf("creating workflow %s: %w", w.Name, err)
		}
		taken[w.Name] = true
		logger.Info("Seeded workflow", "name", w.Name, "id", wf.WorkflowID)
	}
	logger.Info("Seeding complete")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Repository, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN())
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		if err := repository.MigratePostgres(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return repository.NewPostgresStore(pool), nil
	case config.StoreDriverSQLite:
		return repository.NewSQLiteStore(ctx, cfg.Store.SQLitePath)
	default:
		return nil, fmt.Errorf("store driver %q cannot be seeded", cfg.Store.Driver)
	}
}
