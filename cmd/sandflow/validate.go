package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dukex/sandflow/pkg/executor"
	"github.com/dukex/sandflow/pkg/graph"
	"github.com/dukex/sandflow/pkg/log"
	"github.com/dukex/sandflow/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

var ErrInvalidDefinitions = errors.New("invalid definitions")

// Definitions is a YAML document declaring agents and the workflows that use them.
type Definitions struct {
	Agents    []*models.Agent    `yaml:"agents"`
	Workflows []*models.Workflow `yaml:"workflows"`
}

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:    "validate",
		Aliases: []string{"v"},
		Usage:   "Validate agent and workflow definitions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "YAML file with agents and workflows",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "warn",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), "text")

			logger := log.WithModule("validate")

			definitions, err := loadDefinitions(command.String("file"))
			if err != nil {
				return err
			}

			logger.DebugContext(ctx, "Definitions loaded",
				"agents", len(definitions.Agents), "workflows", len(definitions.Workflows))

			return validateDefinitions(command.Root().Writer, definitions)
		},
	}
}

func loadDefinitions(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var definitions Definitions
	if err := yaml.Unmarshal(data, &definitions); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return &definitions, nil
}

// validateDefinitions reports every problem to out and fails when any was found.
// Declared agents count as active.
func validateDefinitions(out io.Writer, definitions *Definitions) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	agents := make(map[string]*models.Agent, len(definitions.Agents))

	var problems []string

	for i, agent := range definitions.Agents {
		if agent == nil || agent.ID == "" {
			problems = append(problems, fmt.Sprintf("agent #%d: id is required", i+1))

			continue
		}

		agent.Active = true

		if err := validate.Struct(agent); err != nil {
			problems = append(problems, fmt.Sprintf("agent %s: %v", agent.ID, err))
		}

		for action, schema := range agent.InputSchemas {
			if err := executor.CheckSchema(schema); err != nil {
				problems = append(problems, fmt.Sprintf("agent %s action %s: %v", agent.ID, action, err))
			}
		}

		agents[agent.ID] = agent
	}

	for i, workflow := range definitions.Workflows {
		name := fmt.Sprintf("#%d", i+1)
		if workflow != nil && workflow.Name != "" {
			name = workflow.Name
		}

		if workflow != nil && workflow.Status == "" {
			workflow.Status = models.WorkflowStatusActive
		}

		if err := graph.Validate(workflow, agents); err != nil {
			problems = append(problems, fmt.Sprintf("workflow %s: %v", name, err))

			continue
		}

		order, _ := graph.TopologicalOrder(workflow.Nodes)
		fmt.Fprintf(out, "workflow %s: ok (%s)\n", name, strings.Join(order, " -> "))
	}

	if len(problems) > 0 {
		for _, problem := range problems {
			fmt.Fprintln(out, problem)
		}

		return fmt.Errorf("%w: %d problem(s)", ErrInvalidDefinitions, len(problems))
	}

	return nil
}
