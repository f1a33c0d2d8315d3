package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/nodeflow/internal/diagram"
	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/pkg/schema"
)

func newValidateCmd() *cobra.Command {
	var (
		file   string
		format string
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a workflow file and print its stage plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			def, err := loadDefinition(file)
			if err != nil {
				return err
			}
			return validateDefinition(cmd.OutOrStdout(), def, format)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "workflow definition (YAML or JSON)")
	cmd.Flags().StringVar(&format, "format", "ascii", "diagram format: ascii, mermaid or none")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// loadDefinition reads a workflow definition. Files ending in .json are
// decoded as JSON; anything else as YAML.
func loadDefinition(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}

	if !strings.EqualFold(filepath.Ext(path), ".json") {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("convert %s to JSON: %w", path, err)
		}
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &def, nil
}

// validateDefinition runs the document and graph checks an execution would
// run, then prints the stage plan and a diagram.
func validateDefinition(w io.Writer, def *schema.WorkflowDefinition, format string) error {
	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return err
	}
	if err := validator.ValidateDefinition(def); err != nil {
		return err
	}
	for _, n := range def.Nodes {
		switch n.Type {
		case schema.NodeTypeAgent, schema.NodeTypeTool, schema.NodeTypeTransform, schema.NodeTypeConditional:
		default:
			return schema.NewErrorf(schema.ErrCodeUnknownNodeType, "unknown node type %q", n.Type).WithNode(n.ID)
		}
	}
	plan, err := engine.ValidateGraph(def.Nodes, def.Edges)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "workflow %q is valid: %d nodes, %d edges, %d stages\n",
		def.Name, len(def.Nodes), len(def.Edges), len(plan.Stages))
	for i, stage := range plan.Stages {
		fmt.Fprintf(w, "  stage %d: %s\n", i, strings.Join(stage, ", "))
	}

	if format == "none" {
		return nil
	}
	model, err := diagram.Build(def.Name, def.Nodes, def.Edges, nil)
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	switch format {
	case "ascii":
		fmt.Fprint(w, diagram.RenderASCII(model))
	case "mermaid":
		fmt.Fprint(w, diagram.RenderMermaid(model))
	default:
		return fmt.Errorf("unknown diagram format %q", format)
	}
	return nil
}
