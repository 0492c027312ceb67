package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/fluxion/internal/diagram"
	"github.com/rendis/fluxion/internal/validation"
	"github.com/rendis/fluxion/pkg/schema"
)

// newGraphCmd renders a state machine definition as a diagram. Mermaid goes
// to stdout by default; PNG requires -o.
func newGraphCmd() *cobra.Command {
	var format string
	var output string

	cmd := &cobra.Command{
		Use:   "graph <definition-file>",
		Short: "Render a state machine definition as a diagram",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadDefinition(args[0])
			if err != nil {
				return err
			}

			mv, err := validation.NewMachineValidator()
			if err != nil {
				return err
			}
			if err := mv.ValidateDefinition(def); err != nil {
				return err
			}

			model, err := diagram.Build(def, nil)
			if err != nil {
				return err
			}

			switch format {
			case "mermaid":
				out := diagram.RenderMermaid(model)
				if output == "" {
					fmt.Fprint(cmd.OutOrStdout(), out)
					return nil
				}
				return os.WriteFile(output, []byte(out), 0o644)
			case "png":
				if output == "" {
					return fmt.Errorf("png output requires -o")
				}
				png, err := diagram.RenderImage(model)
				if err != nil {
					return err
				}
				return os.WriteFile(output, png, 0o644)
			default:
				return fmt.Errorf("unknown format %q (mermaid, png)", format)
			}
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "mermaid", "output format: mermaid or png")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func loadDefinition(path string) (*schema.StateMachineDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}

	def := &schema.StateMachineDefinition{}
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(data, def); err != nil {
			return nil, fmt.Errorf("parse definition %s: %w", path, err)
		}
		return def, nil
	}
	if err := json.Unmarshal(data, def); err != nil {
		return nil, fmt.Errorf("parse definition %s: %w", path, err)
	}
	return def, nil
}
