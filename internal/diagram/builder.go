package diagram

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/fluxion/pkg/schema"
)

// Build constructs a Model from a state machine definition and optional
// runtime states. Edges follow output events from producer to dependant;
// dependencies no state produces are drawn from the virtual start node as
// external inputs.
func Build(def *schema.StateMachineDefinition, states []*schema.State) (*Model, error) {
	if def == nil {
		return nil, fmt.Errorf("diagram: nil definition")
	}

	producer := make(map[string]string, len(def.States)) // event name -> state name
	for i := range def.States {
		s := &def.States[i]
		if s.OutputEvent != nil {
			producer[s.OutputEvent.Name] = s.Name
		}
	}

	stateMap := make(map[string]*schema.State, len(states))
	for _, st := range states {
		stateMap[st.Name] = st
	}

	nodes := make([]*Node, 0, len(def.States)+2)
	startNode := &Node{ID: "__start__", Label: "Start", Kind: NodeKindStart}
	nodes = append(nodes, startNode)

	hasDependant := make(map[string]bool, len(def.States))
	var edges []Edge

	for i := range def.States {
		s := &def.States[i]
		node := &Node{ID: s.Name, Label: stateLabel(s), Kind: NodeKindTask}
		if s.Replayable {
			node.Kind = NodeKindReplayable
		}
		if st, ok := stateMap[s.Name]; ok {
			node.Status = &StatusOverlay{
				Status:           string(st.Status),
				ExecutionVersion: st.ExecutionVersion,
				AttemptedRetries: st.AttemptedRetries,
			}
		}
		nodes = append(nodes, node)

		if len(s.Dependencies) == 0 {
			edges = append(edges, Edge{From: "__start__", To: s.Name})
			continue
		}
		for _, dep := range s.Dependencies {
			if up, internal := producer[dep]; internal {
				edges = append(edges, Edge{From: up, To: s.Name, Label: dep})
				hasDependant[up] = true
			} else {
				edges = append(edges, Edge{From: "__start__", To: s.Name, Label: dep})
			}
		}
	}

	endNode := &Node{ID: "__end__", Label: "End", Kind: NodeKindEnd}
	nodes = append(nodes, endNode)
	for i := range def.States {
		s := &def.States[i]
		if !hasDependant[s.Name] {
			edges = append(edges, Edge{From: s.Name, To: "__end__"})
		}
	}

	levels, err := buildLevels(def, producer)
	if err != nil {
		return nil, err
	}

	title := def.Name
	if title == "" {
		title = "State Machine"
	}

	return &Model{
		Title:  title,
		Nodes:  nodes,
		Edges:  edges,
		Levels: levels,
	}, nil
}

// buildLevels layers states by longest internal dependency chain, bracketed
// by virtual start and end levels. A cycle fails the build.
func buildLevels(def *schema.StateMachineDefinition, producer map[string]string) ([][]string, error) {
	upstream := make(map[string][]string, len(def.States))
	for i := range def.States {
		s := &def.States[i]
		for _, dep := range s.Dependencies {
			if up, internal := producer[dep]; internal && up != s.Name {
				upstream[s.Name] = append(upstream[s.Name], up)
			}
		}
	}

	depth := make(map[string]int, len(def.States))
	visiting := make(map[string]bool, len(def.States))

	var resolve func(name string) (int, error)
	resolve = func(name string) (int, error) {
		if d, ok := depth[name]; ok {
			return d, nil
		}
		if visiting[name] {
			return 0, fmt.Errorf("diagram: dependency cycle through state %q", name)
		}
		visiting[name] = true
		defer delete(visiting, name)

		d := 0
		for _, up := range upstream[name] {
			ud, err := resolve(up)
			if err != nil {
				return 0, err
			}
			if ud+1 > d {
				d = ud + 1
			}
		}
		depth[name] = d
		return d, nil
	}

	maxDepth := 0
	for i := range def.States {
		d, err := resolve(def.States[i].Name)
		if err != nil {
			return nil, err
		}
		if d > maxDepth {
			maxDepth = d
		}
	}

	layers := make([][]string, maxDepth+1)
	for i := range def.States {
		name := def.States[i].Name
		layers[depth[name]] = append(layers[depth[name]], name)
	}
	for _, layer := range layers {
		sort.Strings(layer)
	}

	levels := make([][]string, 0, maxDepth+3)
	levels = append(levels, []string{"__start__"})
	levels = append(levels, layers...)
	levels = append(levels, []string{"__end__"})
	return levels, nil
}

func stateLabel(s *schema.StateDefinition) string {
	if s.Task != "" {
		return fmt.Sprintf("%s\n(%s)", s.Name, s.Task)
	}
	return s.Name
}

// firstLine truncates a label at the first newline for renderers that cannot
// break lines.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
