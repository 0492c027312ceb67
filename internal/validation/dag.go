package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/fluxion/pkg/schema"
)

// validateDAG performs graph analysis over output-event edges: cycle
// detection (Kahn's algorithm) and dead-state reachability. Dependencies on
// event names no state produces are external inputs, not edges.
func validateDAG(def *schema.StateMachineDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	producer := make(map[string]string, len(def.States)) // event name -> producing state
	for _, s := range def.States {
		if s.OutputEvent != nil {
			producer[s.OutputEvent.Name] = s.Name
		}
	}

	// edges[name] = upstream states of name, reverse[name] = downstream states.
	edges := make(map[string][]string, len(def.States))
	reverse := make(map[string][]string, len(def.States))
	stateNames := make(map[string]bool, len(def.States))

	for _, s := range def.States {
		stateNames[s.Name] = true
		seen := make(map[string]bool, len(s.Dependencies))
		for _, dep := range s.Dependencies {
			up, internal := producer[dep]
			if !internal || seen[up] || up == s.Name {
				continue // external input, duplicate edge, or self-loop caught by semantic
			}
			seen[up] = true
			edges[s.Name] = append(edges[s.Name], up)
			reverse[up] = append(reverse[up], s.Name)
		}
	}

	// Kahn's algorithm for cycle detection.
	inDegree := make(map[string]int, len(def.States))
	for name := range stateNames {
		inDegree[name] = len(edges[name])
	}

	queue := make([]string, 0, len(def.States))
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	// Sort roots for deterministic output.
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, down := range reverse[node] {
			inDegree[down]--
			if inDegree[down] == 0 {
				queue = append(queue, down)
			}
		}
	}

	if visited != len(stateNames) {
		result.AddError("states", schema.ErrCodeCycleDetected, "state machine contains a dependency cycle")
		return result // cycle makes reachability analysis meaningless
	}

	// Reachability: BFS from states with no internal upstream edges.
	roots := make([]string, 0)
	for name := range stateNames {
		if len(edges[name]) == 0 {
			roots = append(roots, name)
		}
	}

	reachable := make(map[string]bool, len(stateNames))
	bfsQueue := make([]string, len(roots))
	copy(bfsQueue, roots)
	for _, r := range roots {
		reachable[r] = true
	}

	for len(bfsQueue) > 0 {
		node := bfsQueue[0]
		bfsQueue = bfsQueue[1:]
		for _, down := range reverse[node] {
			if !reachable[down] {
				reachable[down] = true
				bfsQueue = append(bfsQueue, down)
			}
		}
	}

	for _, s := range def.States {
		if !reachable[s.Name] {
			result.AddWarning(fmt.Sprintf("states[%s]", s.Name),
				schema.ErrCodeValidation,
				fmt.Sprintf("state %q is unreachable from any root state", s.Name))
		}
	}

	return result
}
