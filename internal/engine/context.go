package engine

import (
	"github.com/rendis/fluxion/pkg/schema"
)

// Context is the in-memory dependency graph of one state machine snapshot.
// It is built fresh for every operation so it always reflects the latest
// persisted status, and it holds no references back into the ledgers: states
// are resolved by event name only. Both operations are pure.
type Context struct {
	machine    *schema.StateMachine
	dependants map[string][]*schema.State // event name → states listing it as a dependency
}

// NewContext builds the dependency graph from a state machine snapshot.
func NewContext(sm *schema.StateMachine) *Context {
	c := &Context{
		machine:    sm,
		dependants: make(map[string][]*schema.State, len(sm.States)),
	}
	for _, st := range sm.States {
		for _, dep := range st.Dependencies {
			c.dependants[dep] = append(c.dependants[dep], st)
		}
	}
	return c
}

// InitialStates returns every state with no dependencies, plus every state
// whose entire dependency list is already covered by the given set of
// triggered-or-cancelled event names. The second group covers a machine
// resumed mid-flight after a restart.
func (c *Context) InitialStates(received map[string]struct{}) []*schema.State {
	var initial []*schema.State
	for _, st := range c.machine.States {
		if len(st.Dependencies) == 0 || st.DependencySatisfied(received) {
			initial = append(initial, st)
		}
	}
	return initial
}

// DependantStates returns every state that lists eventName among its
// dependencies, regardless of the state's current status. The caller filters
// by readiness.
func (c *Context) DependantStates(eventName string) []*schema.State {
	return c.dependants[eventName]
}
