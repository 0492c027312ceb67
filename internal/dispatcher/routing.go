package dispatcher

import (
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/fluxion/pkg/schema"
)

// RoutingRule overrides the subject a task execution message is published on.
// When evaluates against the message attributes; the first matching rule
// wins. A rule that fails to evaluate is skipped, not fatal.
type RoutingRule struct {
	When    string `yaml:"when" json:"when"`
	Subject string `yaml:"subject" json:"subject"`
}

// Router resolves the delivery subject for a task execution message.
// Compiled rule programs are cached and reused across goroutines.
type Router struct {
	prefix string
	rules  []RoutingRule

	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewRouter creates a Router. prefix is the base subject namespace; rules are
// evaluated in order before falling back to the default subject layout.
func NewRouter(prefix string, rules []RoutingRule) *Router {
	if prefix == "" {
		prefix = "fluxion.tasks"
	}
	return &Router{
		prefix: prefix,
		rules:  rules,
		cache:  make(map[string]*vm.Program),
	}
}

// Resolve returns the subject for the message. Default layout is
// <prefix>.<fleet>.<router>.
func (r *Router) Resolve(fleetID string, msg *schema.TaskExecutionMessage) string {
	env := map[string]any{
		"fleet":   fleetID,
		"router":  msg.RouterName,
		"task":    msg.Task,
		"state":   msg.StateName,
		"machine": msg.StateMachineName,
		"retries": msg.AttemptedRetries,
	}
	for _, rule := range r.rules {
		match, err := r.eval(rule.When, env)
		if err != nil {
			continue
		}
		if match {
			return rule.Subject
		}
	}
	return r.prefix + "." + sanitizeToken(fleetID) + "." + sanitizeToken(msg.RouterName)
}

func (r *Router) eval(expression string, env map[string]any) (bool, error) {
	prg, err := r.getOrCompile(expression, env)
	if err != nil {
		return false, err
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"routing rule evaluation failed for %q: %s", expression, err.Error()).WithCause(err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"routing rule %q did not evaluate to a boolean", expression)
	}
	return b, nil
}

func (r *Router) getOrCompile(expression string, env map[string]any) (*vm.Program, error) {
	r.mu.RLock()
	if prg, ok := r.cache[expression]; ok {
		r.mu.RUnlock()
		return prg, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if prg, ok := r.cache[expression]; ok {
		return prg, nil
	}
	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"routing rule compile error in %q: %s", expression, err.Error()).WithCause(err)
	}
	r.cache[expression] = prg
	return prg, nil
}

// sanitizeToken makes a value safe as a single subject token.
func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, s)
}
