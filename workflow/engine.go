// Package workflow implements the run execution engine. Each registered
// workflow is a small compiled DAG with the shape
// fetch -> guard(has_data) -> compute -> end. Nodes return partial state;
// the engine merges it into the accumulated state. Node failures are
// captured into the state's error list and never escape to the caller:
// the dispatcher decides retry versus terminal failure from that list.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
)

// State is the accumulated execution state threaded through a graph.
// Fatal marks a failure originating in a step panic: a code defect,
// not a transient condition, so retrying the run cannot help.
type State struct {
	RunID  uuid.UUID
	Cursor map[string]any
	Data   map[string]any
	Stats  map[string]any
	Errors []string
	Fatal  bool
}

// NewState seeds a state from the run row's input cursor.
func NewState(runID uuid.UUID, cursor map[string]any) *State {
	if cursor == nil {
		cursor = map[string]any{}
	}
	return &State{
		RunID:  runID,
		Cursor: cursor,
		Data:   map[string]any{},
		Stats:  map[string]any{},
	}
}

// CursorString reads a string field from the input cursor.
func (s *State) CursorString(key string) string {
	if v, ok := s.Cursor[key].(string); ok {
		return v
	}
	return ""
}

// Delta is the partial state a node contributes.
type Delta struct {
	Data   map[string]any
	Stats  map[string]any
	Errors []string
}

func (s *State) merge(d Delta) {
	for k, v := range d.Data {
		s.Data[k] = v
	}
	for k, v := range d.Stats {
		s.Stats[k] = v
	}
	s.Errors = append(s.Errors, d.Errors...)
}

// NodeFunc is one graph node: state in, partial state out.
type NodeFunc func(ctx context.Context, st *State) (Delta, error)

// Step is a compiled graph position, either a node or a guard. A guard
// returning false routes directly to end.
type Step struct {
	Name  string
	Fn    NodeFunc
	Guard func(st *State) bool
}

// Graph is a named, compiled workflow.
type Graph struct {
	Name  string
	Steps []Step
}

// StepNames lists the step names in execution order, for introspection.
func (g *Graph) StepNames() []string {
	names := make([]string, 0, len(g.Steps))
	for _, step := range g.Steps {
		names = append(names, step.Name)
	}
	return names
}

type graphBuilder struct {
	graph *Graph
}

func newGraph(name string) *graphBuilder {
	return &graphBuilder{graph: &Graph{Name: name}}
}

func (b *graphBuilder) node(name string, fn NodeFunc) *graphBuilder {
	b.graph.Steps = append(b.graph.Steps, Step{Name: name, Fn: fn})
	return b
}

func (b *graphBuilder) guard(name string, pred func(st *State) bool) *graphBuilder {
	b.graph.Steps = append(b.graph.Steps, Step{Name: name, Guard: pred})
	return b
}

func (b *graphBuilder) compile() *Graph {
	return b.graph
}

// Engine holds the registered graphs and the per-step soft timeout.
type Engine struct {
	graphs      map[string]*Graph
	stepTimeout time.Duration
}

// Resolve looks up a graph by workflow name.
func (e *Engine) Resolve(name string) (*Graph, bool) {
	g, ok := e.graphs[name]
	return g, ok
}

// Register adds or replaces a graph under its name.
func (e *Engine) Register(g *Graph) {
	e.graphs[g.Name] = g
}

// Graphs returns the registered graph names in no particular order.
func (e *Engine) Graphs() []string {
	names := make([]string, 0, len(e.graphs))
	for name := range e.graphs {
		names = append(names, name)
	}
	return names
}

// Execute runs the graph to completion. Node errors and panics land in
// state.Errors; a guard returning false ends the graph cleanly.
func (e *Engine) Execute(ctx context.Context, g *Graph, st *State) *State {
	for _, step := range g.Steps {
		if step.Guard != nil {
			if !step.Guard(st) {
				st.Stats["short_circuit"] = step.Name
				return st
			}
			continue
		}
		delta, err := e.runStep(ctx, step, st)
		st.merge(delta)
		if err != nil {
			var pe *panicError
			if errors.As(err, &pe) {
				st.Fatal = true
			}
			st.Errors = append(st.Errors, fmt.Sprintf("%s/%s: %v", g.Name, step.Name, err))
			return st
		}
		if len(st.Errors) > 0 {
			return st
		}
	}
	return st
}

func (e *Engine) runStep(ctx context.Context, step Step, st *State) (delta Delta, err error) {
	stepCtx := ctx
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return step.Fn(stepCtx, st)
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v\n%s", e.value, e.stack)
}
