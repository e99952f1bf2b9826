// Package cel filters nodes with CEL expressions.
package cel

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/sharedcode/treelock"
)

// NodeFilter holds a compiled boolean CEL expression evaluated against a node. The expression
// sees:
//
//	path   string
//	name   string
//	props  map(string, string)
//	mixins list(string)
//
// e.g. `name.startsWith("file-") && props["testContent"] != ""`.
type NodeFilter struct {
	Expression string
	program    cel.Program
}

// NewNodeFilter compiles expression. It must evaluate to a bool.
func NewNodeFilter(expression string) (*NodeFilter, error) {
	if expression == "" {
		return nil, treelock.NewError(treelock.InvalidConfiguration, nil, "expression can't be empty string")
	}

	env, err := cel.NewEnv(
		cel.Variable("path", cel.StringType),
		cel.Variable("name", cel.StringType),
		cel.Variable("props", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("mixins", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, treelock.NewError(treelock.InvalidConfiguration, expression, "error compiling CEL expression: %v", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, treelock.NewError(treelock.InvalidConfiguration, expression, "CEL expression must be a bool, got %v", ast.OutputType())
	}
	p, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error creating Program: %w", err)
	}
	return &NodeFilter{
		Expression: expression,
		program:    p,
	}, nil
}

// Match evaluates the expression against n.
func (f *NodeFilter) Match(n treelock.Node) (bool, error) {
	props := n.Properties
	if props == nil {
		props = map[string]string{}
	}
	mixins := n.Mixins
	if mixins == nil {
		mixins = []string{}
	}
	out, _, err := f.program.Eval(map[string]any{
		"path":   n.Path,
		"name":   n.Name(),
		"props":  props,
		"mixins": mixins,
	})
	if err != nil {
		return false, fmt.Errorf("error evaluating CEL expression: %w", err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("error converting to bool, got: %v", out.Value())
	}
	return v, nil
}

// Filter keeps the nodes matching f. A nil filter keeps everything.
func (f *NodeFilter) Filter(nodes []treelock.Node) ([]treelock.Node, error) {
	if f == nil {
		return nodes, nil
	}
	r := make([]treelock.Node, 0, len(nodes))
	for _, n := range nodes {
		ok, err := f.Match(n)
		if err != nil {
			return nil, err
		}
		if ok {
			r = append(r, n)
		}
	}
	return r, nil
}
