// Package selector compiles and evaluates JMESPath-style expressions over
// an incoming event, returning either the matched subtree or a sentinel
// indicating nothing matched. The expression library itself is treated as
// opaque: selector never inspects or mutates the AST, only the evaluated
// result.
package selector

import (
	"fmt"

	"github.com/jmespath/go-jmespath"
)

// Missing is the sentinel value returned by Evaluate when the expression
// selects nothing from the event (a JMESPath result of nil).
var Missing = missingType{}

type missingType struct{}

// Evaluator is a once-compiled expression ready for repeated evaluation
// against many events.
type Evaluator struct {
	expr string
	prog *jmespath.JMESPath
}

// Compile parses expr once. Callers should compile during construction and
// reuse the Evaluator across invocations; JMESPath compilation is not free
// and must never run per-event.
func Compile(expr string) (*Evaluator, error) {
	if expr == "" {
		return nil, fmt.Errorf("selector: expression must not be empty")
	}
	prog, err := jmespath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("selector: invalid expression %q: %w", expr, err)
	}
	return &Evaluator{expr: expr, prog: prog}, nil
}

// MustCompile is like Compile but panics on error; intended for package
// level expressions known to be valid at init time.
func MustCompile(expr string) *Evaluator {
	ev, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return ev
}

// String returns the original expression text.
func (e *Evaluator) String() string { return e.expr }

// Evaluate runs the compiled expression against event, which must already be
// in a JMESPath-walkable shape (maps, slices, and scalars -- the usual
// output of a JSON unmarshal). It returns Missing when the expression
// selects nothing.
func (e *Evaluator) Evaluate(event any) (any, error) {
	if e == nil || e.prog == nil {
		return Missing, nil
	}
	result, err := e.prog.Search(event)
	if err != nil {
		return nil, fmt.Errorf("selector: evaluating %q: %w", e.expr, err)
	}
	if result == nil {
		return Missing, nil
	}
	return result, nil
}

// IsMissing reports whether v is the Missing sentinel.
func IsMissing(v any) bool {
	_, ok := v.(missingType)
	return ok
}
