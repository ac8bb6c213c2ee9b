package search

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/airweave-sub003/ingestion-core/internal/airerr"
)

// InterpretedFilter is what query interpretation (an optional LLM stage)
// produces: equality conditions VectorStore.Search can apply directly, plus
// a free-form comparison expression (e.g. "payload.size > 1000") that no
// VectorStore backend here understands natively and must be evaluated
// client-side against each candidate's payload.
type InterpretedFilter struct {
	Equality   map[string]interface{}
	Expression string
}

// CompiledFilter is filter synthesis's output (§4.8): caller-supplied and
// interpreted equality filters merged (interpreted wins on key collision,
// since it reflects what the query actually asked for), plus the
// interpreted expression compiled once so every candidate can be
// re-evaluated cheaply.
type CompiledFilter struct {
	Equality map[string]interface{}
	program  *vm.Program
}

// Synthesize merges callerFilter with interpreted (if any) per §4.8's
// "merges caller-supplied filters with interpreted ones (AND)", compiling
// interpreted.Expression with expr-lang/expr so later stages can evaluate
// it against a payload map without re-parsing per candidate.
func Synthesize(callerFilter map[string]interface{}, interpreted *InterpretedFilter) (*CompiledFilter, error) {
	merged := make(map[string]interface{}, len(callerFilter))
	for k, v := range callerFilter {
		merged[k] = v
	}

	cf := &CompiledFilter{Equality: merged}
	if interpreted == nil {
		return cf, nil
	}
	for k, v := range interpreted.Equality {
		merged[k] = v
	}
	if interpreted.Expression == "" {
		return cf, nil
	}

	program, err := expr.Compile(interpreted.Expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, airerr.Wrap(airerr.ValidationFailure, "failed to compile interpreted filter expression", err)
	}
	cf.program = program
	return cf, nil
}

// Matches reports whether payload satisfies the compiled expression half of
// the filter. A nil program (no expression was interpreted) always
// matches, since equality filters are already enforced by the VectorStore
// itself.
func (f *CompiledFilter) Matches(payload map[string]interface{}) (bool, error) {
	if f == nil || f.program == nil {
		return true, nil
	}
	out, err := expr.Run(f.program, map[string]interface{}{"payload": payload})
	if err != nil {
		return false, airerr.Wrap(airerr.InternalInvariantViolated, "filter expression evaluation failed", err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, airerr.New(airerr.InternalInvariantViolated, fmt.Sprintf("filter expression did not evaluate to a bool, got %T", out))
	}
	return b, nil
}
