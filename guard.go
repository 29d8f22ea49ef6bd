package saga

import (
	"context"
	"fmt"

	"github.com/verdantlabs/saga/script"
)

// GuardFunc is a compiled guard predicate over the execution state bag.
// Guards must be pure: routing decisions are replayed on resume and have to
// come out the same way.
type GuardFunc func(ctx context.Context, bag map[string]any) (bool, error)

// GuardRegistry maps guard names to Go-native guard functions. Named guards
// are the typed alternative to expression guards for routing logic that is
// easier to state in Go.
type GuardRegistry map[string]GuardFunc

// compileGuard resolves a guard declaration into a GuardFunc at definition
// load time. A named guard is looked up in the registry; an expression is
// compiled once with the script compiler. Malformed guards reject the
// definition before any execution starts.
func compileGuard(ctx context.Context, name, expr string, guards GuardRegistry, compiler script.Compiler) (GuardFunc, error) {
	if name != "" && expr != "" {
		return nil, fmt.Errorf("guard declares both a name (%q) and an expression", name)
	}
	if name != "" {
		fn, ok := guards[name]
		if !ok {
			return nil, fmt.Errorf("guard %q not registered", name)
		}
		return fn, nil
	}
	if expr == "" {
		return nil, nil
	}
	if compiler == nil {
		return nil, fmt.Errorf("guard expression %q requires a script compiler", expr)
	}
	compiled, err := compiler.Compile(ctx, expr)
	if err != nil {
		return nil, fmt.Errorf("failed to compile guard expression %q: %w", expr, err)
	}
	return func(ctx context.Context, bag map[string]any) (bool, error) {
		value, err := compiled.Evaluate(ctx, map[string]any{"state": bag})
		if err != nil {
			return false, fmt.Errorf("failed to evaluate guard expression %q: %w", expr, err)
		}
		return value.IsTruthy(), nil
	}, nil
}
