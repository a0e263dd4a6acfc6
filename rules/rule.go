package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr/vm"

	"github.com/expr-lang/expr"
)

// Evaluator evaluates expressions against instance form data. Evaluate is
// used for edge guards and must yield a boolean; EvaluateUsers is used for
// expression approver rules and must yield a user ID or list of user IDs.
type Evaluator interface {
	Evaluate(expression string, context map[string]interface{}) (bool, error)
	EvaluateUsers(expression string, context map[string]interface{}) ([]string, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache: make(map[string]*vm.Program),
	}
}

// run compiles (with caching) and executes an expression.
func (e *ExprEvaluator) run(expression string, context map[string]interface{}) (interface{}, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.Env(context))
			if err != nil {
				e.mu.Unlock()
				return nil, err
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	return expr.Run(program, context)
}

// Evaluate evaluates the given expression against the provided context.
// The expression must evaluate to a boolean; otherwise, an error is returned.
func (e *ExprEvaluator) Evaluate(expression string, context map[string]interface{}) (bool, error) {
	result, err := e.run(expression, context)
	if err != nil {
		return false, err
	}
	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

// EvaluateUsers evaluates an expression that must yield a user ID (string)
// or a list of user IDs.
func (e *ExprEvaluator) EvaluateUsers(expression string, context map[string]interface{}) ([]string, error) {
	result, err := e.run(expression, context)
	if err != nil {
		return nil, err
	}
	switch v := result.(type) {
	case string:
		if v == "" {
			return nil, nil
		}
		return []string{v}, nil
	case []string:
		return v, nil
	case []interface{}:
		users := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expression '%s' yielded a non-string user %T", expression, item)
			}
			users = append(users, s)
		}
		return users, nil
	default:
		return nil, fmt.Errorf("expression '%s' did not evaluate to users, got %T", expression, result)
	}
}
