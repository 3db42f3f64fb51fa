package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine compiles and evaluates operator-defined CEL screening rules.
// Rules run after the built-in checks; their labels are appended to the
// same violation list.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled []*CompiledRule
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates a screening rule engine with bill variables bound.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("bill", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("tax", cel.DoubleType),
		cel.Variable("vendor", cel.StringType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("invoice_number", cel.StringType),
		cel.Variable("payment_status", cel.StringType),
		cel.Variable("due_date", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{env: env}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and appends a rule to the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	// Replace in place when the rule is already loaded.
	for i, existing := range e.compiled {
		if existing.Config.ID == cfg.ID {
			e.compiled[i] = compiled
			return nil
		}
	}
	e.compiled = append(e.compiled, compiled)

	return nil
}

// LoadRules compiles and loads the enabled rules, preserving order.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules compiles the new rule set offline and swaps it in under
// the write lock, so readers never observe a partial reload.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	newRules := make([]*CompiledRule, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules = append(newRules, compiled)
	}

	e.mu.Lock()
	e.compiled = newRules
	e.mu.Unlock()

	return nil
}

// Evaluate runs the loaded screening rules against a bill and returns
// the labels of the rules that triggered, in load order. A rule that
// fails to evaluate is skipped rather than failing the screening.
func (e *Engine) Evaluate(b *domain.Bill) []string {
	e.mu.RLock()
	rules := e.compiled
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}

	activation := map[string]any{
		"bill": map[string]any{
			"id":             b.ID,
			"vendor":         b.VendorName,
			"invoice_number": b.InvoiceNumber,
			"amount":         b.TotalAmount,
			"tax":            b.Tax(),
			"currency":       b.Currency,
			"category":       b.Category,
			"payment_status": b.PaymentStatus,
			"due_date":       b.DueDate,
		},
		"amount":         b.TotalAmount,
		"tax":            b.Tax(),
		"vendor":         b.VendorName,
		"currency":       b.Currency,
		"category":       b.Category,
		"invoice_number": b.InvoiceNumber,
		"payment_status": b.PaymentStatus,
		"due_date":       b.DueDate,
	}

	var labels []string
	for _, rule := range rules {
		out, _, err := rule.Program.Eval(activation)
		if err != nil {
			continue
		}
		if triggered(out) {
			label := rule.Config.Label
			if label == "" {
				label = rule.Config.Name
			}
			labels = append(labels, label)
		}
	}

	return labels
}

// triggered converts a CEL result to a violation decision.
func triggered(val ref.Val) bool {
	switch v := val.(type) {
	case types.Bool:
		return bool(v)
	case types.Double:
		return float64(v) != 0
	case types.Int:
		return int64(v) != 0
	default:
		return false
	}
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// GetLoadedRules returns the currently loaded rule configurations.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.compiled))
	for _, compiled := range e.compiled {
		rules = append(rules, compiled.Config)
	}
	return rules
}

// Close clears the loaded rules.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = nil
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
