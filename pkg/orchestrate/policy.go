package orchestrate

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
)

// DefaultApprovalExpr keeps a human in the loop for every order.
const DefaultApprovalExpr = "true"

// ApprovalPolicy decides whether a fully resolved order needs a human
// approval before draft creation. The expression answers "does this order
// require approval?"; it sees two variables, order (resolved customer, line
// count, total, warnings, confidence) and case (ids). A policy that errors
// or returns anything but a bool fails closed: a human approves.
type ApprovalPolicy struct {
	expr string
	prg  cel.Program
}

// NewApprovalPolicy compiles the expression. Empty means everything needs a
// human.
func NewApprovalPolicy(expr string) (*ApprovalPolicy, error) {
	if expr == "" {
		expr = DefaultApprovalExpr
	}
	env, err := cel.NewEnv(
		cel.Variable("order", cel.DynType),
		cel.Variable("case", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("orchestrate: cel environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("orchestrate: compile approval policy: %w", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("orchestrate: approval policy program: %w", err)
	}
	return &ApprovalPolicy{expr: expr, prg: prg}, nil
}

// Expr returns the source expression.
func (p *ApprovalPolicy) Expr() string { return p.expr }

// RequiresApproval evaluates the policy over a fully resolved order. An
// order with blocker issues always requires approval no matter what the
// expression says.
func (p *ApprovalPolicy) RequiresApproval(c *contracts.Case, order *contracts.CanonicalOrder) (bool, error) {
	if order.HasBlockers() {
		return true, nil
	}
	input := map[string]any{
		"order": orderInput(order),
		"case": map[string]any{
			"id":          c.CaseID,
			"tenant_id":   c.TenantID,
			"uploader_id": c.UploaderID,
		},
	}
	out, _, err := p.prg.Eval(input)
	if err != nil {
		return true, fmt.Errorf("orchestrate: eval approval policy: %w", err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return true, fmt.Errorf("orchestrate: approval policy returned %T, want bool", out.Value())
	}
	return v, nil
}

// orderInput projects the order into the flat map the policy sees. The total
// is computed from resolved prices, the only ones a draft would carry.
func orderInput(order *contracts.CanonicalOrder) map[string]any {
	var customerID, customerName string
	if order.Customer.Resolved != nil {
		customerID = order.Customer.Resolved.ExternalID
		customerName = order.Customer.Resolved.Name
	}
	total := 0.0
	for i := range order.LineItems {
		li := &order.LineItems[i]
		if li.UnitPriceResolved == nil || li.Quantity == nil {
			continue
		}
		total += *li.UnitPriceResolved * *li.Quantity
	}
	hasWarnings := false
	for _, is := range order.Issues {
		if is.Severity.AtLeast(contracts.SeverityWarning) {
			hasWarnings = true
			break
		}
	}
	return map[string]any{
		"customer_id":   customerID,
		"customer_name": customerName,
		"line_count":    len(order.LineItems),
		"total":         total,
		"has_warnings":  hasWarnings,
		"confidence":    order.Confid.Overall,
	}
}
