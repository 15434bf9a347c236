package orchestrate

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
)

func policyCase() *contracts.Case {
	return &contracts.Case{CaseID: "case-pol", TenantID: "tenant-1", UploaderID: "user-1"}
}

// policyOrder builds a fully resolved one-line order. Quantity scales the
// total the policy sees.
func policyOrder(qty float64) *contracts.CanonicalOrder {
	rate := 25.50
	return &contracts.CanonicalOrder{
		Meta: contracts.OrderMeta{
			CaseID:     "case-pol",
			TenantID:   "tenant-1",
			ReceivedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
			FileName:   "order.xlsx",
			FileHash:   strings.Repeat("b", 64),
		},
		Customer: contracts.CustomerBlock{
			RawText:    "ACME Corporation",
			Resolution: contracts.ResolutionResolved,
			Resolved:   &contracts.CatalogRef{ExternalID: "cust_001", Name: "ACME Corporation"},
		},
		LineItems: []contracts.LineItem{{
			RowIndex:          2,
			SKU:               "SKU-001",
			Quantity:          &qty,
			UnitPriceResolved: &rate,
			Resolution: contracts.ItemResolution{
				Status:   contracts.ResolutionResolved,
				Resolved: &contracts.CatalogRef{ExternalID: "item_001", Name: "Blue Widget"},
				Method:   "sku_exact",
			},
		}},
		Confid: contracts.Confidence{Overall: 0.9},
	}
}

func TestNewApprovalPolicyCompileError(t *testing.T) {
	_, err := NewApprovalPolicy("order..")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile approval policy")
}

func TestApprovalPolicyExpr(t *testing.T) {
	p, err := NewApprovalPolicy("order.total > 100.0")
	require.NoError(t, err)
	assert.Equal(t, "order.total > 100.0", p.Expr())

	p, err = NewApprovalPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DefaultApprovalExpr, p.Expr())
}

func TestDefaultPolicyRequiresApproval(t *testing.T) {
	p, err := NewApprovalPolicy("")
	require.NoError(t, err)

	need, err := p.RequiresApproval(policyCase(), policyOrder(1))
	require.NoError(t, err)
	assert.True(t, need)
}

func TestPolicyTotalThreshold(t *testing.T) {
	p, err := NewApprovalPolicy("order.total > 100.0")
	require.NoError(t, err)

	// 10 x 25.50 = 255.
	need, err := p.RequiresApproval(policyCase(), policyOrder(10))
	require.NoError(t, err)
	assert.True(t, need)

	// 2 x 25.50 = 51.
	need, err = p.RequiresApproval(policyCase(), policyOrder(2))
	require.NoError(t, err)
	assert.False(t, need)
}

func TestPolicySeesWarningsAndConfidence(t *testing.T) {
	p, err := NewApprovalPolicy("order.has_warnings || order.confidence < 0.8")
	require.NoError(t, err)

	clean := policyOrder(1)
	need, err := p.RequiresApproval(policyCase(), clean)
	require.NoError(t, err)
	assert.False(t, need)

	warned := policyOrder(1)
	warned.Issues = append(warned.Issues,
		contracts.NewIssue(contracts.IssueLowConfidence, contracts.SeverityWarning, "close column candidates"))
	need, err = p.RequiresApproval(policyCase(), warned)
	require.NoError(t, err)
	assert.True(t, need)

	shaky := policyOrder(1)
	shaky.Confid.Overall = 0.5
	need, err = p.RequiresApproval(policyCase(), shaky)
	require.NoError(t, err)
	assert.True(t, need)
}

func TestPolicySeesCaseFields(t *testing.T) {
	p, err := NewApprovalPolicy(`case.tenant_id != "tenant-1"`)
	require.NoError(t, err)

	need, err := p.RequiresApproval(policyCase(), policyOrder(1))
	require.NoError(t, err)
	assert.False(t, need)

	other := policyCase()
	other.TenantID = "tenant-2"
	need, err = p.RequiresApproval(other, policyOrder(1))
	require.NoError(t, err)
	assert.True(t, need)
}

func TestPolicyBlockersAlwaysNeedApproval(t *testing.T) {
	// Even a policy that waves everything through cannot skip a human when
	// the order carries a blocker.
	p, err := NewApprovalPolicy("false")
	require.NoError(t, err)

	blocked := policyOrder(1)
	blocked.Issues = append(blocked.Issues,
		contracts.NewIssue(contracts.IssueFormulasBlocked, contracts.SeverityBlocker, "live formulas present"))

	need, err := p.RequiresApproval(policyCase(), blocked)
	require.NoError(t, err)
	assert.True(t, need)
}

func TestPolicyEvalErrorFailsClosed(t *testing.T) {
	p, err := NewApprovalPolicy(`order.no_such_key == "x"`)
	require.NoError(t, err)

	need, err := p.RequiresApproval(policyCase(), policyOrder(1))
	require.Error(t, err)
	assert.True(t, need)
}

func TestPolicyNonBoolFailsClosed(t *testing.T) {
	p, err := NewApprovalPolicy("order.total")
	require.NoError(t, err)

	need, err := p.RequiresApproval(policyCase(), policyOrder(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want bool")
	assert.True(t, need)
}
