package extract

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
)

// sheetFromStrings builds an in-memory sheet from raw cell text, padded to
// the widest row, with A1 refs filled in.
func sheetFromStrings(t *testing.T, name string, rows [][]string) *Sheet {
	t.Helper()
	width := 0
	for _, r := range rows {
		if len(r) > width {
			width = len(r)
		}
	}
	sheet := &Sheet{Name: name, Rows: make([][]Cell, len(rows))}
	for i, r := range rows {
		row := make([]Cell, width)
		for c := 0; c < width; c++ {
			ref, err := excelize.CoordinatesToCellName(c+1, i+1)
			require.NoError(t, err)
			row[c] = Cell{Ref: ref}
			if c < len(r) {
				row[c].Raw = r[c]
				row[c].Display = r[c]
			}
		}
		sheet.Rows[i] = row
	}
	return sheet
}

func testMeta(caseID string) contracts.OrderMeta {
	return contracts.OrderMeta{
		CaseID:     caseID,
		TenantID:   "tenant-1",
		ReceivedAt: time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC),
		FileName:   "order.csv",
		FileHash:   strings.Repeat("ab", 32),
	}
}

// extractCSV runs the full pipeline over CSV text with strict formulas on.
func extractCSV(t *testing.T, csvText string) *Result {
	t.Helper()
	return extractCSVOpts(t, csvText, Options{StrictFormulas: true})
}

func extractCSVOpts(t *testing.T, csvText string, opts Options) *Result {
	t.Helper()
	ex := New(opts)
	res, err := ex.Extract(context.Background(), testMeta("case-1"), []byte(csvText))
	require.NoError(t, err)
	require.NotNil(t, res.Order)
	return res
}

// issueCodes flattens issues to their codes for containment asserts.
func issueCodes(issues []contracts.Issue) []contracts.IssueCode {
	out := make([]contracts.IssueCode, len(issues))
	for i, is := range issues {
		out[i] = is.Code
	}
	return out
}
