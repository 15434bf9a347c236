package contracts

// IssueCode is a stable machine-readable problem identifier. Codes are part
// of the audit record and the bot vocabulary; never rename one.
type IssueCode string

const (
	IssueFormulasBlocked          IssueCode = "FORMULAS_BLOCKED"
	IssueMissingCustomer          IssueCode = "MISSING_CUSTOMER"
	IssueAmbiguousCustomer        IssueCode = "AMBIGUOUS_CUSTOMER"
	IssueCustomerNotFound         IssueCode = "CUSTOMER_NOT_FOUND"
	IssueMissingItem              IssueCode = "MISSING_ITEM"
	IssueAmbiguousItem            IssueCode = "AMBIGUOUS_ITEM"
	IssueItemNotFound             IssueCode = "ITEM_NOT_FOUND"
	IssueArithmeticMismatch       IssueCode = "ARITHMETIC_MISMATCH"
	IssueInvalidQuantity          IssueCode = "INVALID_QUANTITY"
	IssueInvalidPrice             IssueCode = "INVALID_PRICE"
	IssueInvalidGTIN              IssueCode = "INVALID_GTIN"
	IssueMissingRequiredField     IssueCode = "MISSING_REQUIRED_FIELD"
	IssueNoLineItems              IssueCode = "NO_LINE_ITEMS"
	IssueEmptySpreadsheet         IssueCode = "EMPTY_SPREADSHEET"
	IssueMultipleSheetCandidates  IssueCode = "MULTIPLE_SHEET_CANDIDATES"
	IssueMultipleHeaderCandidates IssueCode = "MULTIPLE_HEADER_CANDIDATES"
	IssueDuplicateLineItem        IssueCode = "DUPLICATE_LINE_ITEM"
	IssueCommitteeDisagreement    IssueCode = "COMMITTEE_DISAGREEMENT"
	IssueCommitteeUnavailable     IssueCode = "COMMITTEE_UNAVAILABLE"
	IssueLowConfidence            IssueCode = "LOW_CONFIDENCE"
	IssueCaseExpired              IssueCode = "CASE_EXPIRED"
	IssueParseFatal               IssueCode = "PARSE_FATAL"
)

// Severity orders issues by how hard they stop the pipeline.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityBlocker Severity = "blocker"
)

var severityRank = map[Severity]int{
	SeverityInfo:    0,
	SeverityWarning: 1,
	SeverityError:   2,
	SeverityBlocker: 3,
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// AtLeast reports whether s ranks at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// Issue is a structured problem attached to a case or an order. Evidence
// cells point at the workbook locations that triggered it.
type Issue struct {
	Code            IssueCode      `json:"code"`
	Severity        Severity       `json:"severity"`
	Message         string         `json:"message"`
	AffectedFields  []FieldKey     `json:"affected_fields,omitempty"`
	RowIndex        *int           `json:"row_index,omitempty"`
	Evidence        []EvidenceCell `json:"evidence,omitempty"`
	SuggestedAction string         `json:"suggested_action,omitempty"`
}

// NewIssue builds an issue with the given code, severity and message.
func NewIssue(code IssueCode, sev Severity, msg string) Issue {
	return Issue{Code: code, Severity: sev, Message: msg}
}

// WithField attaches an affected canonical field.
func (i Issue) WithField(f FieldKey) Issue {
	i.AffectedFields = append(i.AffectedFields, f)
	return i
}

// WithRow attaches the zero-based extracted row index.
func (i Issue) WithRow(row int) Issue {
	i.RowIndex = &row
	return i
}

// WithEvidence attaches source cells.
func (i Issue) WithEvidence(cells ...EvidenceCell) Issue {
	i.Evidence = append(i.Evidence, cells...)
	return i
}
