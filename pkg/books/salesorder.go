package books

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// CaseIDFieldName is the custom field that ties a sales order back to the
// case that produced it.
const CaseIDFieldName = "cf_case_id"

// SalesOrderLine is one order line. Rate is always the catalog price.
type SalesOrderLine struct {
	ItemID   string  `json:"item_id"`
	Quantity float64 `json:"quantity"`
	Rate     float64 `json:"rate"`
}

// CustomField is a configured extra field on the order.
type CustomField struct {
	APIName string `json:"api_name"`
	Value   string `json:"value"`
}

// SalesOrderRequest is the create payload.
type SalesOrderRequest struct {
	CustomerID      string           `json:"customer_id"`
	ReferenceNumber string           `json:"reference_number,omitempty"`
	Date            string           `json:"date,omitempty"`
	LineItems       []SalesOrderLine `json:"line_items"`
	CustomFields    []CustomField    `json:"custom_fields,omitempty"`
	Notes           string           `json:"notes,omitempty"`
}

// SalesOrder is the created order as the API reports it.
type SalesOrder struct {
	SalesOrderID     string  `json:"salesorder_id"`
	SalesOrderNumber string  `json:"salesorder_number"`
	Status           string  `json:"status"`
	Total            float64 `json:"total"`
}

// DraftOrder attaches the case id and builds a create payload. Quantities
// and rates must already be resolved against the catalog.
func DraftOrder(caseID, customerID string, lines []SalesOrderLine) *SalesOrderRequest {
	return &SalesOrderRequest{
		CustomerID:      customerID,
		ReferenceNumber: caseID,
		LineItems:       lines,
		CustomFields:    []CustomField{{APIName: CaseIDFieldName, Value: caseID}},
	}
}

// CreateDraftSalesOrder creates the order without confirming it, so it lands
// in draft status for human review. A stale token is refreshed and the call
// retried once inside this method.
func (c *Client) CreateDraftSalesOrder(ctx context.Context, req *SalesOrderRequest) (*SalesOrder, error) {
	if req.CustomerID == "" {
		return nil, fmt.Errorf("books: sales order needs a customer id")
	}
	if len(req.LineItems) == 0 {
		return nil, fmt.Errorf("books: sales order needs at least one line")
	}

	env, err := c.do(ctx, http.MethodPost, "/salesorders", nil, req)
	if err != nil {
		return nil, err
	}
	var order SalesOrder
	if err := json.Unmarshal(env.SalesOrder, &order); err != nil {
		return nil, fmt.Errorf("books: decode sales order: %w", err)
	}
	if order.SalesOrderID == "" {
		return nil, fmt.Errorf("books: response carried no sales order id")
	}
	c.log.InfoContext(ctx, "draft sales order created",
		"salesorder_id", order.SalesOrderID,
		"salesorder_number", order.SalesOrderNumber,
		"status", order.Status)
	return &order, nil
}
