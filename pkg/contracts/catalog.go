package contracts

import "time"

// CatalogCustomer is a customer record mirrored from the accounting system.
type CatalogCustomer struct {
	ExternalID  string `json:"external_id"`
	DisplayName string `json:"display_name"`
	CompanyName string `json:"company_name,omitempty"`
	Email       string `json:"email,omitempty"`
	Active      bool   `json:"active"`
}

// Ref returns the catalog reference for the customer.
func (c CatalogCustomer) Ref() CatalogRef {
	return CatalogRef{ExternalID: c.ExternalID, Name: c.DisplayName}
}

// CatalogItem is an item record mirrored from the accounting system. Rate is
// the authoritative unit price; submitted orders always use it.
type CatalogItem struct {
	ExternalID string  `json:"external_id"`
	SKU        string  `json:"sku,omitempty"`
	GTIN       string  `json:"gtin,omitempty"`
	Name       string  `json:"name"`
	Rate       float64 `json:"rate"`
	Unit       string  `json:"unit,omitempty"`
	Active     bool    `json:"active"`
}

// Ref returns the catalog reference for the item.
func (i CatalogItem) Ref() CatalogRef {
	return CatalogRef{ExternalID: i.ExternalID, Name: i.Name}
}

// CatalogSnapshot is one fetched generation of the catalog with its origin
// metadata. Stale reports whether it was served past its freshness window.
type CatalogSnapshot struct {
	Customers []CatalogCustomer `json:"customers"`
	Items     []CatalogItem     `json:"items"`
	FetchedAt time.Time         `json:"fetched_at"`
	Stale     bool              `json:"stale"`
}
