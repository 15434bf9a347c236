package books

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
)

// fetchPageSize is the page size for catalog pulls. The API caps per_page
// at 200.
const fetchPageSize = 200

type contactWire struct {
	ContactID   string `json:"contact_id"`
	ContactName string `json:"contact_name"`
	CompanyName string `json:"company_name"`
	Email       string `json:"email"`
	Status      string `json:"status"`
}

type itemWire struct {
	ItemID string  `json:"item_id"`
	Name   string  `json:"name"`
	SKU    string  `json:"sku"`
	EAN    string  `json:"ean"`
	UPC    string  `json:"upc"`
	Rate   float64 `json:"rate"`
	Unit   string  `json:"unit"`
	Status string  `json:"status"`
}

// FetchCustomers pulls every customer contact, walking the pagination.
// Client implements the catalog source this way.
func (c *Client) FetchCustomers(ctx context.Context) ([]contracts.CatalogCustomer, error) {
	var out []contracts.CatalogCustomer
	for page := 1; ; page++ {
		query := url.Values{}
		query.Set("contact_type", "customer")
		query.Set("page", strconv.Itoa(page))
		query.Set("per_page", strconv.Itoa(fetchPageSize))

		env, err := c.do(ctx, http.MethodGet, "/contacts", query, nil)
		if err != nil {
			return nil, fmt.Errorf("books: fetch customers page %d: %w", page, err)
		}
		var chunk []contactWire
		if err := json.Unmarshal(env.Contacts, &chunk); err != nil {
			return nil, fmt.Errorf("books: decode contacts page %d: %w", page, err)
		}
		for _, w := range chunk {
			out = append(out, contracts.CatalogCustomer{
				ExternalID:  w.ContactID,
				DisplayName: w.ContactName,
				CompanyName: w.CompanyName,
				Email:       w.Email,
				Active:      w.Status == "active",
			})
		}
		if !env.PageContext.HasMorePage {
			break
		}
	}
	c.log.InfoContext(ctx, "customer catalog fetched", "customers", len(out))
	return out, nil
}

// FetchItems pulls every item, walking the pagination. EAN is preferred as
// the GTIN; UPC fills in when EAN is absent.
func (c *Client) FetchItems(ctx context.Context) ([]contracts.CatalogItem, error) {
	var out []contracts.CatalogItem
	for page := 1; ; page++ {
		query := url.Values{}
		query.Set("page", strconv.Itoa(page))
		query.Set("per_page", strconv.Itoa(fetchPageSize))

		env, err := c.do(ctx, http.MethodGet, "/items", query, nil)
		if err != nil {
			return nil, fmt.Errorf("books: fetch items page %d: %w", page, err)
		}
		var chunk []itemWire
		if err := json.Unmarshal(env.Items, &chunk); err != nil {
			return nil, fmt.Errorf("books: decode items page %d: %w", page, err)
		}
		for _, w := range chunk {
			gtin := w.EAN
			if gtin == "" {
				gtin = w.UPC
			}
			out = append(out, contracts.CatalogItem{
				ExternalID: w.ItemID,
				SKU:        w.SKU,
				GTIN:       gtin,
				Name:       w.Name,
				Rate:       w.Rate,
				Unit:       w.Unit,
				Active:     w.Status == "active",
			})
		}
		if !env.PageContext.HasMorePage {
			break
		}
	}
	c.log.InfoContext(ctx, "item catalog fetched", "items", len(out))
	return out, nil
}
