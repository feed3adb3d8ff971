// Package priceindex maintains the shared price history: a bounded,
// append-only sequence of per-unit price observations keyed by normalized
// product name.
package priceindex

import (
	"time"

	"github.com/checkthis/receipts/internal/scanning"
)

// DefaultCap is the retention window of the price history
const DefaultCap = 2000

// Source records where a price observation came from
type Source string

const (
	SourceReceiptOCR Source = "receipt_ocr"
	SourceUserInput  Source = "user_input"
)

// PriceRecord is one persisted price observation
type PriceRecord struct {
	ID          string            `json:"id"`
	ProductName string            `json:"product_name"` // normalized name
	Brand       string            `json:"brand"`
	Category    scanning.Category `json:"category"`
	StoreName   string            `json:"store_name"`
	Date        string            `json:"date"` // ISO 8601 purchase date
	Price       float64           `json:"price"`
	Currency    string            `json:"currency"`
	Source      Source            `json:"source"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Writer persists price observations extracted from receipts
type Writer interface {
	// SavePrices filters the receipt's items and appends price records,
	// returning the number actually written. Failures here are best-effort
	// from the pipeline's perspective.
	SavePrices(data *scanning.ReceiptData) (int, error)

	// ProductHistory returns recorded prices whose product name contains the
	// given name, oldest first
	ProductHistory(productName string) ([]PriceRecord, error)
}
