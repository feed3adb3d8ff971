package scanning

// Confidence is the OCR confidence level for an extracted value
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Category classifies a receipt line item
type Category string

const (
	CategoryFood      Category = "food"
	CategoryCosmetics Category = "cosmetics"
	CategoryHousehold Category = "household"
	CategoryOther     Category = "other"
)

// ReceiptMeta contains receipt-level metadata extracted from one image
type ReceiptMeta struct {
	StoreName    string     `json:"store_name"`
	StoreAddress string     `json:"store_address"`
	PurchaseDate string     `json:"purchase_date"` // ISO 8601 date, may be empty
	Currency     string     `json:"currency"`
	ReceiptTotal float64    `json:"receipt_total"`
	Country      string     `json:"country"` // caller-supplied context, not detected
	OCRQuality   Confidence `json:"ocr_quality"`
}

// ReceiptItem is one parsed receipt line
type ReceiptItem struct {
	RawName        string     `json:"raw_name"`
	NormalizedName string     `json:"normalized_name"` // price-index join key
	Brand          string     `json:"brand"`
	Quantity       float64    `json:"quantity"`
	UnitPrice      float64    `json:"unit_price"`
	TotalPrice     *float64   `json:"total_price"` // nil when OCR could not isolate it
	Category       Category   `json:"category"`
	Confidence     Confidence `json:"confidence"`
}

// EffectivePrice returns the per-unit price used for indexing. The unit price
// wins; a line total only counts when the quantity is exactly one.
func (i ReceiptItem) EffectivePrice() (float64, bool) {
	if i.UnitPrice > 0 {
		return i.UnitPrice, true
	}
	if i.TotalPrice != nil && i.Quantity == 1 {
		return *i.TotalPrice, true
	}
	return 0, false
}

// ReceiptData is the structured result of scanning one receipt
type ReceiptData struct {
	Meta     ReceiptMeta   `json:"receipt_meta"`
	Items    []ReceiptItem `json:"items"`
	Warnings []string      `json:"warnings,omitempty"` // non-fatal OCR caveats
}

// ItemsTotal sums the line totals that OCR managed to isolate
func (d *ReceiptData) ItemsTotal() float64 {
	var sum float64
	for _, item := range d.Items {
		if item.TotalPrice != nil {
			sum += *item.TotalPrice
		}
	}
	return sum
}

// Scanner defines the interface for receipt scanning operations
type Scanner interface {
	// ScanReceipt analyzes a receipt image/PDF and extracts structured line
	// items. country is a two-letter context code passed through to the model.
	ScanReceipt(imageData []byte, contentType string, country string) (*ReceiptData, error)
	// Close closes the scanner and releases resources
	Close() error
}
