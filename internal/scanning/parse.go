package scanning

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// wireReceipt mirrors the JSON schema the model is asked to produce. Required
// fields are pointers so a missing key is distinguishable from a zero value.
type wireReceipt struct {
	StoreName    *string    `json:"store_name" validate:"required"`
	StoreAddress string     `json:"store_address"`
	PurchaseDate *string    `json:"purchase_date" validate:"required"`
	Currency     *string    `json:"currency" validate:"required"`
	Items        []wireItem `json:"items" validate:"omitempty,dive"`
	ReceiptTotal *float64   `json:"receipt_total" validate:"required"`
}

type wireItem struct {
	RawName        string   `json:"raw_name" validate:"required"`
	NormalizedName string   `json:"normalized_name"`
	Brand          string   `json:"brand"`
	Quantity       float64  `json:"quantity"`
	UnitPrice      float64  `json:"unit_price"`
	TotalPrice     *float64 `json:"total_price"`
	Category       string   `json:"category" validate:"omitempty,oneof=food cosmetics household other"`
	Confidence     string   `json:"confidence" validate:"required,oneof=high medium low"`
}

// parseReceiptJSON parses and validates the JSON response from the model,
// synthesizing the full ReceiptData shape from the subset the model returns.
func parseReceiptJSON(text string, country string) (*ReceiptData, error) {
	text = strings.TrimSpace(text)

	// Remove markdown code blocks if present
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	// Find the JSON object boundaries - look for first { and last }
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}

	text = text[startIdx : endIdx+1]

	var wire wireReceipt
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	if err := validate.Struct(&wire); err != nil {
		return nil, fmt.Errorf("response missing required fields: %w", err)
	}
	// A present-but-empty items array is a valid (if useless) scan; a missing
	// key is a schema violation
	if wire.Items == nil {
		return nil, fmt.Errorf("response missing required field items")
	}

	data := &ReceiptData{
		Meta: ReceiptMeta{
			StoreName:    strings.TrimSpace(*wire.StoreName),
			StoreAddress: strings.TrimSpace(wire.StoreAddress),
			Currency:     strings.ToUpper(strings.TrimSpace(*wire.Currency)),
			ReceiptTotal: *wire.ReceiptTotal,
			Country:      country,
		},
	}

	date, ok := normalizeDate(*wire.PurchaseDate)
	data.Meta.PurchaseDate = date
	if !ok && strings.TrimSpace(*wire.PurchaseDate) != "" {
		data.Warnings = append(data.Warnings, fmt.Sprintf("unrecognized purchase date %q", *wire.PurchaseDate))
	}

	for _, wi := range wire.Items {
		item := ReceiptItem{
			RawName:        strings.TrimSpace(wi.RawName),
			NormalizedName: strings.TrimSpace(wi.NormalizedName),
			Brand:          strings.TrimSpace(wi.Brand),
			Quantity:       wi.Quantity,
			UnitPrice:      wi.UnitPrice,
			TotalPrice:     wi.TotalPrice,
			Category:       Category(wi.Category),
			Confidence:     Confidence(wi.Confidence),
		}
		if item.Brand == "" {
			item.Brand = "Unknown"
		}
		if item.Category == "" {
			item.Category = CategoryOther
		}
		if item.Quantity <= 0 {
			item.Quantity = 1
			data.Warnings = append(data.Warnings, fmt.Sprintf("item %q had no quantity, assuming 1", item.RawName))
		}
		data.Items = append(data.Items, item)
	}

	data.Meta.OCRQuality = deriveQuality(data.Items)

	if mismatch := totalMismatch(data); mismatch {
		data.Warnings = append(data.Warnings, "receipt total does not match the sum of line items")
	}

	return data, nil
}

// normalizeDate converts common receipt date formats to ISO 8601. An empty or
// unparseable date stays empty; downstream consumers default it to "now".
func normalizeDate(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", true
	}
	formats := []string{
		"2006-01-02",
		"2006/01/02",
		"01/02/2006",
		"02-01-2006",
		"02.01.2006",
	}
	for _, format := range formats {
		if d, err := time.Parse(format, raw); err == nil {
			return d.Format("2006-01-02"), true
		}
	}
	return "", false
}

// deriveQuality grades the scan from the item-confidence distribution
func deriveQuality(items []ReceiptItem) Confidence {
	if len(items) == 0 {
		return ConfidenceLow
	}
	var high, low int
	for _, item := range items {
		switch item.Confidence {
		case ConfidenceHigh:
			high++
		case ConfidenceLow:
			low++
		}
	}
	n := float64(len(items))
	switch {
	case float64(low)/n >= 0.5:
		return ConfidenceLow
	case float64(high)/n >= 0.5:
		return ConfidenceHigh
	default:
		return ConfidenceMedium
	}
}

// totalMismatch reports whether the printed total diverges from the item sum
// by more than 25%. OCR noise is expected, so this is surfaced as a warning
// rather than a rejection.
func totalMismatch(data *ReceiptData) bool {
	itemSum := data.ItemsTotal()
	if itemSum == 0 || data.Meta.ReceiptTotal == 0 {
		return false
	}
	diff := math.Abs(itemSum - data.Meta.ReceiptTotal)
	return diff/math.Max(itemSum, data.Meta.ReceiptTotal) > 0.25
}
