package scanning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini implements the Scanner interface using Google Gemini
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini Scanner instance
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	// Constrain the model to emit JSON matching the wire contract instead of
	// relying on the prompt alone. parseReceiptJSON still validates the result.
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = receiptResponseSchema()

	return &Gemini{
		client: client,
		model:  model,
	}, nil
}

// ScanReceipt analyzes a receipt and extracts structured line items. A single
// attempt is made; failures are terminal for the submission.
func (g *Gemini) ScanReceipt(imageData []byte, contentType string, country string) (*ReceiptData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Normalize resolution and payload size before transmission
	finalImageData, err := prepareImage(imageData, contentType)
	if err != nil {
		return nil, err
	}

	// prepareImage always re-encodes as JPEG, so the format suffix is fixed
	parts := []genai.Part{
		genai.ImageData("jpeg", finalImageData),
		genai.Text(fmt.Sprintf(receiptScanPrompt, country)),
	}

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("no response from gemini")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	data, err := parseReceiptJSON(responseText.String(), country)
	if err != nil {
		return nil, fmt.Errorf("parsing receipt data: %w", err)
	}

	return data, nil
}

// receiptResponseSchema mirrors the JSON contract embedded in the prompt.
// Passed as the response schema so the API enforces the shape server-side.
func receiptResponseSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"store_name":    {Type: genai.TypeString},
			"store_address": {Type: genai.TypeString},
			"purchase_date": {Type: genai.TypeString, Description: "ISO 8601 date, YYYY-MM-DD"},
			"currency":      {Type: genai.TypeString, Description: "ISO 4217 currency code"},
			"items": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"raw_name":        {Type: genai.TypeString},
						"normalized_name": {Type: genai.TypeString},
						"brand":           {Type: genai.TypeString},
						"quantity":        {Type: genai.TypeNumber},
						"unit_price":      {Type: genai.TypeNumber},
						"total_price":     {Type: genai.TypeNumber, Nullable: true},
						"category": {
							Type: genai.TypeString,
							Enum: []string{"food", "cosmetics", "household", "other"},
						},
						"confidence": {
							Type: genai.TypeString,
							Enum: []string{"high", "medium", "low"},
						},
					},
					Required: []string{"raw_name", "normalized_name", "quantity", "unit_price", "category", "confidence"},
				},
			},
			"receipt_total": {Type: genai.TypeNumber},
		},
		Required: []string{"store_name", "purchase_date", "currency", "items", "receipt_total"},
	}
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
