package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // Register GIF decoder
	"image/jpeg"
	_ "image/png" // Register PNG decoder
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
	"golang.org/x/image/draw"
)

// Payload normalization targets. Receipts photographed on phones routinely
// arrive as 12MP images; the model does not need more than this.
const (
	maxLongEdge = 1200
	jpegQuality = 70
)

// receiptScanPrompt is the shared extraction prompt used by all LLM providers.
// The target JSON schema is embedded in the prompt text; %s is the two-letter
// country context.
const receiptScanPrompt = `You are the receipt OCR engine of a shopping analysis service. Carefully read all text in the image of a purchase receipt and extract structured data.

Country context: %s

Extract:
1. **Store name and address**: the merchant name printed in the receipt header, and the address line if present.
2. **Purchase date**: the transaction date, converted to ISO 8601 (YYYY-MM-DD).
3. **Currency**: the ISO 4217 currency code implied by the receipt (e.g. "PLN", "EUR", "USD").
4. **Line items**: every purchased product. For each, map the "dirty" abbreviated receipt text to a clean canonical product name (e.g. "KRAKUS OGORKI 0,86" -> "Krakus Ogorki Kiszone 860g").
5. **Receipt total**: the final grand total.

Return ONLY valid JSON in this exact format:
{
  "store_name": "...",
  "store_address": "...",
  "purchase_date": "YYYY-MM-DD",
  "currency": "PLN",
  "items": [
    {
      "raw_name": "verbatim receipt text",
      "normalized_name": "clean product name",
      "brand": "brand or Unknown",
      "quantity": 1,
      "unit_price": 0.00,
      "total_price": 0.00,
      "category": "food|cosmetics|household|other",
      "confidence": "high|medium|low"
    }
  ],
  "receipt_total": 0.00
}

Important:
- Prices are plain numbers, never display strings
- confidence reflects how certain you are about that line's name and price
- If a line total cannot be isolated, use null for total_price
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// pdfToImage renders the first page of a PDF (most receipts are single page)
func pdfToImage(pdfData []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

// isHEICFormat checks if the image data is in HEIC/HEIF format by magic bytes
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	if string(data[4:8]) == "ftyp" {
		brand := string(data[8:12])
		if brand == "heic" || brand == "heif" || brand == "mif1" || brand == "msf1" {
			return true
		}
	}
	return false
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// decodeImage decodes PDF, HEIC, or any stdlib-supported image format
func decodeImage(imageData []byte, mimeType string) (image.Image, error) {
	if mimeType == "application/pdf" {
		return pdfToImage(imageData)
	}

	// HEIC is common on iPhones and not supported by the standard image package
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err := heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") || strings.Contains(err.Error(), "unsupported") {
			return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF. Error: %w", err)
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// downscale resizes so the long edge is at most maxLongEdge, preserving
// aspect ratio. Images already within bounds pass through untouched.
func downscale(img image.Image) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	long := w
	if h > long {
		long = h
	}
	if long <= maxLongEdge {
		return img
	}

	scale := float64(maxLongEdge) / float64(long)
	dw := int(float64(w) * scale)
	dh := int(float64(h) * scale)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}

// prepareImage normalizes a receipt upload before transmission: decodes
// PDF/HEIC/standard formats, bounds the resolution, and re-encodes as
// compressed JPEG so payload size and latency stay bounded.
func prepareImage(imageData []byte, contentType string) ([]byte, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "" {
		mimeType = "image/jpeg" // default
	}

	img, err := decodeImage(imageData, mimeType)
	if err != nil {
		return nil, err
	}

	img = downscale(img)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encoding JPEG: %w", err)
	}
	return buf.Bytes(), nil
}
