package scanning

import (
	"github.com/google/generative-ai-go/genai"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("NewGemini", func() {
	It("requires an API key", func() {
		_, err := NewGemini("", "")
		Expect(err).To(MatchError(ContainSubstring("api key")))
	})

	It("configures the model for structured JSON output", func() {
		g, err := NewGemini("test-key", "")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(g.Close)

		Expect(g.model.ResponseMIMEType).To(Equal("application/json"))
		Expect(g.model.ResponseSchema).NotTo(BeNil())
		Expect(g.model.ResponseSchema.Type).To(Equal(genai.TypeObject))
		Expect(g.model.ResponseSchema.Required).To(ContainElements(
			"store_name", "purchase_date", "currency", "items", "receipt_total",
		))
	})

	It("constrains line item categories and confidence to the known values", func() {
		schema := receiptResponseSchema()
		items := schema.Properties["items"].Items
		Expect(items.Properties["category"].Enum).To(ConsistOf("food", "cosmetics", "household", "other"))
		Expect(items.Properties["confidence"].Enum).To(ConsistOf("high", "medium", "low"))
		Expect(items.Required).To(ContainElements("raw_name", "quantity", "unit_price"))
	})
})
