// Package reward scores committed receipts: duplicate detection, fraud risk
// classification, trust-score adjustment, and credit/point awards.
package reward

import (
	"encoding/base64"
	"fmt"

	"github.com/checkthis/receipts/internal/scanning"
)

// Status is the verdict for one committed receipt. Exactly one applies.
type Status string

const (
	StatusAccepted          Status = "accepted"
	StatusPartiallyAccepted Status = "partially_accepted"
	StatusRejected          Status = "rejected"
	StatusFlagged           Status = "flagged"
)

// RiskLevel classifies the fraud risk of a submission
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Reward is what the user earns for a receipt
type Reward struct {
	ScanCreditsAwarded int    `json:"scan_credits_awarded"`
	PricePointsAwarded int    `json:"price_points_awarded"`
	Reason             string `json:"reason"`
}

// TrustScoreUpdate records the before/after trust score
type TrustScoreUpdate struct {
	PreviousScore float64 `json:"previous_score"`
	NewScore      float64 `json:"new_score"`
}

// FraudAnalysis summarizes the fraud findings for one receipt
type FraudAnalysis struct {
	DuplicateDetected  bool      `json:"duplicate_detected"`
	SuspiciousPatterns []string  `json:"suspicious_patterns"`
	RiskLevel          RiskLevel `json:"risk_level"`
}

// UserLimits tells the caller what the user may do next
type UserLimits struct {
	MaxDailyScans         int  `json:"max_daily_scans"`
	ReceiptUploadsAllowed bool `json:"receipt_uploads_allowed"`
}

// Analysis is the evaluator's output for one receipt
type Analysis struct {
	ReceiptStatus    Status           `json:"receipt_status"`
	Reward           Reward           `json:"reward"`
	TrustScoreUpdate TrustScoreUpdate `json:"trust_score_update"`
	FraudAnalysis    FraudAnalysis    `json:"fraud_analysis"`
	NextUserLimits   UserLimits       `json:"next_user_limits"`
	Notes            string           `json:"notes"`
}

// Fingerprint derives a deterministic duplicate-detection key from the
// immutable identity fields of a receipt: store, total, and purchase date.
func Fingerprint(meta scanning.ReceiptMeta) string {
	raw := fmt.Sprintf("%s-%v-%s", meta.StoreName, meta.ReceiptTotal, meta.PurchaseDate)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}
