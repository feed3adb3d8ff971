package reward

import (
	"fmt"
	"math"

	"github.com/checkthis/receipts/internal/scanning"
	"github.com/checkthis/receipts/internal/session"
)

// Config holds the tunable scoring knobs. Thresholds and award amounts are
// configuration, not business constants.
type Config struct {
	// TrustStep bounds how far one receipt can move the trust score
	TrustStep float64

	// Awards for a fully accepted receipt
	ScanCreditsAwarded int
	PricePointsAwarded int

	// Points for a partially accepted receipt (no credits)
	PartialPricePoints int

	// Fraction of low-confidence items at which a receipt is only partially
	// accepted
	LowConfidenceThreshold float64

	// Relative divergence between receipt total and item sum that counts as
	// a suspicious mismatch
	TotalMismatchTolerance float64

	MaxDailyScans int
}

// DefaultConfig returns the stock scoring configuration
func DefaultConfig() Config {
	return Config{
		TrustStep:              0.02,
		ScanCreditsAwarded:     1,
		PricePointsAwarded:     50,
		PartialPricePoints:     25,
		LowConfidenceThreshold: 0.5,
		TotalMismatchTolerance: 0.25,
		MaxDailyScans:          10,
	}
}

// Evaluator produces the reward/fraud verdict for committed receipts
type Evaluator struct {
	history History
	config  Config
}

// NewEvaluator creates an Evaluator backed by the given fingerprint history
func NewEvaluator(history History, config Config) *Evaluator {
	return &Evaluator{history: history, config: config}
}

// userKey identifies the account in the fingerprint history
func userKey(user *session.UserState) string {
	if user.Email != "" {
		return user.Email
	}
	return "guest"
}

// Evaluate scores one receipt for one user. The fingerprint must come from
// Fingerprint on the same receipt.
func (e *Evaluator) Evaluate(data *scanning.ReceiptData, user *session.UserState, fingerprint string) (*Analysis, error) {
	key := userKey(user)

	duplicate, err := e.history.Accepted(key, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("checking fingerprint history: %w", err)
	}

	patterns := e.suspiciousPatterns(data, duplicate)
	status, reason := e.classify(data, duplicate, patterns)

	analysis := &Analysis{
		ReceiptStatus: status,
		FraudAnalysis: FraudAnalysis{
			DuplicateDetected:  duplicate,
			SuspiciousPatterns: patterns,
			RiskLevel:          riskLevel(duplicate, patterns),
		},
		NextUserLimits: UserLimits{
			MaxDailyScans:         e.config.MaxDailyScans,
			ReceiptUploadsAllowed: status != StatusFlagged,
		},
		Notes: reason,
	}

	switch status {
	case StatusAccepted:
		analysis.Reward = Reward{
			ScanCreditsAwarded: e.config.ScanCreditsAwarded,
			PricePointsAwarded: e.config.PricePointsAwarded,
			Reason:             reason,
		}
		analysis.TrustScoreUpdate = trustUpdate(user.TrustScore, e.config.TrustStep)
		if err := e.history.MarkAccepted(key, fingerprint); err != nil {
			return nil, fmt.Errorf("recording fingerprint: %w", err)
		}
	case StatusPartiallyAccepted:
		analysis.Reward = Reward{
			PricePointsAwarded: e.config.PartialPricePoints,
			Reason:             reason,
		}
		analysis.TrustScoreUpdate = trustUpdate(user.TrustScore, e.config.TrustStep/2)
		if err := e.history.MarkAccepted(key, fingerprint); err != nil {
			return nil, fmt.Errorf("recording fingerprint: %w", err)
		}
	default: // rejected or flagged: zero reward, trust moves toward zero
		analysis.Reward = Reward{Reason: reason}
		analysis.TrustScoreUpdate = trustUpdate(user.TrustScore, -e.config.TrustStep)
	}

	return analysis, nil
}

// suspiciousPatterns collects human-readable fraud findings
func (e *Evaluator) suspiciousPatterns(data *scanning.ReceiptData, duplicate bool) []string {
	patterns := []string{}
	if duplicate {
		patterns = append(patterns, "receipt fingerprint was already accepted for this user")
	}
	if e.mismatch(data) {
		patterns = append(patterns, fmt.Sprintf("receipt total %.2f diverges from item sum %.2f", data.Meta.ReceiptTotal, data.ItemsTotal()))
	}
	if data.Meta.PurchaseDate == "" {
		patterns = append(patterns, "receipt carries no readable purchase date")
	}
	return patterns
}

func (e *Evaluator) classify(data *scanning.ReceiptData, duplicate bool, patterns []string) (Status, string) {
	if duplicate {
		// A duplicate is never accepted. Extra findings on top escalate it
		// from a plain rejection to a flag.
		if len(patterns) > 1 {
			return StatusFlagged, "Duplicate receipt with additional suspicious findings."
		}
		return StatusRejected, "This receipt was already submitted."
	}

	usable := 0
	low := 0
	for _, item := range data.Items {
		if item.Confidence == scanning.ConfidenceLow {
			low++
			continue
		}
		if item.NormalizedName != "" {
			usable++
		}
	}

	if usable == 0 {
		return StatusRejected, "No readable items on the receipt."
	}

	lowFraction := float64(low) / float64(len(data.Items))
	if lowFraction >= e.config.LowConfidenceThreshold {
		return StatusPartiallyAccepted, "Accepted with reduced reward: many items were unreadable."
	}
	if e.mismatch(data) {
		return StatusPartiallyAccepted, "Accepted with reduced reward: total does not match items."
	}

	return StatusAccepted, "Valid receipt processed."
}

// mismatch reports an implausible total-vs-items divergence
func (e *Evaluator) mismatch(data *scanning.ReceiptData) bool {
	itemSum := data.ItemsTotal()
	total := data.Meta.ReceiptTotal
	if itemSum == 0 || total == 0 {
		return false
	}
	return math.Abs(itemSum-total)/math.Max(itemSum, total) > e.config.TotalMismatchTolerance
}

func riskLevel(duplicate bool, patterns []string) RiskLevel {
	switch {
	case duplicate && len(patterns) > 1:
		return RiskHigh
	case duplicate || len(patterns) > 1:
		return RiskMedium
	case len(patterns) > 0:
		return RiskMedium
	default:
		return RiskLow
	}
}

// trustUpdate moves the score by delta, clamped to [0, 1]
func trustUpdate(previous, delta float64) TrustScoreUpdate {
	next := previous + delta
	if next > 1 {
		next = 1
	}
	if next < 0 {
		next = 0
	}
	return TrustScoreUpdate{PreviousScore: previous, NewScore: next}
}
