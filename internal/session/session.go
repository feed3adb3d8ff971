package session

import (
	"fmt"
	"strings"
	"time"
)

// Sessions live for 30 days, refreshed on every successful read
const Duration = 30 * 24 * time.Hour

// DefaultFreeScans is the free receipt-scan quota granted to new accounts
const DefaultFreeScans = 3

// PlanTier is the subscription level of an account
type PlanTier string

const (
	PlanFree     PlanTier = "FREE"
	PlanPersonal PlanTier = "PERSONAL"
	PlanFamily   PlanTier = "FAMILY"
	PlanPro      PlanTier = "PRO"
)

// Role distinguishes regular users from operator accounts
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// ScanHistory counts committed receipts per outcome. Total increments on
// every commit; the outcome buckets are mutually exclusive.
type ScanHistory struct {
	Total    int `json:"total"`
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Fraud    int `json:"fraud"`
}

// UserState is the session/account record the pipeline gates on
type UserState struct {
	IsLoggedIn   bool     `json:"is_logged_in"`
	Plan         PlanTier `json:"plan"`
	Role         Role     `json:"role"`
	Email        string   `json:"email,omitempty"`
	Name         string   `json:"name,omitempty"`
	AuthProvider string   `json:"auth_provider,omitempty"`

	// SessionExpiry is an absolute deadline; reads slide it forward
	SessionExpiry time.Time `json:"session_expiry"`

	TrustScore       float64     `json:"trust_score"` // 0.0 - 1.0
	FreeReceiptScans int         `json:"free_receipt_scans"`
	ScanCredits      int         `json:"scan_credits"`
	PricePoints      int         `json:"price_points"`
	AccountAgeDays   int         `json:"account_age_days"`
	ScanHistory      ScanHistory `json:"scan_history"`
}

// IsAdmin reports whether this account bypasses quota gating
func (u *UserState) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// NewGuest creates a fresh anonymous session with the onboarding quota
func NewGuest(now time.Time) *UserState {
	return &UserState{
		IsLoggedIn:       false,
		Plan:             PlanFree,
		Role:             RoleUser,
		SessionExpiry:    now.Add(Duration),
		TrustScore:       0.5,
		FreeReceiptScans: DefaultFreeScans,
		AccountAgeDays:   1,
	}
}

// Login authenticates an email account. This is a stand-in for a real
// identity backend; the master admin and test-account rules are part of the
// recognized contract.
func Login(email, password string, now time.Time) (*UserState, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}

	lower := strings.ToLower(email)

	// Master account: quota and payment gates do not apply
	if lower == "admin@checkthis.co" {
		if password != "" && password != "admin" {
			return nil, fmt.Errorf("invalid password")
		}
		u := NewGuest(now)
		u.IsLoggedIn = true
		u.Email = email
		u.Name = "Admin User"
		u.Plan = PlanPro
		u.Role = RoleAdmin
		u.AuthProvider = "email"
		u.TrustScore = 1.0
		u.FreeReceiptScans = 9999
		u.ScanCredits = 9999
		return u, nil
	}

	u := NewGuest(now)
	u.IsLoggedIn = true
	u.Email = email
	u.AuthProvider = "email"
	if strings.Contains(lower, "test") {
		u.Name = "Test User"
	} else {
		u.Name = strings.SplitN(email, "@", 2)[0]
	}
	return u, nil
}

// SocialLogin authenticates through an external identity provider
func SocialLogin(provider string, now time.Time) (*UserState, error) {
	switch provider {
	case "google", "apple":
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}

	u := NewGuest(now)
	u.IsLoggedIn = true
	u.Email = fmt.Sprintf("user_%s@example.com", provider)
	u.Name = strings.ToUpper(provider[:1]) + provider[1:] + " User"
	u.AuthProvider = provider
	return u, nil
}

// Upgrade applies a successful checkout to the account
func Upgrade(user *UserState, plan PlanTier) (*UserState, error) {
	switch plan {
	case PlanPersonal, PlanFamily, PlanPro:
	default:
		return nil, fmt.Errorf("cannot upgrade to plan %s", plan)
	}
	upgraded := *user
	upgraded.Plan = plan
	return &upgraded, nil
}
