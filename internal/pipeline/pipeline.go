// Package pipeline sequences the receipt flow: OCR extraction, user-facing
// preview, auth/quota gating, and the commit that applies reward and
// price-index effects.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/checkthis/receipts/internal/priceindex"
	"github.com/checkthis/receipts/internal/reward"
	"github.com/checkthis/receipts/internal/scanning"
	"github.com/checkthis/receipts/internal/session"
)

// State is the single explicit pipeline state. Contradictory flag
// combinations (two gates open at once) are unrepresentable.
type State string

const (
	StateIdle           State = "idle"
	StateExtracting     State = "extracting"
	StatePreviewPending State = "preview_pending"
	StateAuthGate       State = "auth_gate"
	StateQuotaGate      State = "quota_gate"
	StateCommitting     State = "committing"
)

var (
	// ErrScanInFlight rejects a submission while another is extracting
	ErrScanInFlight = errors.New("a receipt scan is already in flight")

	// ErrScanCanceled marks a scan whose outcome was discarded because the
	// pipeline moved on (cancel, logout) while extraction ran
	ErrScanCanceled = errors.New("scan canceled")

	// ErrNothingPending marks unlock-style calls with no pending receipt.
	// Callers treat it as a no-op, not a failure.
	ErrNothingPending = errors.New("no pending receipt")

	// ErrLoginRequired marks a plan upgrade attempted by a guest
	ErrLoginRequired = errors.New("login required")
)

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Evaluator produces the reward/fraud verdict at commit time
type Evaluator interface {
	Evaluate(data *scanning.ReceiptData, user *session.UserState, fingerprint string) (*reward.Analysis, error)
}

// Result is the user-visible outcome of a committed receipt
type Result struct {
	Receipt *scanning.ReceiptData `json:"receipt"`
	Reward  *reward.Analysis      `json:"reward"`
}

// Pipeline owns the single pending-receipt slot and the session record.
// A mutex serializes all operations: the state machine is single-writer
// even when driven by a concurrent HTTP server.
type Pipeline struct {
	scanner   scanning.Scanner
	sessions  session.Store
	prices    priceindex.Writer
	evaluator Evaluator
	clock     TimeSource
	country   string

	mu      sync.Mutex
	state   State
	user    *session.UserState
	pending *scanning.ReceiptData
	result  *Result
}

// New creates a Pipeline and loads (or creates) the session record
func New(scanner scanning.Scanner, sessions session.Store, prices priceindex.Writer, evaluator Evaluator, country string) (*Pipeline, error) {
	return NewWithClock(scanner, sessions, prices, evaluator, country, &defaultTimeSource{})
}

// NewWithClock creates a Pipeline with a custom time source for testing
func NewWithClock(scanner scanning.Scanner, sessions session.Store, prices priceindex.Writer, evaluator Evaluator, country string, clock TimeSource) (*Pipeline, error) {
	user, err := sessions.Init(clock.Now())
	if err != nil {
		return nil, fmt.Errorf("initializing session: %w", err)
	}
	return &Pipeline{
		scanner:   scanner,
		sessions:  sessions,
		prices:    prices,
		evaluator: evaluator,
		clock:     clock,
		country:   country,
		state:     StateIdle,
		user:      user,
	}, nil
}

// State returns the current pipeline state
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// User returns a copy of the current session record
func (p *Pipeline) User() session.UserState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.user
}

// Result returns the outcome of the last committed receipt, or nil
func (p *Pipeline) Result() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Pending returns the receipt waiting for a gate, or nil
func (p *Pipeline) Pending() *scanning.ReceiptData {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// PriceHistory exposes the price index to the read-only API surface
func (p *Pipeline) PriceHistory(productName string) ([]priceindex.PriceRecord, error) {
	return p.prices.ProductHistory(productName)
}

// Submit runs OCR extraction on a receipt image. On success the result is
// held as the pending analysis and previewed to the user without any gating
// check yet. country overrides the configured country context when non-empty.
func (p *Pipeline) Submit(image []byte, contentType string, country string) (*scanning.ReceiptData, error) {
	p.mu.Lock()
	if p.state == StateExtracting {
		p.mu.Unlock()
		return nil, ErrScanInFlight
	}
	if country == "" {
		country = p.country
	}
	p.transition(StateExtracting)
	p.mu.Unlock()

	// The scan is the pipeline's only suspension point. It runs outside the
	// lock so other operations stay responsive; StateExtracting reserves the
	// pending slot against racing submissions.
	data, err := p.scanner.ScanReceipt(image, contentType, country)

	p.mu.Lock()
	defer p.mu.Unlock()

	// Cancel or logout during the scan moved the pipeline on; the outcome
	// of this scan is discarded.
	if p.state != StateExtracting {
		return nil, ErrScanCanceled
	}

	if err != nil {
		// Terminal for this submission: no partial state retained
		p.pending = nil
		p.transition(StateIdle)
		return nil, fmt.Errorf("extracting receipt: %w", err)
	}

	p.pending = data
	p.result = nil
	p.transition(StatePreviewPending)
	return data, nil
}

// Unlock advances the pending receipt through the gates. Without a pending
// receipt it returns ErrNothingPending. A nil Result with nil error means a
// gate opened; the caller reads State to see which.
func (p *Pipeline) Unlock() (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending == nil {
		return nil, ErrNothingPending
	}

	if !p.user.IsLoggedIn {
		p.transition(StateAuthGate)
		return nil, nil
	}
	if p.quotaExhausted(p.user) {
		p.transition(StateQuotaGate)
		return nil, nil
	}
	return p.commit()
}

// Login authenticates and resumes a pending receipt if one exists. It works
// from any state: a user who closed the auth gate and logs in through
// another path still has their pending receipt honored.
func (p *Pipeline) Login(email, password string) (*session.UserState, *Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	user, err := session.Login(email, password, p.clock.Now())
	if err != nil {
		return nil, nil, err
	}
	return p.finishAuth(user)
}

// SocialLogin authenticates through an identity provider, then resumes like Login
func (p *Pipeline) SocialLogin(provider string) (*session.UserState, *Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	user, err := session.SocialLogin(provider, p.clock.Now())
	if err != nil {
		return nil, nil, err
	}
	return p.finishAuth(user)
}

func (p *Pipeline) finishAuth(user *session.UserState) (*session.UserState, *Result, error) {
	p.user = user
	p.persistSession()

	if p.pending == nil {
		// A scan still extracting keeps its state; login alone only
		// settles the pipeline when nothing is running
		if p.state != StateExtracting {
			p.transition(StateIdle)
		}
		return user, nil, nil
	}

	// Re-evaluate quota for the now-authenticated user
	if p.quotaExhausted(user) {
		p.transition(StateQuotaGate)
		return user, nil, nil
	}
	result, err := p.commit()
	return p.user, result, err
}

// Upgrade applies a successful checkout and resumes a pending receipt
func (p *Pipeline) Upgrade(plan session.PlanTier) (*session.UserState, *Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.user.IsLoggedIn {
		return nil, nil, ErrLoginRequired
	}
	upgraded, err := session.Upgrade(p.user, plan)
	if err != nil {
		return nil, nil, err
	}
	p.user = upgraded
	p.persistSession()

	if p.pending == nil {
		if p.state != StateExtracting {
			p.transition(StateIdle)
		}
		return upgraded, nil, nil
	}
	result, err := p.commit()
	return p.user, result, err
}

// CloseGate leaves an open gate without completing it. The pending receipt
// is retained so a later login or upgrade can still honor it.
func (p *Pipeline) CloseGate() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateAuthGate && p.state != StateQuotaGate {
		return
	}
	if p.pending != nil {
		p.transition(StatePreviewPending)
	} else {
		p.transition(StateIdle)
	}
}

// Cancel is a user-initiated close: the pending receipt is discarded
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = nil
	p.transition(StateIdle)
}

// Logout clears the session to a fresh guest and discards any pending receipt
func (p *Pipeline) Logout() (*session.UserState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	guest, err := p.sessions.Clear(p.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("clearing session: %w", err)
	}
	p.user = guest
	p.pending = nil
	p.result = nil
	p.transition(StateIdle)
	return guest, nil
}

// quotaExhausted reports whether the quota gate applies. Admin accounts
// bypass quota checks entirely regardless of plan.
func (p *Pipeline) quotaExhausted(user *session.UserState) bool {
	if user.IsAdmin() {
		return false
	}
	return user.Plan == session.PlanFree && user.FreeReceiptScans <= 0
}

// commit consumes the pending receipt exactly once: price-index write
// (best effort), reward evaluation (fatal on failure), then one atomic user
// mutation. Callers must hold the mutex.
func (p *Pipeline) commit() (*Result, error) {
	data := p.pending
	p.transition(StateCommitting)

	// Consume the slot before side effects so repeated unlocks are no-ops
	p.pending = nil

	// Price indexing is a side benefit, never a reason to fail the commit
	if _, err := p.prices.SavePrices(data); err != nil {
		slog.Warn("Price index write failed", "store", data.Meta.StoreName, "error", err)
	}

	fingerprint := reward.Fingerprint(data.Meta)
	analysis, err := p.evaluator.Evaluate(data, p.user, fingerprint)
	if err != nil {
		p.transition(StateIdle)
		return nil, fmt.Errorf("evaluating receipt: %w", err)
	}

	// Quota decrement, rewards, trust and history counters apply as one
	// state transition
	updated := *p.user
	if updated.Plan == session.PlanFree && !updated.IsAdmin() && updated.FreeReceiptScans > 0 {
		updated.FreeReceiptScans--
	}
	updated.ScanCredits += analysis.Reward.ScanCreditsAwarded
	updated.PricePoints += analysis.Reward.PricePointsAwarded
	updated.TrustScore = analysis.TrustScoreUpdate.NewScore
	updated.ScanHistory.Total++
	switch analysis.ReceiptStatus {
	case reward.StatusAccepted:
		updated.ScanHistory.Accepted++
	case reward.StatusRejected:
		updated.ScanHistory.Rejected++
	case reward.StatusFlagged:
		updated.ScanHistory.Fraud++
	}
	p.user = &updated
	p.persistSession()

	p.result = &Result{Receipt: data, Reward: analysis}
	p.transition(StateIdle)
	return p.result, nil
}

// persistSession saves the session record; failures are logged and swallowed
// so a successful commit is never aborted by a storage hiccup
func (p *Pipeline) persistSession() {
	if err := p.sessions.Persist(p.user, p.clock.Now()); err != nil {
		slog.Warn("Session persist failed", "error", err)
	}
}

func (p *Pipeline) transition(next State) {
	if p.state != next {
		slog.Debug("Pipeline transition", "from", p.state, "to", next)
	}
	p.state = next
}
