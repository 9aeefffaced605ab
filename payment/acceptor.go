package payment

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ActivationNotifier is invoked exactly once, the moment a request first
// reaches CONFIRMED, so a caller can gate session activation or another
// paid action on it.
type ActivationNotifier func(req Request)

// Acceptor is the lifecycle manager for payment requests: creation and
// validation-gated routing, chain-observation matching, confirmation
// polling, and expiry. It is the sole owner of its Request records.
type Acceptor struct {
	mu        sync.Mutex
	cfg       Config
	validator *Validator
	requests  map[string]*Request
	notify    ActivationNotifier
	notified  map[string]bool
	clock     func() time.Time
	log       *logrus.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// NewAcceptor constructs an Acceptor. clock defaults to time.Now if nil,
// overridable in tests.
func NewAcceptor(cfg Config, validator *Validator, notify ActivationNotifier, log *logrus.Logger, clock func() time.Time) *Acceptor {
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = logrus.New()
	}
	a := &Acceptor{
		cfg:       cfg,
		validator: validator,
		requests:  make(map[string]*Request),
		notify:    notify,
		notified:  make(map[string]bool),
		clock:     clock,
		log:       log,
		stop:      make(chan struct{}),
	}
	return a
}

// Create validates req and, on success, stores it PENDING; on failure it
// returns REJECTED synchronously with reasons and no persistent row
// lingers.
func (a *Acceptor) Create(req Request) (string, Status, []string) {
	if req.PaymentID == "" {
		req.PaymentID = uuid.NewString()
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	req.CreatedAt = a.clock()
	if req.ExpiresAt == nil {
		exp := req.CreatedAt.Add(a.cfg.DefaultExpiry)
		req.ExpiresAt = &exp
	}

	outcome := a.validator.Validate(req)
	if outcome.Decision == DecisionInvalid || outcome.Decision == DecisionBlocked {
		a.log.WithFields(logrus.Fields{"payment_id": req.PaymentID, "decision": outcome.Decision}).
			Warn("payment request rejected at creation")
		return req.PaymentID, StatusRejected, outcome.Errors
	}

	req.Status = StatusPending
	req.RiskScore = outcome.Score
	req.RiskLevel = outcome.RiskLevel
	req.ComplianceOK = outcome.ComplianceStatus == "clear"

	a.mu.Lock()
	a.requests[req.PaymentID] = &req
	a.mu.Unlock()

	a.log.WithFields(logrus.Fields{"payment_id": req.PaymentID, "amount": req.Amount, "type": req.Type}).
		Info("payment request accepted")
	return req.PaymentID, StatusPending, nil
}

// Observe matches tx against outstanding PENDING requests by equal token,
// equal amount, equal recipient, and transitions the first match to
// RECEIVED. Expired requests never match.
func (a *Acceptor) Observe(tx Transaction) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock()
	for id, req := range a.requests {
		if req.Status != StatusPending {
			continue
		}
		if req.ExpiresAt != nil && now.After(*req.ExpiresAt) {
			req.Status = StatusExpired
			continue
		}
		if req.TokenType == tx.Token && req.Amount == tx.Amount && req.RecipientAddress == tx.Recipient {
			req.Status = StatusReceived
			req.ObservedTxID = tx.TxID
			a.log.WithFields(logrus.Fields{"payment_id": id, "tx_id": tx.TxID}).Info("payment observed on chain")
			return id, true
		}
	}
	return "", false
}

// PollConfirmations reports confs for paymentID's observed transaction.
// When confs >= RequiredConfirmations the request transitions to CONFIRMED
// and the activation notifier fires exactly once; failed reports FAILED.
func (a *Acceptor) PollConfirmations(paymentID string, confs int, failed bool) error {
	a.mu.Lock()
	req, ok := a.requests[paymentID]
	if !ok {
		a.mu.Unlock()
		return ErrRequestNotFound
	}
	if req.Status != StatusReceived && req.Status != StatusValidated && req.Status != StatusProcessed {
		a.mu.Unlock()
		return nil
	}

	req.ConfirmationCount = confs
	if failed {
		req.Status = StatusFailed
		a.mu.Unlock()
		return nil
	}

	var fireNotify bool
	if confs >= a.cfg.RequiredConfirmations && req.Status != StatusConfirmed {
		req.Status = StatusConfirmed
		now := a.clock()
		req.ConfirmedAt = &now
		if !a.notified[paymentID] {
			a.notified[paymentID] = true
			fireNotify = true
		}
	}
	snapshot := *req
	a.mu.Unlock()

	if fireNotify && a.notify != nil {
		a.notify(snapshot)
	}
	return nil
}

// MarkValidated transitions paymentID from RECEIVED to VALIDATED (or
// MANUAL_REVIEW tracking is left to the caller via decision inspection),
// recording the validator's risk fields.
func (a *Acceptor) MarkValidated(paymentID string, outcome Outcome) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	req, ok := a.requests[paymentID]
	if !ok {
		return ErrRequestNotFound
	}
	req.RiskScore = outcome.Score
	req.RiskLevel = outcome.RiskLevel
	req.ComplianceOK = outcome.ComplianceStatus == "clear"
	if outcome.Decision == DecisionValid || outcome.Decision == DecisionManualReview {
		req.Status = StatusValidated
	}
	return nil
}

// MarkProcessed records that the Processor completed settlement execution
// (not yet on-chain confirmed).
func (a *Acceptor) MarkProcessed(paymentID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	req, ok := a.requests[paymentID]
	if !ok {
		return ErrRequestNotFound
	}
	req.Status = StatusProcessed
	return nil
}

// Get returns a snapshot of paymentID's current state.
func (a *Acceptor) Get(paymentID string) (Request, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	req, ok := a.requests[paymentID]
	if !ok {
		return Request{}, ErrRequestNotFound
	}
	return *req, nil
}

// BySessionID returns the most recently created request linked to
// sessionID, for callers that only know the session (the Payment Gate
// checked by the session pipeline before activation).
func (a *Acceptor) BySessionID(sessionID string) (Request, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var latest *Request
	for _, req := range a.requests {
		if req.SessionID != sessionID {
			continue
		}
		if latest == nil || req.CreatedAt.After(latest.CreatedAt) {
			latest = req
		}
	}
	if latest == nil {
		return Request{}, ErrRequestNotFound
	}
	return *latest, nil
}

// ExpirePastDue transitions any PENDING request whose expires_at has
// passed to EXPIRED. Intended to run on a ticker alongside confirmation
// polling.
func (a *Acceptor) ExpirePastDue() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock()
	count := 0
	for _, req := range a.requests {
		if req.Status == StatusPending && req.ExpiresAt != nil && now.After(*req.ExpiresAt) {
			req.Status = StatusExpired
			count++
		}
	}
	return count
}

// RunExpiryLoop polls ExpirePastDue at interval until Stop is called.
func (a *Acceptor) RunExpiryLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.ExpirePastDue()
		case <-a.stop:
			return
		}
	}
}

// Stop halts any running background loop.
func (a *Acceptor) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
}
