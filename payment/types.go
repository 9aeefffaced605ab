// Package payment implements the lifecycle of on-chain payment requests
// that gate session activation and other paid services: acceptance and
// confirmation tracking (Acceptor), compliance/risk decisioning
// (Validator), and routed settlement execution (Processor).
package payment

import "time"

// Status is a payment request's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReceived  Status = "received"
	StatusValidated Status = "validated"
	StatusProcessed Status = "processed"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
)

// Type tags what a payment is for.
type Type string

const (
	TypeSession         Type = "session_payment"
	TypeStorage         Type = "storage_payment"
	TypeBandwidth       Type = "bandwidth_payment"
	TypeNodeRegistration Type = "node_registration"
	TypeGovernanceFee   Type = "governance_fee"
	TypeCustomService   Type = "custom_service"
	TypeDonation        Type = "donation"
)

// Method tags how a payment moves.
type Method string

const (
	MethodUSDTTRC20  Method = "usdt_trc20"
	MethodTRX        Method = "trx"
	MethodMultiToken Method = "multi_token"
)

// Priority affects routing and processor queue drain order
// (urgent > high > normal > low).
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityRank = map[Priority]int{
	PriorityUrgent: 3,
	PriorityHigh:   2,
	PriorityNormal: 1,
	PriorityLow:    0,
}

// Rank returns p's drain-order weight; higher drains first.
func (p Priority) Rank() int { return priorityRank[p] }

// Config holds the named constants governing payment acceptance,
// validation, and processing. None of these are magic numbers inline in
// the implementation.
type Config struct {
	MinAmount             float64
	MaxAmount             float64
	DefaultExpiry         time.Duration
	RequiredConfirmations int
	ValidationTimeout     time.Duration
	ProcessingTimeout     time.Duration
	SettlementTimeout     time.Duration
	MaxConcurrentPayments int
	MaxConcurrentJobs     int
	BatchInterval         time.Duration
	BatchSize             int
	RetryAttempts         int
	ConfirmationPoll      time.Duration
	SupportedTokens       map[string]bool
	SupportedNetworks     map[string]bool
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		MinAmount:             0.01,
		MaxAmount:             10000.0,
		DefaultExpiry:         24 * time.Hour,
		RequiredConfirmations: 19,
		ValidationTimeout:     300 * time.Second,
		ProcessingTimeout:     600 * time.Second,
		SettlementTimeout:     600 * time.Second,
		MaxConcurrentPayments: 50,
		MaxConcurrentJobs:     20,
		BatchInterval:         60 * time.Second,
		BatchSize:             50,
		RetryAttempts:         3,
		ConfirmationPoll:      30 * time.Second,
		SupportedTokens:       map[string]bool{"USDT": true, "TRX": true},
		SupportedNetworks:     map[string]bool{"TRON": true},
	}
}

// Request is one payment request, per the data model's Payment Request
// aggregate.
type Request struct {
	PaymentID        string
	Type             Type
	Method           Method
	Amount           float64
	TokenType        string
	RecipientAddress string
	SenderAddress    string
	SessionID        string
	NodeID           string
	ServiceID        string
	ReferenceID      string
	Priority         Priority
	ExpiresAt        *time.Time
	Status           Status
	CreatedAt        time.Time

	ConfirmationCount int
	ConfirmedAt       *time.Time
	ObservedTxID      string

	RiskScore    float64
	RiskLevel    string
	ComplianceOK bool

	RejectReasons []string
}

// Transaction is the external observation a chain-watcher reports for a
// request it believes matches.
type Transaction struct {
	TxID      string
	Token     string
	Amount    float64
	Recipient string
	Sender    string
	Failed    bool
	Timestamp time.Time
}
