package payment

import (
	"strings"
)

// Decision is the Validator's final call on a request snapshot.
type Decision string

const (
	DecisionValid         Decision = "VALID"
	DecisionInvalid       Decision = "INVALID"
	DecisionManualReview  Decision = "MANUAL_REVIEW"
	DecisionSuspicious    Decision = "SUSPICIOUS"
	DecisionBlocked       Decision = "BLOCKED"
)

// Outcome is everything the Validator reports for one request.
type Outcome struct {
	Decision         Decision
	RiskLevel        string
	ComplianceStatus string
	Score            float64
	Errors           []string
	Warnings         []string
	Flags            []string
}

// AddressValidator checks a recipient/sender address's well-formedness for
// one address scheme. Pluggable so new schemes register without touching
// the Validator.
type AddressValidator func(address string) bool

// TRONAddressValidator implements the 34-char, "T"-prefixed alphanumeric shape used
// by the payment subsystem's default (and currently only) supported chain.
func TRONAddressValidator(address string) bool {
	if len(address) != 34 {
		return false
	}
	if !strings.HasPrefix(address, "T") {
		return false
	}
	for _, r := range address[1:] {
		if !isAlnum(r) {
			return false
		}
	}
	return true
}

func isAlnum(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	default:
		return false
	}
}

// Rule is one step of the ordered validation pipeline, grouped by
// validation type (basic, enhanced, compliance, AML, KYC). It inspects a
// request snapshot and contributes to the running outcome without mutating
// the request.
type Rule struct {
	Name  string
	Apply func(cfg Config, req Request, addr AddressValidator, out *Outcome)
}

// BasicRules checks amount bounds, supported token/network, and address
// well-formedness — the concrete form of spec §4.6's "amount within
// [min,max], token in supported set, addresses well-formed".
var BasicRules = []Rule{
	{Name: "amount-range", Apply: func(cfg Config, req Request, _ AddressValidator, out *Outcome) {
		if req.Amount < cfg.MinAmount {
			out.Errors = append(out.Errors, errAmountTooSmall(cfg.MinAmount))
			return
		}
		if req.Amount > cfg.MaxAmount {
			out.Errors = append(out.Errors, errAmountTooLarge(cfg.MaxAmount))
		}
	}},
	{Name: "supported-token", Apply: func(cfg Config, req Request, _ AddressValidator, out *Outcome) {
		if !cfg.SupportedTokens[req.TokenType] {
			out.Errors = append(out.Errors, "unsupported token: "+req.TokenType)
		}
	}},
	{Name: "recipient-address", Apply: func(cfg Config, req Request, addr AddressValidator, out *Outcome) {
		if addr != nil && !addr(req.RecipientAddress) {
			out.Errors = append(out.Errors, "malformed recipient address")
		}
	}},
	{Name: "required-linkage", Apply: func(cfg Config, req Request, _ AddressValidator, out *Outcome) {
		var ok bool
		switch req.Type {
		case TypeSession:
			ok = req.SessionID != ""
		case TypeNodeRegistration:
			ok = req.NodeID != ""
		case TypeStorage:
			ok = req.ServiceID != ""
		default:
			ok = true
		}
		if !ok {
			out.Errors = append(out.Errors, "missing required linkage for payment type "+string(req.Type))
		}
	}},
}

// ComplianceRules scores risk per the recovered formula: amount tier,
// payment type, failed-check count, and priority contribute additively,
// clamped to [0,1].
var ComplianceRules = []Rule{
	{Name: "amount-tier-risk", Apply: func(_ Config, req Request, _ AddressValidator, out *Outcome) {
		switch {
		case req.Amount > 1000.0:
			out.Score += 0.3
		case req.Amount > 100.0:
			out.Score += 0.1
		}
	}},
	{Name: "payment-type-risk", Apply: func(_ Config, req Request, _ AddressValidator, out *Outcome) {
		if req.Type == TypeCustomService || req.Type == TypeDonation {
			out.Score += 0.2
			out.Flags = append(out.Flags, "elevated-risk-payment-type")
		}
	}},
	{Name: "priority-risk", Apply: func(_ Config, req Request, _ AddressValidator, out *Outcome) {
		if req.Priority == PriorityUrgent {
			out.Score += 0.2
		}
	}},
}

// Blocklist reports whether an address has been flagged; callers supply a
// concrete backing (static set, external service) via this closure type.
type Blocklist func(address string) bool

// Validator runs the ordered rule pipeline against a request snapshot and
// is pure: same snapshot, same rule set and blocklist, same decision. It
// never mutates the request; the Processor acts on the decision.
type Validator struct {
	cfg              Config
	addr             AddressValidator
	blocklist        Blocklist
	failedComplianceChecks func(Request) int
	rules            []Rule
}

// NewValidator constructs a Validator. failedChecks counts failed
// compliance checks for the risk formula's +0.1-per-failure term; a nil
// value treats the count as always zero.
func NewValidator(cfg Config, addr AddressValidator, blocklist Blocklist, failedChecks func(Request) int) *Validator {
	if addr == nil {
		addr = TRONAddressValidator
	}
	if failedChecks == nil {
		failedChecks = func(Request) int { return 0 }
	}
	rules := make([]Rule, 0, len(BasicRules)+len(ComplianceRules))
	rules = append(rules, BasicRules...)
	rules = append(rules, ComplianceRules...)
	return &Validator{cfg: cfg, addr: addr, blocklist: blocklist, failedComplianceChecks: failedChecks, rules: rules}
}

// Validate runs every rule and returns the final decision.
func (v *Validator) Validate(req Request) Outcome {
	out := Outcome{}
	for _, r := range v.rules {
		r.Apply(v.cfg, req, v.addr, &out)
	}

	failed := v.failedComplianceChecks(req)
	out.Score += 0.1 * float64(failed)
	if failed > 0 {
		out.Warnings = append(out.Warnings, "failed compliance checks present")
	}
	if out.Score > 1.0 {
		out.Score = 1.0
	}

	blocked := v.blocklist != nil && v.blocklist(req.RecipientAddress)
	if blocked {
		out.Flags = append(out.Flags, "blocklist-hit")
	}

	switch {
	case out.Score >= 1.0 || blocked:
		out.Decision = DecisionBlocked
		out.RiskLevel = "critical"
	case out.Score >= 0.7:
		out.Decision = DecisionSuspicious
		out.RiskLevel = "high"
	case out.Score >= 0.4:
		out.Decision = DecisionManualReview
		out.RiskLevel = "elevated"
	case len(out.Errors) > 0:
		out.Decision = DecisionInvalid
		out.RiskLevel = "low"
	default:
		out.Decision = DecisionValid
		out.RiskLevel = "low"
	}

	if len(out.Errors) == 0 && blocked == false {
		out.ComplianceStatus = "clear"
	} else if blocked {
		out.ComplianceStatus = "blocked"
	} else {
		out.ComplianceStatus = "failed"
	}
	return out
}
