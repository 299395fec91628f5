package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"payvault/internal/config"
	"payvault/internal/money"
)

type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Score bands. LOW and MEDIUM auto-approve, MEDIUM additionally flags
// verification; HIGH and CRITICAL deny pending manual review.
const (
	mediumBand   = 30
	highBand     = 60
	criticalBand = 80
)

type Decision struct {
	Score                float64  `json:"risk_score"`
	Level                Level    `json:"risk_level"`
	Approved             bool     `json:"approved"`
	RequiresVerification bool     `json:"requires_verification"`
	Reasons              []string `json:"reasons"`
}

// HistoryItem is one prior transaction of the requesting owner. The
// coordinator injects recent history rather than the gate fetching it, so
// the gate stays testable in isolation.
type HistoryItem struct {
	CounterpartyID string
	Amount         decimal.Decimal
	At             time.Time
}

type Input struct {
	OwnerID        string
	Type           string
	Amount         decimal.Decimal
	Currency       money.Currency
	CounterpartyID string
	Region         string // ISO 3166-1 alpha-2, from request metadata
	History        []HistoryItem
}

type Gate struct {
	cfg         config.RiskConfig
	largeAmount decimal.Decimal
	sanctioned  map[string]bool
	now         func() time.Time
}

func NewGate(cfg config.RiskConfig) (*Gate, error) {
	threshold, err := decimal.NewFromString(cfg.LargeAmountThreshold)
	if err != nil {
		return nil, fmt.Errorf("invalid large amount threshold %q: %w", cfg.LargeAmountThreshold, err)
	}

	sanctioned := make(map[string]bool, len(cfg.SanctionedRegions))
	for _, region := range cfg.SanctionedRegions {
		sanctioned[region] = true
	}

	return &Gate{
		cfg:         cfg,
		largeAmount: threshold,
		sanctioned:  sanctioned,
		now:         time.Now,
	}, nil
}

// Evaluate scores one proposed transaction. Stateless per call: everything
// it needs arrives in the input.
func (g *Gate) Evaluate(in Input) Decision {
	score := 0.0
	var reasons []string

	if in.Amount.GreaterThan(g.largeAmount) {
		score += g.cfg.LargeAmountWeight
		reasons = append(reasons, "Large transaction amount")
	}

	if g.recentCount(in.History) >= g.cfg.VelocityMaxCount {
		score += g.cfg.VelocityWeight
		reasons = append(reasons, "High transaction velocity")
	}

	if in.CounterpartyID != "" && !g.knownCounterparty(in) {
		score += g.cfg.NewCounterpartyWeight
		reasons = append(reasons, "First transaction with this counterparty")
	}

	if g.sanctioned[in.Region] {
		score += g.cfg.CrossBorderWeight
		reasons = append(reasons, "Transaction involves sanctioned region")
	}

	if score > 100 {
		score = 100
	}

	d := Decision{Score: score, Reasons: reasons}
	switch {
	case score < mediumBand:
		d.Level = LevelLow
		d.Approved = true
	case score < highBand:
		d.Level = LevelMedium
		d.Approved = true
		d.RequiresVerification = true
	case score < criticalBand:
		d.Level = LevelHigh
		d.RequiresVerification = true
	default:
		d.Level = LevelCritical
		d.RequiresVerification = true
	}
	return d
}

func (g *Gate) recentCount(history []HistoryItem) int {
	cutoff := g.now().Add(-g.cfg.VelocityWindow)
	count := 0
	for _, item := range history {
		if item.At.After(cutoff) {
			count++
		}
	}
	return count
}

func (g *Gate) knownCounterparty(in Input) bool {
	for _, item := range in.History {
		if item.CounterpartyID == in.CounterpartyID {
			return true
		}
	}
	return false
}
