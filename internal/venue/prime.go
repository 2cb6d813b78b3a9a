package venue

import (
	"log/slog"
)

// PrimeAdapter routes orders through a prime broker. Every order names the
// trading desk and the account it settles into.
type PrimeAdapter struct {
	*RESTAdapter
	deskID            string
	settlementAccount string
}

// NewPrime builds a prime-broker adapter.
func NewPrime(cfg Config, logger *slog.Logger) *PrimeAdapter {
	base := newRESTAdapter(cfg, KindPrime, logger)
	p := &PrimeAdapter{
		RESTAdapter:       base,
		deskID:            cfg.String("desk_id"),
		settlementAccount: cfg.String("settlement_account"),
	}
	base.orderFields = map[string]any{
		"desk_id":            p.deskID,
		"settlement_account": p.settlementAccount,
	}
	base.client.http.SetHeader("X-DESK-ID", p.deskID)
	return p
}

// DeskID returns the desk identifier attached to orders.
func (p *PrimeAdapter) DeskID() string { return p.deskID }

// SettlementAccount returns the settlement account attached to orders.
func (p *PrimeAdapter) SettlementAccount() string { return p.settlementAccount }
