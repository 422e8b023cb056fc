package ledger

// Gate answers the synchronous admission question for the storage
// engine's write path. It only reads the ledger and never blocks on
// refresh work.
type Gate struct {
	ledger *Ledger
}

// NewGate creates a gate over the given ledger.
func NewGate(l *Ledger) *Gate {
	return &Gate{ledger: l}
}

// Admit returns nil if the principal may continue writing in the
// tenant, or ErrQuotaExceeded if its configured quota is exhausted.
// Principals without a ledger row or without a configured quota are
// always admitted.
func (g *Gate) Admit(principal PrincipalID, tenant TenantID) error {
	if g.ledger.IsWithinQuota(principal, tenant) {
		return nil
	}
	return ErrQuotaExceeded
}
