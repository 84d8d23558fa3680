package ledger

import (
	"errors"
	"fmt"

	"PerpClient/internal/account"
	"PerpClient/internal/address"
	"PerpClient/internal/risk"
)

// CheckInvariants verifies that the simulator's accounts are mutually
// consistent and that every custody's token account holds what its books
// say. Every violation found is returned, joined.
func (s *Simulator) CheckInvariants() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	entities := make(map[address.Pubkey]account.Entity, len(s.state.accounts))
	for id, acc := range s.state.accounts {
		e, err := account.DecodeAny(acc.data)
		if err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", id.Short(), err))
			continue
		}
		entities[id] = e
	}
	errs = append(errs, risk.CheckConsistency(entities)...)

	for id, e := range entities {
		c, ok := e.(*account.Custody)
		if !ok {
			continue
		}
		tokenAccount, err := s.deriver.CustodyTokenAccount(c.Pool, c.Mint)
		if err != nil {
			errs = append(errs, fmt.Errorf("custody %s: %w", id.Short(), err))
			continue
		}
		backing := c.Assets.Owned + c.Assets.Collateral + c.Assets.ProtocolFees
		if held := s.state.tokens.Balance(tokenAccount); held != backing {
			errs = append(errs, fmt.Errorf("custody %s: token account holds %d, books %d", id.Short(), held, backing))
		}
	}
	return errors.Join(errs...)
}
