package risk

import (
	"fmt"

	"PerpClient/internal/account"
	"PerpClient/internal/address"
)

// custodyTotals accumulates the open positions of one custody.
type custodyTotals struct {
	collateral uint64
	locked     uint64
	oiLong     uint64
	oiShort    uint64
}

// CheckConsistency cross-checks a set of program accounts: references
// resolve, and each custody's books agree with the positions it backs.
// It returns every violation found.
func CheckConsistency(entities map[address.Pubkey]account.Entity) []error {
	var errs []error
	totals := make(map[address.Pubkey]*custodyTotals)

	for id, e := range entities {
		switch v := e.(type) {
		case *account.Registry:
			for _, p := range v.Pools {
				if _, ok := entities[p].(*account.Pool); !ok {
					errs = append(errs, fmt.Errorf("registry lists missing pool %s", p.Short()))
				}
			}
		case *account.Pool:
			for _, c := range v.Custodies {
				custody, ok := entities[c].(*account.Custody)
				if !ok {
					errs = append(errs, fmt.Errorf("pool %q lists missing custody %s", v.Name, c.Short()))
					continue
				}
				if custody.Pool != id {
					errs = append(errs, fmt.Errorf("custody %s belongs to %s, listed by %s", c.Short(), custody.Pool.Short(), id.Short()))
				}
			}
		case *account.Position:
			custody, ok := entities[v.Custody].(*account.Custody)
			if !ok {
				errs = append(errs, fmt.Errorf("position %s references missing custody %s", id.Short(), v.Custody.Short()))
				continue
			}
			t := totals[v.Custody]
			if t == nil {
				t = &custodyTotals{}
				totals[v.Custody] = t
			}
			t.collateral += v.CollateralAmount
			t.locked += SizeInTokens(v.SizeUSD, v.EntryPrice, custody.Decimals)
			if v.Side == account.SideLong {
				t.oiLong += v.SizeUSD
			} else {
				t.oiShort += v.SizeUSD
			}
		}
	}

	for id, e := range entities {
		if c, ok := e.(*account.Custody); ok {
			errs = append(errs, checkCustody(id, c, totals[id])...)
		}
	}
	return errs
}

func checkCustody(id address.Pubkey, c *account.Custody, t *custodyTotals) []error {
	var errs []error
	if t == nil {
		t = &custodyTotals{}
	}
	a := c.Assets
	if a.Locked > a.Owned {
		errs = append(errs, fmt.Errorf("custody %s: locked %d exceeds owned %d", id.Short(), a.Locked, a.Owned))
	}
	if a.Collateral != t.collateral {
		errs = append(errs, fmt.Errorf("custody %s: collateral %d, positions hold %d", id.Short(), a.Collateral, t.collateral))
	}
	if a.Locked != t.locked {
		errs = append(errs, fmt.Errorf("custody %s: locked %d, positions lock %d", id.Short(), a.Locked, t.locked))
	}
	if c.TradeStats.OILongUSD != t.oiLong || c.TradeStats.OIShortUSD != t.oiShort {
		errs = append(errs, fmt.Errorf("custody %s: open interest %d/%d, positions %d/%d", id.Short(),
			c.TradeStats.OILongUSD, c.TradeStats.OIShortUSD, t.oiLong, t.oiShort))
	}
	return errs
}
