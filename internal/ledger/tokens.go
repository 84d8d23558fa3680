package ledger

import (
	"fmt"

	"PerpClient/internal/address"
	"PerpClient/internal/protocol"
)

// Mint is a token mint tracked by the simulator.
type Mint struct {
	Decimals  uint8
	Supply    uint64
	Authority address.Pubkey
}

// TokenAccount is a token balance owned by Authority.
type TokenAccount struct {
	Mint      address.Pubkey
	Authority address.Pubkey
	Amount    uint64
}

// TokenBook maintains in-memory mints, token accounts and native wallet
// balances for the simulator.
type TokenBook struct {
	mints    map[address.Pubkey]Mint
	accounts map[address.Pubkey]TokenAccount
	wallets  map[address.Pubkey]uint64
}

func NewTokenBook() *TokenBook {
	return &TokenBook{
		mints:    make(map[address.Pubkey]Mint),
		accounts: make(map[address.Pubkey]TokenAccount),
		wallets:  make(map[address.Pubkey]uint64),
	}
}

func (tb *TokenBook) clone() *TokenBook {
	out := NewTokenBook()
	for k, v := range tb.mints {
		out.mints[k] = v
	}
	for k, v := range tb.accounts {
		out.accounts[k] = v
	}
	for k, v := range tb.wallets {
		out.wallets[k] = v
	}
	return out
}

func (tb *TokenBook) CreateMint(id address.Pubkey, decimals uint8, authority address.Pubkey) {
	tb.mints[id] = Mint{Decimals: decimals, Authority: authority}
}

func (tb *TokenBook) Mint(id address.Pubkey) (Mint, bool) {
	m, ok := tb.mints[id]
	return m, ok
}

func (tb *TokenBook) CreateAccount(id, mint, authority address.Pubkey) {
	tb.accounts[id] = TokenAccount{Mint: mint, Authority: authority}
}

func (tb *TokenBook) Account(id address.Pubkey) (TokenAccount, bool) {
	a, ok := tb.accounts[id]
	return a, ok
}

// Balance returns the token amount held by id, zero if absent.
func (tb *TokenBook) Balance(id address.Pubkey) uint64 {
	return tb.accounts[id].Amount
}

func (tb *TokenBook) Wallet(owner address.Pubkey) uint64 {
	return tb.wallets[owner]
}

// Airdrop credits native units to a wallet.
func (tb *TokenBook) Airdrop(owner address.Pubkey, amount uint64) {
	tb.wallets[owner] += amount
}

// Charge debits native units from a wallet, as when paying rent.
func (tb *TokenBook) Charge(owner address.Pubkey, amount uint64) error {
	if tb.wallets[owner] < amount {
		return ledgerErr(protocol.CodeInsufficientFunds, "wallet %s holds %d, need %d", owner.Short(), tb.wallets[owner], amount)
	}
	tb.wallets[owner] -= amount
	return nil
}

// === Movements ===

// MintTo issues amount of mint into the token account.
func (tb *TokenBook) MintTo(mint, to address.Pubkey, amount uint64) error {
	m, ok := tb.mints[mint]
	if !ok {
		return ledgerErr(protocol.CodeAccountNotInitialized, "mint %s", mint.Short())
	}
	acc, err := tb.checkedAccount(to, mint, address.Pubkey{})
	if err != nil {
		return err
	}
	m.Supply += amount
	acc.Amount += amount
	tb.mints[mint] = m
	tb.accounts[to] = acc
	return nil
}

// Burn destroys amount from the token account, which authority must own.
func (tb *TokenBook) Burn(mint, from, authority address.Pubkey, amount uint64) error {
	m, ok := tb.mints[mint]
	if !ok {
		return ledgerErr(protocol.CodeAccountNotInitialized, "mint %s", mint.Short())
	}
	acc, err := tb.checkedAccount(from, mint, authority)
	if err != nil {
		return err
	}
	if acc.Amount < amount || m.Supply < amount {
		return ledgerErr(protocol.CodeInsufficientFunds, "burn %d from %s holding %d", amount, from.Short(), acc.Amount)
	}
	acc.Amount -= amount
	m.Supply -= amount
	tb.accounts[from] = acc
	tb.mints[mint] = m
	return nil
}

// Transfer moves tokens between two accounts of the same mint.
// A zero authority skips the owner check (program-signed transfers).
func (tb *TokenBook) Transfer(mint, from, to, authority address.Pubkey, amount uint64) error {
	src, err := tb.checkedAccount(from, mint, authority)
	if err != nil {
		return err
	}
	dst, err := tb.checkedAccount(to, mint, address.Pubkey{})
	if err != nil {
		return err
	}
	if src.Amount < amount {
		return ledgerErr(protocol.CodeInsufficientFunds, "transfer %d from %s holding %d", amount, from.Short(), src.Amount)
	}
	src.Amount -= amount
	dst.Amount += amount
	tb.accounts[from] = src
	tb.accounts[to] = dst
	return nil
}

// Deposit moves native units from a wallet into a token account.
func (tb *TokenBook) Deposit(owner, to address.Pubkey, amount uint64) error {
	if tb.wallets[owner] < amount {
		return ledgerErr(protocol.CodeInsufficientFunds, "wallet %s holds %d, need %d", owner.Short(), tb.wallets[owner], amount)
	}
	acc, ok := tb.accounts[to]
	if !ok {
		return ledgerErr(protocol.CodeAccountNotInitialized, "token account %s", to.Short())
	}
	tb.wallets[owner] -= amount
	acc.Amount += amount
	tb.accounts[to] = acc
	return nil
}

// Withdraw moves units out of a token account into a wallet.
func (tb *TokenBook) Withdraw(from, owner address.Pubkey, amount uint64) error {
	acc, ok := tb.accounts[from]
	if !ok {
		return ledgerErr(protocol.CodeAccountNotInitialized, "token account %s", from.Short())
	}
	if acc.Amount < amount {
		return ledgerErr(protocol.CodeInsufficientFunds, "withdraw %d from %s holding %d", amount, from.Short(), acc.Amount)
	}
	acc.Amount -= amount
	tb.accounts[from] = acc
	tb.wallets[owner] += amount
	return nil
}

func (tb *TokenBook) checkedAccount(id, mint, authority address.Pubkey) (TokenAccount, error) {
	acc, ok := tb.accounts[id]
	if !ok {
		return TokenAccount{}, ledgerErr(protocol.CodeAccountNotInitialized, "token account %s", id.Short())
	}
	if acc.Mint != mint {
		return TokenAccount{}, ledgerErr(protocol.CodeConstraintTokenMint, "token account %s holds mint %s, want %s",
			id.Short(), acc.Mint.Short(), mint.Short())
	}
	if !authority.IsZero() && acc.Authority != authority {
		return TokenAccount{}, ledgerErr(protocol.CodeConstraintTokenOwner, "token account %s owned by %s",
			id.Short(), acc.Authority.Short())
	}
	return acc, nil
}

// ledgerErr builds a rejection with a single log line.
func ledgerErr(code protocol.ErrorCode, format string, args ...any) *protocol.LedgerError {
	return &protocol.LedgerError{
		Code: code,
		Logs: []string{fmt.Sprintf("Program log: %s: %s", code.Name(), fmt.Sprintf(format, args...))},
	}
}
