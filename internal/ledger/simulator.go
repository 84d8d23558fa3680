package ledger

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"

	"PerpClient/internal/account"
	"PerpClient/internal/address"
	"PerpClient/internal/instruction"
	"PerpClient/internal/protocol"
)

// ErrInjected is the cause of transport faults queued with FailNext*.
var ErrInjected = errors.New("injected transport failure")

// PythPrice is a price update held by a Pyth-style oracle account.
type PythPrice struct {
	Price       int64
	Expo        int32
	PublishTime int64
}

type storedAccount struct {
	owner    address.Pubkey
	lamports uint64
	data     []byte
}

type simState struct {
	accounts map[address.Pubkey]storedAccount
	tokens   *TokenBook
	custom   map[address.Pubkey][]byte
	pyth     map[address.Pubkey]PythPrice
}

func newSimState() *simState {
	return &simState{
		accounts: make(map[address.Pubkey]storedAccount),
		tokens:   NewTokenBook(),
		custom:   make(map[address.Pubkey][]byte),
		pyth:     make(map[address.Pubkey]PythPrice),
	}
}

// clone copies the state for rollback. Account data slices are replaced,
// never mutated in place, so sharing them is safe.
func (st *simState) clone() *simState {
	out := &simState{
		accounts: make(map[address.Pubkey]storedAccount, len(st.accounts)),
		tokens:   st.tokens.clone(),
		custom:   make(map[address.Pubkey][]byte, len(st.custom)),
		pyth:     make(map[address.Pubkey]PythPrice, len(st.pyth)),
	}
	for k, v := range st.accounts {
		out.accounts[k] = v
	}
	for k, v := range st.custom {
		out.custom[k] = v
	}
	for k, v := range st.pyth {
		out.pyth[k] = v
	}
	return out
}

type txRecord struct {
	sig      Signature
	ix       *instruction.Instruction
	executed bool
	receipt  *Receipt
	err      error
}

// Simulator is a deterministic in-memory ledger running the program's
// instruction set. It validates accounts the way the program's account
// constraints do and rejects with the same error codes.
type Simulator struct {
	mu sync.Mutex

	program address.Pubkey
	deriver *address.Deriver
	state   *simState
	txs     map[Signature]*txRecord

	seq         uint64
	slot        uint64
	submissions int

	now          func() time.Time
	preflight    bool
	thresholdBps int64
	logger       zerolog.Logger

	sendFaults  []error
	replyFaults []error
	awaitFaults []error
	fetchFaults []error
}

type SimulatorOption func(*Simulator)

// WithClock overrides the ledger clock.
func WithClock(now func() time.Time) SimulatorOption {
	return func(s *Simulator) { s.now = now }
}

// WithPreflight controls whether Send executes the instruction immediately
// (rejections surface from Send) or leaves it pending until Await.
func WithPreflight(enabled bool) SimulatorOption {
	return func(s *Simulator) { s.preflight = enabled }
}

// WithLiquidationThreshold sets the margin threshold used by
// liquidate_position.
func WithLiquidationThreshold(bps int64) SimulatorOption {
	return func(s *Simulator) { s.thresholdBps = bps }
}

func WithLogger(logger zerolog.Logger) SimulatorOption {
	return func(s *Simulator) { s.logger = logger }
}

func NewSimulator(program address.Pubkey, opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		program:      program,
		deriver:      address.NewDeriver(program),
		state:        newSimState(),
		txs:          make(map[Signature]*txRecord),
		now:          time.Now,
		preflight:    true,
		thresholdBps: protocol.LiquidationThreshold,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Simulator) ProgramID() address.Pubkey { return s.program }

// === Fixtures ===

// CreateMint registers a token mint.
func (s *Simulator) CreateMint(id address.Pubkey, decimals uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.tokens.CreateMint(id, decimals, address.Pubkey{})
}

// CreateTokenAccount registers an empty token account of mint owned by owner.
func (s *Simulator) CreateTokenAccount(id, mint, owner address.Pubkey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.tokens.CreateAccount(id, mint, owner)
}

// FundTokenAccount mints amount into an existing token account.
func (s *Simulator) FundTokenAccount(id address.Pubkey, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.state.tokens.Account(id)
	if !ok {
		return fmt.Errorf("fund %s: token account does not exist", id)
	}
	if err := s.state.tokens.MintTo(acc.Mint, id, amount); err != nil {
		return fmt.Errorf("fund %s: %w", id, err)
	}
	return nil
}

// Airdrop credits native units to a wallet.
func (s *Simulator) Airdrop(owner address.Pubkey, amount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.tokens.Airdrop(owner, amount)
}

// SetCustomOracle writes a custom oracle account holding price.
func (s *Simulator) SetCustomOracle(id address.Pubkey, price uint64) {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, price)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.custom[id] = data
}

func (s *Simulator) SetPythPrice(id address.Pubkey, p PythPrice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.pyth[id] = p
}

// SetPermissions rewrites the registry's permission flags directly.
func (s *Simulator) SetPermissions(p account.Permissions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.deriver.Registry()
	if err != nil {
		return err
	}
	e, err := s.loadEntity(id, account.KindRegistry)
	if err != nil {
		return fmt.Errorf("set permissions: %w", err)
	}
	reg := e.(*account.Registry)
	reg.Permissions = p
	return s.store(id, reg)
}

func (s *Simulator) TokenBalance(id address.Pubkey) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.tokens.Balance(id)
}

func (s *Simulator) WalletBalance(owner address.Pubkey) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.tokens.Wallet(owner)
}

func (s *Simulator) MintSupply(id address.Pubkey) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, _ := s.state.tokens.Mint(id)
	return m.Supply
}

// Submissions counts Send calls that reached the ledger.
func (s *Simulator) Submissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submissions
}

// === Fault injection ===

// FailNextSend makes the next Send fail with a transport error before the
// instruction reaches the ledger. A nil cause uses ErrInjected.
func (s *Simulator) FailNextSend(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendFaults = append(s.sendFaults, orInjected(cause))
}

// FailNextAwait makes the next Await fail with a transport error. The
// transaction itself is unaffected.
func (s *Simulator) FailNextAwait(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.awaitFaults = append(s.awaitFaults, orInjected(cause))
}

// LoseNextSendReply lets the next Send reach the ledger but reports a
// transport failure carrying ErrMaybeDelivered, as a dropped response would.
func (s *Simulator) LoseNextSendReply(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyFaults = append(s.replyFaults, orInjected(cause))
}

func (s *Simulator) FailNextFetch(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchFaults = append(s.fetchFaults, orInjected(cause))
}

func orInjected(err error) error {
	if err == nil {
		return ErrInjected
	}
	return err
}

func popFault(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

// === Client ===

func (s *Simulator) Send(ctx context.Context, ix *instruction.Instruction) (Signature, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if fault := popFault(&s.sendFaults); fault != nil {
		return "", &protocol.TransportError{Op: "send", Err: fault}
	}

	s.seq++
	s.submissions++
	rec := &txRecord{sig: signatureFor(ix, s.seq), ix: ix}

	if s.preflight {
		s.execute(rec)
		if rec.err != nil {
			return "", rec.err
		}
	}
	s.txs[rec.sig] = rec
	if fault := popFault(&s.replyFaults); fault != nil {
		return rec.sig, &protocol.TransportError{Op: "send", Err: fmt.Errorf("%w: %w", ErrMaybeDelivered, fault)}
	}
	return rec.sig, nil
}

func (s *Simulator) Await(ctx context.Context, sig Signature) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if fault := popFault(&s.awaitFaults); fault != nil {
		return nil, &protocol.TransportError{Op: "await", Err: fault}
	}
	rec, ok := s.txs[sig]
	if !ok {
		return nil, &protocol.TransportError{Op: "await", Err: fmt.Errorf("%w: %s", ErrSignatureNotFound, sig)}
	}
	if !rec.executed {
		s.execute(rec)
	}
	if rec.err != nil {
		return nil, rec.err
	}
	out := *rec.receipt
	return &out, nil
}

func (s *Simulator) Fetch(ctx context.Context, id address.Pubkey) (*RawAccount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if fault := popFault(&s.fetchFaults); fault != nil {
		return nil, &protocol.TransportError{Op: "fetch", Err: fault}
	}
	acc, ok := s.state.accounts[id]
	if !ok {
		return nil, protocol.ErrNotFound
	}
	return s.raw(id, acc), nil
}

func (s *Simulator) FetchAll(ctx context.Context, kind account.Kind) ([]*RawAccount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if fault := popFault(&s.fetchFaults); fault != nil {
		return nil, &protocol.TransportError{Op: "fetch_all", Err: fault}
	}
	disc := kind.Discriminator()
	var out []*RawAccount
	for id, acc := range s.state.accounts {
		if acc.owner == s.program && bytes.HasPrefix(acc.data, disc[:]) {
			out = append(out, s.raw(id, acc))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out, nil
}

func (s *Simulator) raw(id address.Pubkey, acc storedAccount) *RawAccount {
	return &RawAccount{
		ID:       id,
		Owner:    acc.owner,
		Lamports: acc.lamports,
		Data:     append([]byte(nil), acc.data...),
		Slot:     s.slot,
	}
}

// execute runs the instruction atomically: on rejection every state change
// is rolled back.
func (s *Simulator) execute(rec *txRecord) {
	checkpoint := s.state.clone()
	rec.executed = true

	logs := []string{fmt.Sprintf("Program %s invoke [1]", s.program)}
	x, err := s.bind(rec.ix)
	if err == nil {
		logs = append(logs, "Program log: Instruction: "+camel(x.op.String()))
		err = x.run()
		if err == nil {
			err = x.writable()
		}
		logs = append(logs, x.logs...)
	}

	if err != nil {
		s.state = checkpoint
		le := toLedgerError(err)
		le.Logs = append(logs, le.Logs...)
		le.Logs = append(le.Logs,
			fmt.Sprintf("Program log: AnchorError occurred. Error Code: %s. Error Number: %d. Error Message: %s.",
				le.Code.Name(), uint32(le.Code), le.Code.Message()),
			fmt.Sprintf("Program %s failed: custom program error: 0x%x", s.program, uint32(le.Code)),
		)
		rec.err = le
		s.logger.Debug().Str("sig", rec.sig.String()).Str("code", le.Code.String()).Msg("instruction rejected")
		return
	}

	s.slot++
	logs = append(logs, fmt.Sprintf("Program %s success", s.program))
	rec.receipt = &Receipt{Signature: rec.sig, Slot: s.slot, Logs: logs}
	s.logger.Debug().Str("sig", rec.sig.String()).Str("op", x.op.String()).Uint64("slot", s.slot).Msg("instruction confirmed")
}

// toLedgerError maps handler failures onto the program's error codes.
func toLedgerError(err error) *protocol.LedgerError {
	var le *protocol.LedgerError
	if errors.As(err, &le) {
		out := *le
		out.Logs = append([]string(nil), le.Logs...)
		return &out
	}
	code, ok := protocol.CodeOf(err)
	if !ok {
		code = protocol.CodeMathOverflow
	}
	return ledgerErr(code, "%v", err)
}

func signatureFor(ix *instruction.Instruction, seq uint64) Signature {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], seq)
	sum := sha512.Sum512(append([]byte(ix.Fingerprint()), n[:]...))
	return Signature(base58.Encode(sum[:]))
}

// === Account storage ===

// rentExempt approximates the rent-exempt minimum for an account of n bytes.
func rentExempt(n int) uint64 {
	return uint64(128+n) * 6960
}

func (s *Simulator) exists(id address.Pubkey) bool {
	if _, ok := s.state.accounts[id]; ok {
		return true
	}
	if _, ok := s.state.tokens.Mint(id); ok {
		return true
	}
	_, ok := s.state.tokens.Account(id)
	return ok
}

func (s *Simulator) loadEntity(id address.Pubkey, kind account.Kind) (account.Entity, error) {
	acc, ok := s.state.accounts[id]
	if !ok {
		return nil, ledgerErr(protocol.CodeAccountNotInitialized, "%s %s", kind, id.Short())
	}
	got, err := account.DetectKind(acc.data)
	if err != nil || got != kind {
		return nil, ledgerErr(protocol.CodeAccountDiscriminatorMismatch, "%s is not a %s", id.Short(), kind)
	}
	e, err := account.Decode(kind, acc.data)
	if err != nil {
		return nil, ledgerErr(protocol.CodeAccountDiscriminatorMismatch, "decode %s: %v", kind, err)
	}
	return e, nil
}

func (s *Simulator) store(id address.Pubkey, e account.Entity) error {
	data, err := account.Encode(e)
	if err != nil {
		return ledgerErr(protocol.CodeAccountDidNotSerialize, "%v", err)
	}
	acc := s.state.accounts[id]
	acc.owner = s.program
	acc.data = data
	if floor := rentExempt(len(data)); acc.lamports < floor {
		acc.lamports = floor
	}
	s.state.accounts[id] = acc
	return nil
}

// close deletes a program account and credits its lamports to dest.
func (s *Simulator) close(id, dest address.Pubkey) {
	if acc, ok := s.state.accounts[id]; ok {
		s.state.tokens.Airdrop(dest, acc.lamports)
		delete(s.state.accounts, id)
	}
}
