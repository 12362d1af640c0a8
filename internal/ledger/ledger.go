// Package ledger holds token balances and allowances with journaled
// snapshots, so a failed execution can be unwound without leaving any trace.
package ledger

import (
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

type allowanceKey struct {
	token, owner, spender common.Address
}

type balanceKey struct {
	token, owner common.Address
}

// TokenInfo is display metadata for a token.
type TokenInfo struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals int32          `json:"decimals"`
}

// Ledger is an in-memory token world state. Every mutation is journaled;
// RevertToSnapshot undoes all mutations recorded after the snapshot.
type Ledger struct {
	mu         sync.RWMutex
	balances   map[balanceKey]*big.Int
	allowances map[allowanceKey]*big.Int
	tokens     map[common.Address]TokenInfo

	journal   []journalEntry
	snapshots []snapshot
	nextSnap  int
}

// Compile-time interface check.
var _ domain.Ledger = (*Ledger)(nil)

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		balances:   make(map[balanceKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		tokens:     make(map[common.Address]TokenInfo),
	}
}

// RegisterToken records display metadata for a token.
func (l *Ledger) RegisterToken(info TokenInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens[info.Address] = info
}

// Token returns metadata for a token; unknown tokens default to 18 decimals.
func (l *Ledger) Token(addr common.Address) TokenInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if info, ok := l.tokens[addr]; ok {
		return info
	}
	return TokenInfo{Address: addr, Symbol: addr.Hex(), Decimals: 18}
}

// Tokens lists registered tokens ordered by symbol.
func (l *Ledger) Tokens() []TokenInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]TokenInfo, 0, len(l.tokens))
	for _, t := range l.tokens {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// BalanceOf returns a copy of owner's balance of token.
func (l *Ledger) BalanceOf(token, owner common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balance(token, owner)
}

// Allowance returns a copy of the amount spender may move on owner's behalf.
func (l *Ledger) Allowance(token, owner, spender common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if v, ok := l.allowances[allowanceKey{token, owner, spender}]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Mint credits amount to owner out of thin air. Used for seeding only.
func (l *Ledger) Mint(token, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("ledger: mint: negative amount")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setBalance(token, to, new(big.Int).Add(l.balance(token, to), amount))
	return nil
}

// Transfer moves amount of token from one owner to another.
func (l *Ledger) Transfer(token, from, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transfer(token, from, to, amount)
}

// TransferFrom moves amount on behalf of from, consuming spender's allowance.
func (l *Ledger) TransferFrom(token, spender, from, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := allowanceKey{token, from, spender}
	allowed := l.allowances[key]
	if allowed == nil || allowed.Cmp(amount) < 0 {
		return fmt.Errorf("ledger: transferFrom %s by %s: %w", token.Hex(), spender.Hex(), domain.ErrInsufficientAllowance)
	}
	if err := l.transfer(token, from, to, amount); err != nil {
		return err
	}
	l.setAllowance(key, new(big.Int).Sub(allowed, amount))
	return nil
}

// Approve sets spender's allowance over owner's token to exactly amount.
func (l *Ledger) Approve(token, owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("ledger: approve: negative amount")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setAllowance(allowanceKey{token, owner, spender}, new(big.Int).Set(amount))
	return nil
}

// Holdings returns every non-zero balance of owner.
func (l *Ledger) Holdings(owner common.Address) map[common.Address]*big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[common.Address]*big.Int)
	for k, v := range l.balances {
		if k.owner == owner && v.Sign() > 0 {
			out[k.token] = new(big.Int).Set(v)
		}
	}
	return out
}

func (l *Ledger) transfer(token, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("ledger: transfer: negative amount")
	}
	bal := l.balance(token, from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("ledger: transfer %s from %s: have %s want %s: %w",
			token.Hex(), from.Hex(), bal, amount, domain.ErrInsufficientBalance)
	}
	if from == to {
		return nil
	}
	l.setBalance(token, from, bal.Sub(bal, amount))
	l.setBalance(token, to, new(big.Int).Add(l.balance(token, to), amount))
	return nil
}

func (l *Ledger) balance(token, owner common.Address) *big.Int {
	if v, ok := l.balances[balanceKey{token, owner}]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (l *Ledger) setBalance(token, owner common.Address, v *big.Int) {
	key := balanceKey{token, owner}
	l.journal = append(l.journal, balanceChange{key: key, prev: l.balances[key]})
	l.balances[key] = v
}

func (l *Ledger) setAllowance(key allowanceKey, v *big.Int) {
	l.journal = append(l.journal, allowanceChange{key: key, prev: l.allowances[key]})
	l.allowances[key] = v
}
