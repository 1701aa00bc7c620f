package types

import "math/big"

// Account tracks the token balances held by a single protocol participant,
// vault or module address. Balances are keyed by canonical token symbol and
// denominated in wei.
type Account struct {
	Nonce    uint64
	Balances map[string]*big.Int
}

// NewAccount returns an account with an initialised balance map.
func NewAccount() *Account {
	return &Account{Balances: make(map[string]*big.Int)}
}

// Balance returns the balance held for the given token, never nil.
func (a *Account) Balance(token string) *big.Int {
	if a == nil || a.Balances == nil {
		return big.NewInt(0)
	}
	if bal, ok := a.Balances[token]; ok && bal != nil {
		return bal
	}
	return big.NewInt(0)
}

// SetBalance overwrites the balance held for the given token.
func (a *Account) SetBalance(token string, amount *big.Int) {
	if a == nil {
		return
	}
	if a.Balances == nil {
		a.Balances = make(map[string]*big.Int)
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	a.Balances[token] = new(big.Int).Set(amount)
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return NewAccount()
	}
	clone := &Account{Nonce: a.Nonce, Balances: make(map[string]*big.Int, len(a.Balances))}
	for token, bal := range a.Balances {
		if bal == nil {
			clone.Balances[token] = big.NewInt(0)
			continue
		}
		clone.Balances[token] = new(big.Int).Set(bal)
	}
	return clone
}
