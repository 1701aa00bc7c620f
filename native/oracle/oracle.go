package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	ErrPairUnknown  = errors.New("oracle: pair not configured")
	ErrInvalidPrice = errors.New("oracle: price must be positive")
)

// PriceSource resolves the loan-token value of collateral. Price returns the
// amount of loan-token wei obtained for 1e18 base units of the collateral
// token. Implementations must be deterministic for a given call.
type PriceSource interface {
	Price(collToken, loanToken string) (*big.Int, error)
}

// FixedPriceSource is a map-backed price source for deployments without an
// external feed and for deterministic tests.
type FixedPriceSource struct {
	rates map[string]*big.Int
}

// NewFixedPriceSource returns an empty fixed price source.
func NewFixedPriceSource() *FixedPriceSource {
	return &FixedPriceSource{rates: make(map[string]*big.Int)}
}

func pairKey(collToken, loanToken string) string {
	return strings.ToUpper(strings.TrimSpace(collToken)) + "/" + strings.ToUpper(strings.TrimSpace(loanToken))
}

// SetPrice registers the loan-token wei obtained per 1e18 collateral units.
func (s *FixedPriceSource) SetPrice(collToken, loanToken string, price *big.Int) error {
	if s == nil {
		return fmt.Errorf("oracle: source not initialised")
	}
	if price == nil || price.Sign() <= 0 {
		return ErrInvalidPrice
	}
	if s.rates == nil {
		s.rates = make(map[string]*big.Int)
	}
	s.rates[pairKey(collToken, loanToken)] = new(big.Int).Set(price)
	return nil
}

// Price implements PriceSource.
func (s *FixedPriceSource) Price(collToken, loanToken string) (*big.Int, error) {
	if s == nil || s.rates == nil {
		return nil, ErrPairUnknown
	}
	rate, ok := s.rates[pairKey(collToken, loanToken)]
	if !ok || rate == nil {
		return nil, fmt.Errorf("%w: %s", ErrPairUnknown, pairKey(collToken, loanToken))
	}
	return new(big.Int).Set(rate), nil
}
