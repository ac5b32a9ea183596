package state

import (
	"fmt"

	"github.com/holiman/uint256"
)

// PriceFeed is the oracle consumed by every ICR/TCR computation.
type PriceFeed interface {
	GetPrice() (*uint256.Int, error)
}

// LastGoodPrice is a PriceFeed fed by price-update commands. Updates with a
// sequence at or below the last accepted one are ignored.
type LastGoodPrice struct {
	price    *uint256.Int
	sequence int64
}

func NewLastGoodPrice() *LastGoodPrice {
	return &LastGoodPrice{}
}

func (p *LastGoodPrice) GetPrice() (*uint256.Int, error) {
	if p.price == nil {
		return nil, ErrNoPrice
	}
	return p.price.Clone(), nil
}

// Sequence returns the oracle sequence of the current price.
func (p *LastGoodPrice) Sequence() int64 {
	return p.sequence
}

// Set accepts price if sequence is newer. It reports whether the price moved.
func (p *LastGoodPrice) Set(price *uint256.Int, sequence int64) (bool, error) {
	if price == nil || price.IsZero() {
		return false, fmt.Errorf("%w: price must be positive", ErrInvalidArgument)
	}
	if p.price != nil && sequence <= p.sequence {
		return false, nil
	}
	p.price = price.Clone()
	p.sequence = sequence
	return true, nil
}
