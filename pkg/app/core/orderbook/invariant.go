package orderbook

import "fmt"

// InvariantError marks internal matching-state corruption: a crossed book
// observed between cycles or broken amount conservation. The market worker
// treats it as fatal, halting that market while others keep trading.
type InvariantError struct {
	msg string
}

func (e *InvariantError) Error() string { return e.msg }

func errInconsistentOrder(o *Order) error {
	return &InvariantError{msg: fmt.Sprintf(
		"order %s inconsistent: amount=%s filled=%s remaining=%s",
		o.ID, o.Amount, o.Filled, o.Remaining)}
}

func errCrossedBook(b *Book) error {
	bid, _ := b.BestBid()
	ask, _ := b.BestAsk()
	return &InvariantError{msg: fmt.Sprintf(
		"book crossed after cycle: best_bid=%d best_ask=%d", bid, ask)}
}
