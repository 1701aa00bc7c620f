package quote

import (
	"encoding/hex"
	"strconv"

	"github.com/mysofinance/v2-sub001/core/types"
)

const (
	EventTypeQuoteAdded   = "quote.added"
	EventTypeQuoteDeleted = "quote.deleted"
)

type quoteEvent struct {
	evt *types.Event
}

func (e quoteEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e quoteEvent) Event() *types.Event { return e.evt }

// NewQuoteAddedEvent returns the canonical payload emitted when a quote is
// registered for a vault.
func NewQuoteAddedEvent(vault [20]byte, hash [32]byte, q *OnChainQuote) quoteEvent {
	attrs := map[string]string{
		"vault": hex.EncodeToString(vault[:]),
		"hash":  hex.EncodeToString(hash[:]),
	}
	if q != nil {
		attrs["collToken"] = q.Info.CollToken
		attrs["loanToken"] = q.Info.LoanToken
		attrs["validUntil"] = strconv.FormatInt(q.Info.ValidUntil, 10)
		attrs["tuples"] = strconv.Itoa(len(q.Tuples))
		attrs["singleUse"] = strconv.FormatBool(q.Info.IsSingleUse)
	}
	return quoteEvent{evt: &types.Event{Type: EventTypeQuoteAdded, Attributes: attrs}}
}

// NewQuoteDeletedEvent returns the canonical payload emitted when a quote is
// removed, whether explicitly or by single-use consumption.
func NewQuoteDeletedEvent(vault [20]byte, hash [32]byte) quoteEvent {
	return quoteEvent{evt: &types.Event{
		Type: EventTypeQuoteDeleted,
		Attributes: map[string]string{
			"vault": hex.EncodeToString(vault[:]),
			"hash":  hex.EncodeToString(hash[:]),
		},
	}}
}
