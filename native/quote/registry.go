package quote

import (
	"errors"
	"time"

	"github.com/mysofinance/v2-sub001/core/events"
	nativecommon "github.com/mysofinance/v2-sub001/native/common"
)

var (
	errNilState        = errors.New("quote registry: state not configured")
	ErrQuoteExpired    = errors.New("quote registry: quote already expired")
	ErrQuoteExists     = errors.New("quote registry: quote already registered")
	ErrQuoteNotFound   = errors.New("quote registry: quote not registered")
	ErrNoTuples        = errors.New("quote registry: quote has no tuples")
	ErrTupleOutOfRange = errors.New("quote registry: tuple index out of range")
)

const moduleName = "quote"

type registryState interface {
	QuoteHashPut(vault [20]byte, hash [32]byte) error
	QuoteHashDelete(vault [20]byte, hash [32]byte) error
	QuoteHashExists(vault [20]byte, hash [32]byte) bool
}

// Registry tracks the content hashes of on-chain quotes per vault. Existence
// and deletion are O(1) set operations on the (vault, hash) pair.
type Registry struct {
	state   registryState
	emitter events.Emitter
	pauses  nativecommon.PauseView
	nowFn   func() int64
}

// NewRegistry creates a registry with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewRegistry() *Registry {
	return &Registry{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the registry.
func (r *Registry) SetState(state registryState) { r.state = state }

// SetPauses wires the governance pause switches.
func (r *Registry) SetPauses(p nativecommon.PauseView) {
	if r == nil {
		return
	}
	r.pauses = p
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for tests.
func (r *Registry) SetNowFunc(now func() int64) {
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

func (r *Registry) now() int64 {
	if r == nil || r.nowFn == nil {
		return time.Now().Unix()
	}
	return r.nowFn()
}

// AddOnChainQuote validates and registers a quote for the vault, returning
// the content hash it is registered under.
func (r *Registry) AddOnChainQuote(vault [20]byte, q *OnChainQuote) ([32]byte, error) {
	var hash [32]byte
	if r == nil || r.state == nil {
		return hash, errNilState
	}
	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return hash, err
	}
	if q == nil || len(q.Tuples) == 0 {
		return hash, ErrNoTuples
	}
	info, err := SanitizeInfo(q.Info)
	if err != nil {
		return hash, err
	}
	if info.ValidUntil <= r.now() {
		return hash, ErrQuoteExpired
	}
	for _, tuple := range q.Tuples {
		if err := tuple.Validate(); err != nil {
			return hash, err
		}
	}
	sanitized := q.Clone()
	sanitized.Info = info
	hash, err = OnChainQuoteHash(sanitized, vault)
	if err != nil {
		return hash, err
	}
	if r.state.QuoteHashExists(vault, hash) {
		return hash, ErrQuoteExists
	}
	if err := r.state.QuoteHashPut(vault, hash); err != nil {
		return hash, err
	}
	r.emit(NewQuoteAddedEvent(vault, hash, sanitized))
	return hash, nil
}

// DeleteOnChainQuote removes a previously registered quote from the vault.
func (r *Registry) DeleteOnChainQuote(vault [20]byte, q *OnChainQuote) ([32]byte, error) {
	var hash [32]byte
	if r == nil || r.state == nil {
		return hash, errNilState
	}
	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return hash, err
	}
	info, err := SanitizeInfo(q.Info)
	if err != nil {
		return hash, err
	}
	sanitized := q.Clone()
	sanitized.Info = info
	hash, err = OnChainQuoteHash(sanitized, vault)
	if err != nil {
		return hash, err
	}
	return hash, r.DeleteQuoteHash(vault, hash)
}

// DeleteQuoteHash removes a quote by its content hash. Used both by explicit
// lender deletes and by the loan engine when a single-use quote is consumed.
func (r *Registry) DeleteQuoteHash(vault [20]byte, hash [32]byte) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	if !r.state.QuoteHashExists(vault, hash) {
		return ErrQuoteNotFound
	}
	if err := r.state.QuoteHashDelete(vault, hash); err != nil {
		return err
	}
	r.emit(NewQuoteDeletedEvent(vault, hash))
	return nil
}

// IsOnChainQuote reports whether the hash is currently registered for the
// vault.
func (r *Registry) IsOnChainQuote(vault [20]byte, hash [32]byte) bool {
	if r == nil || r.state == nil {
		return false
	}
	return r.state.QuoteHashExists(vault, hash)
}

// SelectTuple returns the borrower-chosen tuple of an on-chain quote by
// index, after revalidating it.
func SelectTuple(q *OnChainQuote, idx int) (QuoteTuple, error) {
	if q == nil || idx < 0 || idx >= len(q.Tuples) {
		return QuoteTuple{}, ErrTupleOutOfRange
	}
	tuple := q.Tuples[idx]
	if err := tuple.Validate(); err != nil {
		return QuoteTuple{}, err
	}
	return tuple.Clone(), nil
}

func (r *Registry) emit(evt events.Event) {
	if r == nil || r.emitter == nil || evt == nil {
		return
	}
	r.emitter.Emit(evt)
}
