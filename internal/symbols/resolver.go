package symbols

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Resolver composes strategies with short-circuit evaluation.
type Resolver struct {
	logger     zerolog.Logger
	strategies []Strategy
}

// NewResolver creates a resolver. With no strategies it uses
// DefaultStrategies.
func NewResolver(logger zerolog.Logger, strategies ...Strategy) *Resolver {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	return &Resolver{
		logger:     logger.With().Str("component", "symbol-resolver").Logger(),
		strategies: strategies,
	}
}

// Strategies returns the strategy names in evaluation order.
func (r *Resolver) Strategies() []string {
	names := make([]string, len(r.strategies))
	for i, s := range r.strategies {
		names[i] = s.Name()
	}
	return names
}

// Resolve returns the first strategy's answer, or a *NotFoundError.
func (r *Resolver) Resolve(src Source, q Query) (Symbol, error) {
	for _, s := range r.strategies {
		sym, ok, err := s.Find(src, q)
		if err != nil {
			r.logger.Debug().Err(err).Str("strategy", s.Name()).Str("query", q.String()).
				Msg("Strategy failed, trying next")
			continue
		}
		if ok {
			sym.Strategy = s.Name()
			r.logger.Debug().
				Str("query", q.String()).
				Str("symbol", sym.Name).
				Str("strategy", s.Name()).
				Str("address", fmt.Sprintf("%#x", sym.Address)).
				Msg("Resolved symbol")
			return sym, nil
		}
	}
	return Symbol{}, &NotFoundError{Query: q, Tried: r.Strategies()}
}

// Result is one query's outcome from ResolveAll.
type Result struct {
	Query  Query
	Symbol Symbol
	// Err is a *NotFoundError when nothing matched.
	Err error
}

// Found reports whether the query resolved.
func (r Result) Found() bool { return r.Err == nil }

// ResolveAll resolves several queries together. Queries still pending when
// a BatchStrategy is reached are answered by a single pass of it.
func (r *Resolver) ResolveAll(src Source, qs []Query) []Result {
	results := make([]Result, len(qs))
	pending := make([]int, 0, len(qs))
	for i, q := range qs {
		results[i].Query = q
		pending = append(pending, i)
	}

	for _, s := range r.strategies {
		if len(pending) == 0 {
			break
		}

		if batch, ok := s.(BatchStrategy); ok {
			batchQs := make([]Query, len(pending))
			for j, idx := range pending {
				batchQs[j] = qs[idx]
			}
			syms, found, err := batch.FindAll(src, batchQs)
			if err != nil {
				r.logger.Debug().Err(err).Str("strategy", s.Name()).Msg("Strategy failed, trying next")
				continue
			}
			var still []int
			for j, idx := range pending {
				if found[j] {
					syms[j].Strategy = s.Name()
					results[idx].Symbol = syms[j]
				} else {
					still = append(still, idx)
				}
			}
			pending = still
			continue
		}

		var still []int
		for _, idx := range pending {
			sym, ok, err := s.Find(src, qs[idx])
			if err != nil {
				r.logger.Debug().Err(err).Str("strategy", s.Name()).Str("query", qs[idx].String()).
					Msg("Strategy failed, trying next")
			}
			if ok && err == nil {
				sym.Strategy = s.Name()
				results[idx].Symbol = sym
				continue
			}
			still = append(still, idx)
		}
		pending = still
	}

	for _, idx := range pending {
		results[idx].Err = &NotFoundError{Query: qs[idx], Tried: r.Strategies()}
	}
	return results
}
