package policy

import (
	"context"
	"encoding/json"
	"math"

	"github.com/agenr/agenr/pkg/config"
	"github.com/agenr/agenr/pkg/faults"
)

// ExecuteInput is what a policy sees about an execute request.
type ExecuteInput struct {
	BusinessID        string
	Request           map[string]any
	ConfirmationToken string
}

// Policy decides whether an execute request may proceed.
type Policy interface {
	Name() string
	Check(ctx context.Context, in ExecuteInput) error
}

// OpenPolicy lets every execute through.
type OpenPolicy struct{}

func (OpenPolicy) Name() string { return string(config.PolicyOpen) }

func (OpenPolicy) Check(context.Context, ExecuteInput) error { return nil }

// ConfirmPolicy requires a valid confirmation token for the exact request.
type ConfirmPolicy struct {
	store *ConfirmationStore
}

func NewConfirmPolicy(store *ConfirmationStore) *ConfirmPolicy {
	return &ConfirmPolicy{store: store}
}

func (p *ConfirmPolicy) Name() string { return string(config.PolicyConfirm) }

func (p *ConfirmPolicy) Check(ctx context.Context, in ExecuteInput) error {
	return p.store.Validate(ctx, in.ConfirmationToken, in.BusinessID, in.Request)
}

// StrictPolicy layers an amount ceiling and an optional rule expression on
// top of confirmation.
type StrictPolicy struct {
	store     *ConfirmationStore
	maxAmount int64 // cents
	rule      *Rule
}

func NewStrictPolicy(store *ConfirmationStore, maxAmount int64, rule *Rule) *StrictPolicy {
	return &StrictPolicy{store: store, maxAmount: maxAmount, rule: rule}
}

func (p *StrictPolicy) Name() string { return string(config.PolicyStrict) }

func (p *StrictPolicy) Check(ctx context.Context, in ExecuteInput) error {
	// The token is consumed last: a request denied by the ceiling or the
	// rule keeps its approval and can be resubmitted once corrected.
	if err := p.store.Inspect(ctx, in.ConfirmationToken, in.BusinessID, in.Request); err != nil {
		return err
	}

	cents, ok, err := amountCents(in.Request)
	if err != nil {
		return err
	}
	if ok && cents > p.maxAmount {
		return faults.Forbidden("execute amount %d cents exceeds the configured limit of %d cents", cents, p.maxAmount)
	}

	if p.rule != nil {
		allowed, err := p.rule.Allow(in.Request)
		if err != nil {
			return err
		}
		if !allowed {
			return faults.Forbidden("execute request denied by policy rule")
		}
	}

	return p.store.consume(ctx, in.ConfirmationToken)
}

// FromConfig builds the configured policy. An invalid rule expression is a
// startup error, not a per-request one.
func FromConfig(cfg *config.Config, store *ConfirmationStore) (Policy, error) {
	switch cfg.ExecutePolicy {
	case config.PolicyConfirm:
		return NewConfirmPolicy(store), nil
	case config.PolicyStrict:
		var rule *Rule
		if cfg.ExecuteRule != "" {
			var err error
			rule, err = NewRule(cfg.ExecuteRule)
			if err != nil {
				return nil, err
			}
		}
		return NewStrictPolicy(store, cfg.MaxExecuteAmount, rule), nil
	default:
		return OpenPolicy{}, nil
	}
}

// amountCents extracts the request's monetary amount in cents. amount_cents
// wins over amount. A fractional cent count is rejected rather than
// truncated so 1.5 can never slip under a ceiling as 1.
func amountCents(request map[string]any) (int64, bool, error) {
	for _, key := range []string{"amount_cents", "amount"} {
		v, ok := request[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case int64:
			return n, true, nil
		case int:
			return int64(n), true, nil
		case float64:
			if n != math.Trunc(n) {
				return 0, false, faults.Invalid("%s must be a whole number of cents, got %v", key, n)
			}
			return int64(n), true, nil
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return i, true, nil
			}
			if f, err := n.Float64(); err == nil {
				if f != math.Trunc(f) {
					return 0, false, faults.Invalid("%s must be a whole number of cents, got %v", key, f)
				}
				return int64(f), true, nil
			}
		}
	}
	return 0, false, nil
}
