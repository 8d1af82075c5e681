package router

import (
	"context"
	"iter"

	"siza-core/models"
	"siza-core/observability"
	"siza-core/services"
)

// ErrStreamIncomplete is the message emitted when a provider stream ends without complete or error
const ErrStreamIncomplete = "Generation stream ended before completion"

// GeneratorSource dispatches providers to their streaming generators
type GeneratorSource interface {
	Generator(p models.Provider) (services.Generator, error)
	HasServerCredentials(p models.Provider) bool
}

// RouteOptions is one generation request as seen by the router
type RouteOptions struct {
	Generate services.GenerateOptions

	// Provider pins the provider; empty lets the policy decide
	Provider models.Provider

	// Keys holds the user's decrypted keys by provider. Providers without
	// an entry are served with server-side credentials.
	Keys map[models.Provider]string

	IsFreeTier      bool
	DisableFallback bool
}

// Router executes generations with single-hop quota fallback
type Router struct {
	clients GeneratorSource
	policy  Policy
	budget  *FallbackBudget
}

// New creates a Router. The budget is shared by every request of the process.
func New(clients GeneratorSource, policy Policy, budget *FallbackBudget) *Router {
	return &Router{clients: clients, policy: policy, budget: budget}
}

// Budget exposes the fallback budget for reporting
func (r *Router) Budget() *FallbackBudget {
	return r.budget
}

// Policy returns the routing policy
func (r *Router) Policy() Policy {
	return r.policy
}

// Decide returns the routing decision for opts without executing it
func (r *Router) Decide(opts RouteOptions) Decision {
	if opts.Provider != "" {
		model := opts.Generate.Model
		if model == "" {
			model = r.policy.ModelFor(opts.Provider)
		}
		return Decision{Provider: opts.Provider, Model: model, Reason: ReasonDefault}
	}

	d := r.policy.Route(opts.Generate.Prompt, opts.Generate.HasImage(), opts.IsFreeTier)
	if opts.Generate.Model != "" {
		d.Model = opts.Generate.Model
	}
	return d
}

type attemptOutcome int

const (
	outcomeTerminal attemptOutcome = iota
	outcomeQuota
	outcomeStopped
)

// RouteGeneration streams routing, provider and fallback events for one request.
// The sequence is single-pass; breaking out of it stops the provider stream.
func (r *Router) RouteGeneration(ctx context.Context, opts RouteOptions) iter.Seq[services.Event] {
	return func(yield func(services.Event) bool) {
		metrics := observability.GetMetrics()
		decision := r.Decide(opts)
		metrics.RecordRoutingDecision(decision.Provider.String(), string(decision.Reason))

		routing := services.Event{
			Type:     services.EventRouting,
			Provider: decision.Provider,
			Model:    decision.Model,
			Reason:   string(decision.Reason),
		}
		if !yield(routing) {
			return
		}

		outcome, quotaErr := r.attempt(ctx, decision, opts, yield, true)
		if outcome != outcomeQuota {
			return
		}

		target, ok := r.fallbackTarget(decision.Provider, opts)
		if !ok {
			yield(quotaErr)
			return
		}

		used, ok := r.budget.Reserve()
		if !ok {
			metrics.RecordFallbackBudgetExhausted()
			observability.WithProvider(decision.Provider.String()).Warn("fallback budget exhausted",
				"limit", r.budget.Usage().Limit)
			yield(quotaErr)
			return
		}

		metrics.RecordFallback(decision.Provider.String(), target.String(), used)
		observability.WithProvider(decision.Provider.String()).Info("falling back after quota error",
			"to", target,
			"budget_used", used)

		next := Decision{Provider: target, Model: r.policy.ModelFor(target), Reason: ReasonQuotaFallback}
		metrics.RecordRoutingDecision(next.Provider.String(), string(next.Reason))

		fallback := services.Event{
			Type:     services.EventFallback,
			Provider: next.Provider,
			Model:    next.Model,
			Reason:   string(next.Reason),
			Message:  quotaErr.Message,
		}
		if !yield(fallback) {
			return
		}

		r.attempt(ctx, next, opts, yield, false)
	}
}

// fallbackTarget applies the fallback map. A target needs either server
// credentials or a user key, except anthropic to google which is always allowed.
func (r *Router) fallbackTarget(from models.Provider, opts RouteOptions) (models.Provider, bool) {
	if opts.DisableFallback {
		return "", false
	}
	switch from {
	case models.ProviderAnthropic:
		return models.ProviderGoogle, true
	default:
		if r.clients.HasServerCredentials(models.ProviderAnthropic) || opts.Keys[models.ProviderAnthropic] != "" {
			return models.ProviderAnthropic, true
		}
		return "", false
	}
}

// attempt relays one provider stream. With interceptQuota set, a quota error
// is held back and returned instead of forwarded.
func (r *Router) attempt(ctx context.Context, d Decision, opts RouteOptions, yield func(services.Event) bool, interceptQuota bool) (attemptOutcome, services.Event) {
	metrics := observability.GetMetrics()
	provider := d.Provider.String()

	gen, err := r.clients.Generator(d.Provider)
	if err != nil {
		metrics.RecordGenerationError(provider, "unsupported")
		yield(services.ErrorEvent(err.Error()))
		return outcomeTerminal, services.Event{}
	}

	genOpts := opts.Generate
	genOpts.Model = d.Model
	genOpts.APIKey = opts.Keys[d.Provider]

	metrics.RecordGenerationRequest(provider, d.Model)
	timer := metrics.NewTimer()

	for ev := range gen.Stream(ctx, genOpts) {
		switch ev.Type {
		case services.EventError:
			// A provider reporting its own cancellation is not news to the caller
			if ctx.Err() != nil {
				timer.ObserveGeneration(provider, "cancelled")
				return outcomeStopped, services.Event{}
			}
			if IsQuotaError(ev.Message) {
				metrics.RecordGenerationError(provider, "quota")
				timer.ObserveGeneration(provider, "quota")
				if interceptQuota {
					return outcomeQuota, ev
				}
			} else {
				metrics.RecordGenerationError(provider, "provider")
				timer.ObserveGeneration(provider, "error")
			}
			yield(ev)
			return outcomeTerminal, services.Event{}

		case services.EventComplete:
			timer.ObserveGeneration(provider, "success")
			yield(ev)
			return outcomeTerminal, services.Event{}
		}

		if !yield(ev) {
			timer.ObserveGeneration(provider, "cancelled")
			return outcomeStopped, services.Event{}
		}
	}

	if ctx.Err() != nil {
		timer.ObserveGeneration(provider, "cancelled")
		return outcomeStopped, services.Event{}
	}

	metrics.RecordGenerationError(provider, "incomplete")
	timer.ObserveGeneration(provider, "incomplete")
	observability.WithProvider(provider).Warn("provider stream ended without a terminal event", "model", d.Model)
	yield(services.ErrorEvent(ErrStreamIncomplete))
	return outcomeTerminal, services.Event{}
}
