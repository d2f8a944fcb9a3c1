// Package models resolves which language model serves a turn: a locally
// hosted endpoint when one answers the probe, otherwise a single cloud
// fallback.
package models

import (
	"context"
	"strings"
	"time"

	"github.com/finsight-ai/finsight/internal/observability"
)

// Provider identifies a model backend.
type Provider string

const (
	ProviderLocal     Provider = "local"
	ProviderAnthropic Provider = "anthropic"
)

// thinkingModels are name substrings of models with an extended reasoning
// mode. Matching is case-insensitive.
var thinkingModels = []string{
	"qwen3",
	"qwq",
	"deepseek-r1",
	"magistral",
	"claude-sonnet-4",
	"claude-opus-4",
	"claude-3-7",
}

// nonToolModels are name substrings of models that cannot do function
// calling and must be rejected with a compatibility error.
var nonToolModels = []string{
	"embed",
	"whisper",
	"rerank",
	"clip",
}

// ResolvedModel is the resolver's output, consumed by the agent loop.
type ResolvedModel struct {
	Provider         Provider
	Model            string
	SupportsThinking bool
	SupportsTools    bool

	// ReasoningEffort is a provider option forwarded verbatim.
	ReasoningEffort string
}

// Inventory lists the models a local endpoint advertises. Implemented by
// the local provider client.
type Inventory interface {
	ListModels(ctx context.Context) ([]string, error)
}

// Resolver picks a model once per request.
type Resolver struct {
	inventory    Inventory // nil when no local endpoint is configured
	probeTimeout time.Duration
	preferred    []string
	cloudModel   string
	logger       *observability.Logger
}

// NewResolver builds a resolver. inventory may be nil for cloud-only
// deployments.
func NewResolver(inventory Inventory, probeTimeout time.Duration, preferred []string, cloudModel string, logger *observability.Logger) *Resolver {
	if probeTimeout <= 0 {
		probeTimeout = 2500 * time.Millisecond
	}
	return &Resolver{
		inventory:    inventory,
		probeTimeout: probeTimeout,
		preferred:    preferred,
		cloudModel:   cloudModel,
		logger:       logger,
	}
}

// Resolve returns a usable model reference. Local probe failure is never
// fatal: the resolver falls back to the configured cloud model exactly
// once. It returns an error only when no cloud model is configured either,
// which the gateway maps to a configuration error before streaming starts.
func (r *Resolver) Resolve(ctx context.Context, requested string) (*ResolvedModel, error) {
	if r.inventory != nil {
		probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
		available, err := r.inventory.ListModels(probeCtx)
		cancel()
		if err == nil && len(available) > 0 {
			model := selectModel(available, requested, r.preferred)
			return r.describe(ProviderLocal, model), nil
		}
		if err != nil {
			r.logger.Warn(ctx, "local model probe failed, falling back to cloud",
				"reason", ClassifyReason(err), "error", err)
		} else {
			r.logger.Warn(ctx, "local endpoint advertises no models, falling back to cloud")
		}
	}

	if r.cloudModel == "" {
		return nil, NewFailoverError(nil, ProviderAnthropic, "", ReasonUnavailable)
	}
	return r.describe(ProviderAnthropic, r.cloudModel), nil
}

func (r *Resolver) describe(provider Provider, model string) *ResolvedModel {
	return &ResolvedModel{
		Provider:         provider,
		Model:            model,
		SupportsThinking: matchesAny(model, thinkingModels),
		SupportsTools:    !matchesAny(model, nonToolModels),
	}
}

// selectModel picks from the advertised list: exact requested match first,
// then the first advertised model containing a preferred substring in
// preference order, then the first advertised model.
func selectModel(available []string, requested string, preferred []string) string {
	if requested != "" {
		for _, m := range available {
			if strings.EqualFold(m, requested) {
				return m
			}
		}
	}
	for _, pref := range preferred {
		for _, m := range available {
			if strings.Contains(strings.ToLower(m), strings.ToLower(pref)) {
				return m
			}
		}
	}
	return available[0]
}

func matchesAny(model string, substrings []string) bool {
	lower := strings.ToLower(model)
	for _, s := range substrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
