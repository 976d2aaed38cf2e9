// Package ensemble fans a prompt out to every configured reasoning provider
// in parallel and folds the surviving answers into a single decision. Provider
// failures never fail an aggregation; they shrink the voting set and the
// weights renormalize over whoever answered.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/quorumtrade/internal/breaker"
	"github.com/ajitpratap0/quorumtrade/internal/config"
	"github.com/ajitpratap0/quorumtrade/internal/trading"
)

// Strategy selects the tier-1 voting method.
type Strategy string

const (
	StrategyWeighted Strategy = "weighted" // summed renormalized weight per action
	StrategyMajority Strategy = "majority" // mode of actions, weight breaks ties
	StrategyStacking Strategy = "stacking" // weight scaled by provider confidence
)

// defaultFallbackSentinel marks a provider reply that is the provider's own
// canned degradation, not a real decision. It counts as a failure. Providers
// with different sentinels configure theirs through Options.
const defaultFallbackSentinel = "[FALLBACK]"

// Fallback tiers recorded in metadata. TierRuleBased means no provider
// answered and the aggregate is a synthetic conservative HOLD.
const (
	TierRuleBased      = 0
	TierStrategy       = 1
	TierMajority       = 2
	TierAverage        = 3
	TierSingleProvider = 4
)

// Options configures an Aggregator.
type Options struct {
	Strategy          Strategy
	ProviderTimeout   time.Duration
	MinLocalProviders int
	ConservativeFloor float64  // confidence of the rule-based HOLD
	FallbackSentinels []string // reasoning substrings that mark a canned reply
}

// OptionsFromConfig maps the loaded ensemble config onto aggregator options.
func OptionsFromConfig(ec *config.EnsembleConfig) Options {
	return Options{
		Strategy:          Strategy(ec.Strategy),
		ProviderTimeout:   ec.ProviderTimeout(),
		MinLocalProviders: ec.MinLocalProviders,
		ConservativeFloor: ec.ConservativeFloor,
		FallbackSentinels: ec.FallbackSentinels,
	}
}

// Aggregator queries a fixed roster of providers. The roster and configured
// weights are immutable for the aggregator's lifetime; weight evolution
// between cycles happens upstream by constructing a new Aggregator.
type Aggregator struct {
	providers []trading.ReasoningPort
	weights   map[string]float64
	opts      Options
	logger    zerolog.Logger
}

// New builds an aggregator over the given roster. Providers are held sorted
// by id so aggregation order never depends on construction or arrival order.
// Configured weights are normalized to sum to 1 at construction; relative
// proportions are what the config expresses, not absolute magnitudes.
func New(providers []trading.ReasoningPort, weights map[string]float64, opts Options, logger zerolog.Logger) *Aggregator {
	sorted := make([]trading.ReasoningPort, len(providers))
	copy(sorted, providers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID() < sorted[j].ID() })

	total := 0.0
	for _, weight := range weights {
		total += weight
	}
	w := make(map[string]float64, len(weights))
	for id, weight := range weights {
		if total > 0 {
			w[id] = weight / total
		} else {
			w[id] = 1.0 / float64(len(weights))
		}
	}

	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 30 * time.Second
	}
	if opts.ConservativeFloor <= 0 {
		opts.ConservativeFloor = 50
	}
	if len(opts.FallbackSentinels) == 0 {
		opts.FallbackSentinels = []string{defaultFallbackSentinel}
	}

	return &Aggregator{providers: sorted, weights: w, opts: opts, logger: logger}
}

// Renormalize redistributes configured weights over the active provider set.
// Providers outside active get weight 0. A zero total falls back to equal
// weights across active.
func Renormalize(configured map[string]float64, active []string) map[string]float64 {
	out := make(map[string]float64, len(configured))
	for id := range configured {
		out[id] = 0
	}

	total := 0.0
	for _, id := range active {
		total += configured[id]
	}
	if len(active) == 0 {
		return out
	}
	if total == 0 {
		equal := 1.0 / float64(len(active))
		for _, id := range active {
			out[id] = equal
		}
		return out
	}
	for _, id := range active {
		out[id] = configured[id] / total
	}
	return out
}

type providerResult struct {
	decision   *trading.ProviderDecision
	failReason string
}

// Aggregate queries every provider concurrently and folds the results. It
// never returns an error: with zero valid answers the result is a rule-based
// HOLD carrying the all_providers_failed flag.
func (a *Aggregator) Aggregate(ctx context.Context, prompt string) *trading.EnsembleDecision {
	results := make([]providerResult, len(a.providers))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range a.providers {
		g.Go(func() error {
			results[i] = a.query(gctx, p, prompt)
			return nil
		})
	}
	_ = g.Wait()

	// a.providers is sorted by id, so walking results in slice order gives
	// the deterministic provider-id ordering regardless of completion order.
	queried := make([]string, 0, len(a.providers))
	used := make([]string, 0, len(a.providers))
	failed := make(map[string]string)
	decisions := make(map[string]*trading.ProviderDecision)
	localUsed := 0

	for i, p := range a.providers {
		id := p.ID()
		queried = append(queried, id)
		if r := results[i]; r.decision != nil {
			used = append(used, id)
			decisions[id] = r.decision
			if p.IsLocal() {
				localUsed++
			}
		} else {
			failed[id] = r.failReason
		}
	}

	renormalized := Renormalize(a.weights, used)
	meta := trading.EnsembleMetadata{
		ProvidersQueried:    queried,
		ProvidersUsed:       used,
		ProvidersFailed:     failed,
		OriginalWeights:     a.weights,
		RenormalizedWeights: renormalized,
		QuorumSatisfied:     a.opts.MinLocalProviders <= 0 || localUsed >= a.opts.MinLocalProviders,
		Timestamp:           time.Now().UTC(),
	}

	if len(used) == 0 {
		meta.AllProvidersFailed = true
		meta.FallbackTier = TierRuleBased
		a.logger.Warn().
			Int("providers", len(a.providers)).
			Msg("All reasoning providers failed, falling back to rule-based HOLD")
		return &trading.EnsembleDecision{
			Action:     trading.ActionHold,
			Confidence: a.opts.ConservativeFloor,
			Reasoning:  "all reasoning providers failed; holding",
			Metadata:   meta,
		}
	}

	decision := a.fold(used, decisions, renormalized, &meta)
	a.calibrate(decision, len(used), localUsed, &meta)
	decision.Metadata = meta
	return decision
}

// query runs one provider under its own timeout and classifies any failure.
func (a *Aggregator) query(ctx context.Context, p trading.ReasoningPort, prompt string) providerResult {
	pctx, cancel := context.WithTimeout(ctx, a.opts.ProviderTimeout)
	defer cancel()

	started := time.Now()
	d, err := p.Query(pctx, prompt)
	if err != nil {
		reason := trading.FailReasonError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			reason = trading.FailReasonTimeout
		case errors.Is(err, breaker.ErrCircuitOpen):
			reason = trading.FailReasonCircuitOpen
		}
		a.logger.Warn().
			Err(err).
			Str("provider", p.ID()).
			Str("reason", reason).
			Dur("elapsed", time.Since(started)).
			Msg("Provider query failed")
		return providerResult{failReason: reason}
	}

	if reason := a.invalidReason(d); reason != "" {
		a.logger.Warn().
			Str("provider", p.ID()).
			Str("reason", reason).
			Str("action", string(d.Action)).
			Float64("confidence", d.Confidence).
			Msg("Provider returned an invalid decision")
		return providerResult{failReason: reason}
	}

	d.ProviderID = p.ID()
	d.LatencyMS = time.Since(started).Milliseconds()
	return providerResult{decision: d}
}

// invalidReason returns a failure reason code for a malformed decision, or ""
// when the decision is valid. Sentinel matching is case-insensitive.
func (a *Aggregator) invalidReason(d *trading.ProviderDecision) string {
	switch {
	case d == nil:
		return trading.FailReasonError
	case !trading.ValidAction(d.Action):
		return trading.FailReasonInvalidAction
	case d.Confidence < 0 || d.Confidence > 100 || math.IsNaN(d.Confidence):
		return trading.FailReasonInvalidConfidence
	}
	reasoning := strings.ToUpper(d.Reasoning)
	for _, sentinel := range a.opts.FallbackSentinels {
		if sentinel != "" && strings.Contains(reasoning, strings.ToUpper(sentinel)) {
			return trading.FailReasonFallbackSentinel
		}
	}
	return ""
}

// fold applies the progressive fallback tiers over the active set.
func (a *Aggregator) fold(used []string, decisions map[string]*trading.ProviderDecision, weights map[string]float64, meta *trading.EnsembleMetadata) *trading.EnsembleDecision {
	if len(used) == 1 {
		meta.FallbackTier = TierSingleProvider
		d := decisions[used[0]]
		meta.AgreementScore = 1.0
		return &trading.EnsembleDecision{
			Action:          d.Action,
			Confidence:      d.Confidence,
			Reasoning:       fmt.Sprintf("[%s] %s", used[0], d.Reasoning),
			SuggestedAmount: d.SuggestedAmount,
		}
	}

	var winner trading.Action
	var ok bool
	tier := TierStrategy
	switch a.opts.Strategy {
	case StrategyWeighted:
		winner, ok = voteWeighted(used, decisions, weights, nil)
	case StrategyMajority:
		winner, ok = voteMajority(used, decisions, weights)
	case StrategyStacking:
		winner, ok = voteWeighted(used, decisions, weights, func(d *trading.ProviderDecision) float64 {
			return d.Confidence / 100
		})
	default:
		ok = false
	}

	if !ok {
		tier = TierMajority
		winner, ok = voteMajority(used, decisions, weights)
	}
	if !ok {
		// Weighted argmax cannot tie the way a raw majority can; it is the
		// terminal tier for |A| >= 2.
		tier = TierAverage
		winner, _ = voteWeighted(used, decisions, weights, nil)
	}
	meta.FallbackTier = tier

	return a.compose(winner, used, decisions, weights, meta)
}

// voteWeighted scores each action by summed renormalized weight, optionally
// scaled per provider, and returns the argmax. Ties across actions report
// !ok so the next tier can break them.
func voteWeighted(used []string, decisions map[string]*trading.ProviderDecision, weights map[string]float64, scale func(*trading.ProviderDecision) float64) (trading.Action, bool) {
	scores := make(map[trading.Action]float64)
	for _, id := range used {
		d := decisions[id]
		s := weights[id]
		if scale != nil {
			s *= scale(d)
		}
		scores[d.Action] += s
	}
	return argmax(scores)
}

// voteMajority takes the mode of actions; ties break by summed weight.
func voteMajority(used []string, decisions map[string]*trading.ProviderDecision, weights map[string]float64) (trading.Action, bool) {
	counts := make(map[trading.Action]int)
	for _, id := range used {
		counts[decisions[id].Action]++
	}

	best := 0
	for _, n := range counts {
		if n > best {
			best = n
		}
	}
	tied := make(map[trading.Action]float64)
	for _, id := range used {
		if d := decisions[id]; counts[d.Action] == best {
			tied[d.Action] += weights[id]
		}
	}
	return argmax(tied)
}

// argmax returns the highest-scoring action; iteration order does not matter
// because ties report !ok. Actions compare by fixed enum order on equal
// scores so the returned value is still deterministic for logging.
func argmax(scores map[trading.Action]float64) (trading.Action, bool) {
	ordered := []trading.Action{trading.ActionBuy, trading.ActionSell, trading.ActionHold}
	var winner trading.Action
	bestScore := math.Inf(-1)
	tie := false
	for _, action := range ordered {
		score, present := scores[action]
		if !present {
			continue
		}
		switch {
		case score > bestScore:
			winner, bestScore, tie = action, score, false
		case score == bestScore:
			tie = true
		}
	}
	return winner, winner != "" && !tie
}

// compose builds the aggregate from the winning side: weighted mean
// confidence, tagged reasoning, weighted suggested amount, agreement score
// and confidence variance.
func (a *Aggregator) compose(winner trading.Action, used []string, decisions map[string]*trading.ProviderDecision, weights map[string]float64, meta *trading.EnsembleMetadata) *trading.EnsembleDecision {
	var confSum, confWeight, confPlain float64
	var reasons []string
	var amountSum, amountWeight float64
	winners := 0

	for _, id := range used {
		d := decisions[id]
		if d.Action != winner {
			continue
		}
		winners++
		confSum += d.Confidence * weights[id]
		confWeight += weights[id]
		confPlain += d.Confidence
		if d.Reasoning != "" {
			reasons = append(reasons, fmt.Sprintf("[%s] %s", id, d.Reasoning))
		}
		if d.SuggestedAmount != nil {
			amountSum += *d.SuggestedAmount * weights[id]
			amountWeight += weights[id]
		}
	}

	// Weighted mean over the winning side. A winning side carrying zero
	// renormalized weight (possible after a majority tie-break) falls back to
	// the plain mean.
	confidence := 0.0
	switch {
	case confWeight > 0:
		confidence = confSum / confWeight
	case winners > 0:
		confidence = confPlain / float64(winners)
	}

	meta.AgreementScore = float64(winners) / float64(len(used))
	meta.ConfidenceVariance = confidenceVariance(used, decisions)

	out := &trading.EnsembleDecision{
		Action:     winner,
		Confidence: confidence,
		Reasoning:  strings.Join(reasons, "; "),
	}
	if amountWeight > 0 {
		amount := amountSum / amountWeight
		out.SuggestedAmount = &amount
	}
	return out
}

// calibrate scales confidence by participation and applies the local-quorum
// penalty. The result is rounded to a whole confidence point.
func (a *Aggregator) calibrate(d *trading.EnsembleDecision, usedCount, localUsed int, meta *trading.EnsembleMetadata) {
	factor := 0.7 + 0.3*float64(usedCount)/float64(len(a.providers))
	d.Confidence *= factor

	if !meta.QuorumSatisfied {
		d.Confidence *= 0.7
		a.logger.Debug().
			Int("local_used", localUsed).
			Int("min_local", a.opts.MinLocalProviders).
			Msg("Local quorum not met, penalizing confidence")
	}

	d.Confidence = math.Round(d.Confidence)
	if d.Confidence > 100 {
		d.Confidence = 100
	}
	if d.Confidence < 0 {
		d.Confidence = 0
	}
}

// confidenceVariance is the population variance of confidences across the
// active set.
func confidenceVariance(used []string, decisions map[string]*trading.ProviderDecision) float64 {
	if len(used) == 0 {
		return 0
	}
	mean := 0.0
	for _, id := range used {
		mean += decisions[id].Confidence
	}
	mean /= float64(len(used))

	variance := 0.0
	for _, id := range used {
		diff := decisions[id].Confidence - mean
		variance += diff * diff
	}
	return variance / float64(len(used))
}
