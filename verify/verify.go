// Package verify implements self-consistency verification: sample k
// responses for the same prompt, majority-vote over normalized answers and
// report the agreement ratio as an uncertainty signal. The verifier never
// decides what to do about low agreement; callers apply an EscalationPolicy.
package verify

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/logging"
	"github.com/hupe1980/agentcore/provider"
)

const (
	// DefaultSamples is the default sample count k.
	DefaultSamples = 5
	// DefaultThreshold is the agreement ratio below which the default
	// policy escalates.
	DefaultThreshold = 0.6
)

// Result summarizes one verification round. AgreementRatio is
// majority count over k, counting failed samples against agreement.
type Result struct {
	MajorityAnswer string   `json:"majority_answer"`
	AgreementRatio float64  `json:"agreement_ratio"`
	MajorityCount  int      `json:"majority_count"`
	Samples        []string `json:"samples"`
}

// Action is the caller-side reaction to a verification result.
type Action int

const (
	// ActionAccept takes the majority answer as-is.
	ActionAccept Action = iota
	// ActionEscalate re-routes the query to a heavier tier.
	ActionEscalate
)

// EscalationPolicy maps a verification result to an action. Injected by the
// caller so the verifier itself stays decision-free.
type EscalationPolicy func(Result) Action

// ThresholdPolicy escalates whenever agreement falls below threshold.
func ThresholdPolicy(threshold float64) EscalationPolicy {
	return func(r Result) Action {
		if r.AgreementRatio < threshold {
			return ActionEscalate
		}
		return ActionAccept
	}
}

// Options configures a Verifier.
type Options struct {
	// Samples is the default k when Verify is called with k <= 0.
	Samples int

	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Verifier drives k-sample self-consistency rounds against a model.
type Verifier struct {
	opts Options
}

// NewVerifier creates a Verifier with default options.
func NewVerifier(optFns ...func(o *Options)) *Verifier {
	opts := Options{
		Samples: DefaultSamples,
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Verifier{opts: opts}
}

// Verify generates k independent samples for prompt against the given model
// and majority-votes over their normalized answers. Samples run in parallel;
// individual sample failures reduce agreement rather than failing the round.
// An error is returned only when every sample fails.
func (v *Verifier) Verify(ctx context.Context, prompt string, k int, model provider.Model) (*Result, error) {
	if k <= 0 {
		k = v.opts.Samples
	}

	texts := make([]string, k)
	errs := make([]error, k)

	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			texts[i], errs[i] = v.sample(ctx, prompt, model)
		}(i)
	}
	wg.Wait()

	samples := make([]string, 0, k)
	var lastErr error
	for i := 0; i < k; i++ {
		if errs[i] != nil {
			lastErr = errs[i]
			continue
		}
		samples = append(samples, texts[i])
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("verify: all %d samples failed: %w", k, lastErr)
	}

	majority, count := majorityVote(samples)
	result := &Result{
		MajorityAnswer: majority,
		AgreementRatio: float64(count) / float64(k),
		MajorityCount:  count,
		Samples:        samples,
	}
	v.opts.Logger.Debug("self-consistency round complete",
		"k", k,
		"majority_count", count,
		"agreement", result.AgreementRatio,
	)
	return result, nil
}

// sample runs one non-streaming generation and returns its final text.
func (v *Verifier) sample(ctx context.Context, prompt string, model provider.Model) (string, error) {
	respCh, errCh := model.Generate(ctx, provider.Request{
		Messages: []core.Message{core.UserMessage{Text: prompt}},
	})
	var text string
	for resp := range respCh {
		if !resp.Partial {
			text = resp.Text
		}
	}
	if err := <-errCh; err != nil {
		return "", err
	}
	return text, nil
}

// majorityVote counts normalized answers and returns the first raw sample
// matching the most common one, with its count. Ties break on first-seen
// sample order.
func majorityVote(samples []string) (string, int) {
	normalized := make([]string, len(samples))
	counts := make(map[string]int, len(samples))
	for i, s := range samples {
		normalized[i] = Normalize(s)
		counts[normalized[i]]++
	}

	best, bestCount := "", 0
	for _, norm := range normalized {
		if counts[norm] > bestCount {
			best, bestCount = norm, counts[norm]
		}
	}
	for i, norm := range normalized {
		if norm == best {
			return samples[i], bestCount
		}
	}
	return "", 0
}
