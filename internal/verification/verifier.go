// Package verification implements the tiered continuity checks that run
// against draft content. FAST runs inline and can block a draft, MEDIUM runs
// in the background and files notifications, SLOW delegates to an external
// analyzer. All tiers are read-only with respect to the graph.
package verification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"lorekeeper/internal/config"
	"lorekeeper/internal/logging"
	"lorekeeper/internal/types"
	"lorekeeper/pkg/metrics"
)

// SceneContext carries the narrative situation the content is judged in.
type SceneContext struct {
	// RequiredCallbacks are phrases the scene must address.
	RequiredCallbacks []string
	// OpenConcerns maps a raised concern to the number of scenes since it
	// was last addressed.
	OpenConcerns map[string]int
	// PrevTimeOfDay is the time-of-day marker the previous scene ended on.
	PrevTimeOfDay string
	// Beat names the expected narrative beat, empty to skip the check.
	Beat string
}

// Verifier runs the three tiers against one graph.
type Verifier struct {
	graph         types.GraphReader
	analyzer      types.Analyzer
	notifications *NotificationQueue
	cfg           config.VerificationConfig

	bg sync.WaitGroup
}

// NewVerifier builds a verifier. analyzer may be nil, in which case the SLOW
// tier reports an error.
func NewVerifier(graph types.GraphReader, analyzer types.Analyzer, cfg config.VerificationConfig) *Verifier {
	return &Verifier{
		graph:         graph,
		analyzer:      analyzer,
		notifications: NewNotificationQueue(cfg.NotificationTTL, cfg.NotificationCap),
		cfg:           cfg,
	}
}

// Notifications exposes the pending MEDIUM-tier findings.
func (v *Verifier) Notifications() *NotificationQueue {
	return v.notifications
}

// Wait blocks until all background MEDIUM runs have drained.
func (v *Verifier) Wait() {
	v.bg.Wait()
}

// Run executes one tier. FAST and SLOW return their findings; MEDIUM
// schedules its checks in the background and returns immediately, with the
// findings delivered to the notification queue. A tier that overruns its
// budget aborts and yields a single INFO issue marking the analysis
// incomplete.
func (v *Verifier) Run(ctx context.Context, tier types.Tier, content string, sc *SceneContext) (*types.VerificationResult, error) {
	start := time.Now()
	if sc == nil {
		sc = &SceneContext{}
	}

	result := &types.VerificationResult{Tier: tier}
	var err error

	switch tier {
	case types.TierFast:
		result.Issues, err = v.runBudgeted(ctx, v.cfg.FastBudget, func(ctx context.Context) ([]types.VerificationIssue, error) {
			return v.fastChecks(ctx, content, sc)
		})
	case types.TierMedium:
		v.scheduleMedium(content, sc)
	case types.TierSlow:
		result.Issues, err = v.runBudgeted(ctx, v.cfg.SlowBudget, func(ctx context.Context) ([]types.VerificationIssue, error) {
			return v.slowChecks(ctx, content)
		})
	default:
		return nil, fmt.Errorf("unknown verification tier %q", tier)
	}
	if err != nil {
		return nil, err
	}

	result.Duration = time.Since(start)
	result.Finalize()
	metrics.VerificationDuration.WithLabelValues(string(tier)).Observe(result.Duration.Seconds())
	logging.Verification("Tier %s: passed=%t issues=%d duration=%v", tier, result.Passed, len(result.Issues), result.Duration)
	return result, nil
}

// runBudgeted runs a check set under a latency budget. Overrun does not
// pass or fail the content; it produces one INFO issue.
func (v *Verifier) runBudgeted(ctx context.Context, budget time.Duration, fn func(context.Context) ([]types.VerificationIssue, error)) ([]types.VerificationIssue, error) {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type outcome struct {
		issues []types.VerificationIssue
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		issues, err := fn(ctx)
		ch <- outcome{issues, err}
	}()

	select {
	case out := <-ch:
		if out.err != nil && ctx.Err() != nil {
			break
		}
		return out.issues, out.err
	case <-ctx.Done():
	}

	logging.Verification("Budget exceeded (%v), analysis incomplete", budget)
	return []types.VerificationIssue{{
		CheckName: "budget",
		Severity:  types.SeverityInfo,
		Message:   "analysis incomplete: latency budget exceeded",
	}}, nil
}

// =============================================================================
// FAST TIER
// =============================================================================

func (v *Verifier) fastChecks(ctx context.Context, content string, sc *SceneContext) ([]types.VerificationIssue, error) {
	var issues []types.VerificationIssue

	terminal, err := v.checkTerminalReferences(ctx, content)
	if err != nil {
		return nil, err
	}
	issues = append(issues, terminal...)

	issues = append(issues, v.checkRequiredCallbacks(content, sc)...)

	contradictions, err := v.checkContradictionJuxtaposition(ctx, content)
	if err != nil {
		return nil, err
	}
	issues = append(issues, contradictions...)

	return issues, nil
}

// checkTerminalReferences flags content that treats a terminal or
// invalidated node as still active.
func (v *Verifier) checkTerminalReferences(ctx context.Context, content string) ([]types.VerificationIssue, error) {
	var issues []types.VerificationIssue
	for _, t := range []types.NodeType{types.NodeCharacter, types.NodeLocation, types.NodeObject, types.NodeOrganization} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		nodes, err := v.graph.QueryByType(t)
		if err != nil {
			return nil, err
		}
		for i := range nodes {
			n := &nodes[i]
			if !n.Terminal() || !mentions(content, n.Name) {
				continue
			}
			issues = append(issues, types.VerificationIssue{
				CheckName:  "terminal_reference",
				Severity:   types.SeverityCritical,
				Message:    fmt.Sprintf("%s %q is %s but the draft treats it as present", n.Type, n.Name, terminalReason(n)),
				Location:   n.Name,
				Suggestion: fmt.Sprintf("remove %q from the scene or frame it as recollection", n.Name),
			})
		}
	}
	return issues, nil
}

func terminalReason(n *types.Node) string {
	if n.Status != types.StatusActive {
		return string(n.Status)
	}
	return n.Properties["status"]
}

func (v *Verifier) checkRequiredCallbacks(content string, sc *SceneContext) []types.VerificationIssue {
	var issues []types.VerificationIssue
	for _, cb := range sc.RequiredCallbacks {
		if mentions(content, cb) {
			continue
		}
		issues = append(issues, types.VerificationIssue{
			CheckName:  "required_callback",
			Severity:   types.SeverityCritical,
			Message:    fmt.Sprintf("required continuity callback %q is missing", cb),
			Suggestion: fmt.Sprintf("work %q into the scene", cb),
		})
	}
	return issues
}

// checkContradictionJuxtaposition flags a draft that places both sides of an
// unresolved CONTRADICTS pair in the same content.
func (v *Verifier) checkContradictionJuxtaposition(ctx context.Context, content string) ([]types.VerificationIssue, error) {
	edges, err := v.graph.UnresolvedContradictions()
	if err != nil {
		return nil, err
	}
	var issues []types.VerificationIssue
	for _, e := range edges {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src, err := v.graph.GetNode(e.SourceID)
		if err != nil {
			continue
		}
		tgt, err := v.graph.GetNode(e.TargetID)
		if err != nil {
			continue
		}
		if mentions(content, src.Name) && mentions(content, tgt.Name) {
			issues = append(issues, types.VerificationIssue{
				CheckName:  "contradiction_juxtaposition",
				Severity:   types.SeverityCritical,
				Message:    fmt.Sprintf("%q and %q contradict each other and appear together", src.Name, tgt.Name),
				Suggestion: "resolve the contradiction before placing both in one scene",
			})
		}
	}
	return issues, nil
}

// =============================================================================
// MEDIUM TIER
// =============================================================================

// scheduleMedium runs the MEDIUM checks in the background under their own
// budget. Findings go to the notification queue, never back to the caller.
func (v *Verifier) scheduleMedium(content string, sc *SceneContext) {
	v.bg.Add(1)
	go func() {
		defer v.bg.Done()
		start := time.Now()

		ctx, cancel := context.WithTimeout(context.Background(), v.cfg.MediumBudget)
		defer cancel()

		issues := v.mediumChecks(ctx, content, sc)
		if ctx.Err() != nil {
			issues = []types.VerificationIssue{{
				CheckName: "budget",
				Severity:  types.SeverityInfo,
				Message:   "analysis incomplete: latency budget exceeded",
			}}
		}
		for _, iss := range issues {
			v.notifications.Push(iss)
		}
		metrics.VerificationDuration.WithLabelValues(string(types.TierMedium)).Observe(time.Since(start).Seconds())
		logging.VerificationDebug("MEDIUM background run finished: %d findings", len(issues))
	}()
}

func (v *Verifier) mediumChecks(ctx context.Context, content string, sc *SceneContext) []types.VerificationIssue {
	var issues []types.VerificationIssue
	issues = append(issues, v.checkStaleConcerns(content, sc)...)
	issues = append(issues, checkBeatVocabulary(content, sc)...)
	issues = append(issues, checkTimeOfDay(content, sc)...)
	return issues
}

func (v *Verifier) checkStaleConcerns(content string, sc *SceneContext) []types.VerificationIssue {
	var issues []types.VerificationIssue
	for concern, scenes := range sc.OpenConcerns {
		if scenes < v.cfg.StaleConcernScenes || mentions(content, concern) {
			continue
		}
		issues = append(issues, types.VerificationIssue{
			CheckName:  "stale_concern",
			Severity:   types.SeverityWarning,
			Message:    fmt.Sprintf("concern %q has gone unaddressed for %d scenes", concern, scenes),
			Suggestion: fmt.Sprintf("address or retire %q", concern),
		})
	}
	return issues
}

// beatVocabulary lists the words a scene at a given narrative beat tends to
// carry. Divergence is a hint, not a rule, so findings are warnings.
var beatVocabulary = map[string][]string{
	"setup":      {"arrive", "meet", "begin", "first", "new"},
	"rising":     {"but", "however", "threat", "risk", "pursue"},
	"climax":     {"finally", "now", "confront", "strike", "break"},
	"falling":    {"after", "quiet", "settle", "aftermath"},
	"resolution": {"end", "peace", "return", "home", "close"},
}

func checkBeatVocabulary(content string, sc *SceneContext) []types.VerificationIssue {
	vocab, ok := beatVocabulary[sc.Beat]
	if !ok {
		return nil
	}
	lower := strings.ToLower(content)
	for _, w := range vocab {
		if strings.Contains(lower, w) {
			return nil
		}
	}
	return []types.VerificationIssue{{
		CheckName:  "beat_vocabulary",
		Severity:   types.SeverityWarning,
		Message:    fmt.Sprintf("scene vocabulary diverges from the %q beat", sc.Beat),
		Suggestion: "check whether the scene lands the intended beat",
	}}
}

// timeOrder ranks time-of-day markers within a single day.
var timeOrder = map[string]int{
	"dawn": 0, "morning": 1, "midday": 2, "noon": 2,
	"afternoon": 3, "dusk": 4, "evening": 5, "night": 6, "midnight": 7,
}

// timeMarkers lists the markers in day order. checkTimeOfDay scans them in
// this order, so when several markers regress the earliest one is reported.
var timeMarkers = []string{"dawn", "morning", "midday", "noon", "afternoon", "dusk", "evening", "night", "midnight"}

// transitionMarkers excuse a backward jump in time-of-day.
var transitionMarkers = []string{"next day", "following morning", "days later", "the next", "flashback", "earlier that"}

func checkTimeOfDay(content string, sc *SceneContext) []types.VerificationIssue {
	prev, ok := timeOrder[strings.ToLower(sc.PrevTimeOfDay)]
	if !ok {
		return nil
	}
	lower := strings.ToLower(content)
	for _, t := range transitionMarkers {
		if strings.Contains(lower, t) {
			return nil
		}
	}
	for _, marker := range timeMarkers {
		if rank := timeOrder[marker]; strings.Contains(lower, marker) && rank < prev {
			return []types.VerificationIssue{{
				CheckName:  "time_regression",
				Severity:   types.SeverityWarning,
				Message:    fmt.Sprintf("time moves backward from %s to %s without a transition", sc.PrevTimeOfDay, marker),
				Suggestion: "add a transition or fix the time marker",
			}}
		}
	}
	return nil
}

// =============================================================================
// SLOW TIER
// =============================================================================

func (v *Verifier) slowChecks(ctx context.Context, content string) ([]types.VerificationIssue, error) {
	if v.analyzer == nil {
		return nil, fmt.Errorf("slow tier requires an analyzer")
	}
	return v.analyzer.Analyze(ctx, content)
}

// mentions reports a case-insensitive whole-phrase occurrence.
func mentions(content, phrase string) bool {
	if phrase == "" {
		return false
	}
	return strings.Contains(strings.ToLower(content), strings.ToLower(phrase))
}
