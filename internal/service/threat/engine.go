package threat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
	"github.com/bluelight-hub/aegis/internal/domain/errors"
	"github.com/bluelight-hub/aegis/internal/domain/threat"
	"github.com/bluelight-hub/aegis/internal/infrastructure/events"
	"github.com/bluelight-hub/aegis/internal/infrastructure/queue"
	"github.com/bluelight-hub/aegis/internal/infrastructure/telemetry"
)

// DefaultEvalTimeout bounds a single rule evaluation.
const DefaultEvalTimeout = 500 * time.Millisecond

// Enqueuer is the slice of the ingestion queue the engine needs to log
// detections as SUSPICIOUS_ACTIVITY events.
type Enqueuer interface {
	EnqueueEvent(ctx context.Context, event *audit.SecurityEvent, opts queue.EnqueueOptions) (string, error)
}

// RuleStats is a per-rule execution counter snapshot.
type RuleStats struct {
	Executions       int64         `json:"executions"`
	Matches          int64         `json:"matches"`
	Timeouts         int64         `json:"timeouts"`
	Errors           int64         `json:"errors"`
	LastExecution    time.Time     `json:"last_execution"`
	AvgExecutionTime time.Duration `json:"avg_execution_time"`
}

// EngineMetrics aggregates counters across all registered rules.
type EngineMetrics struct {
	RulesRegistered int   `json:"rules_registered"`
	Executions      int64 `json:"executions"`
	Matches         int64 `json:"matches"`
	Timeouts        int64 `json:"timeouts"`
	Errors          int64 `json:"errors"`
}

// Detection is the aggregate broadcast payload for an evaluation that
// produced at least one match.
type Detection struct {
	Context   *threat.Context            `json:"context"`
	Results   []*threat.EvaluationResult `json:"results"`
	Timestamp time.Time                  `json:"timestamp"`
}

type ruleStats struct {
	executions    int64
	matches       int64
	timeouts      int64
	errs          int64
	lastExecution time.Time
	totalDuration time.Duration
}

// Engine holds the rule registry and fans evaluation out across all
// registered rules. One failing or slow rule never affects the others: its
// error or timeout is counted and the rest of the results stand.
type Engine struct {
	logger      *zap.Logger
	bus         *events.Bus
	enqueuer    Enqueuer
	tracer      *telemetry.AppTracer
	evalTimeout time.Duration

	mu    sync.RWMutex
	rules map[string]Rule
	stats map[string]*ruleStats
}

// NewEngine creates an engine. The enqueuer may be nil, in which case
// detections are broadcast but not written back into the log.
func NewEngine(logger *zap.Logger, bus *events.Bus, enqueuer Enqueuer, evalTimeout time.Duration) *Engine {
	if evalTimeout <= 0 {
		evalTimeout = DefaultEvalTimeout
	}
	return &Engine{
		logger:      logger,
		bus:         bus,
		enqueuer:    enqueuer,
		tracer:      telemetry.NewTracer("aegis.threat.engine"),
		evalTimeout: evalTimeout,
		rules:       make(map[string]Rule),
		stats:       make(map[string]*ruleStats),
	}
}

// Register validates the rule and adds it to the registry, replacing any
// rule with the same id. Statistics for a replaced rule are reset.
func (e *Engine) Register(rule Rule) error {
	if rule == nil {
		return errors.NewValidationError("NIL_RULE", "rule cannot be nil")
	}
	if err := rule.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.ID()] = rule
	e.stats[rule.ID()] = &ruleStats{}

	e.logger.Info("rule registered",
		zap.String("rule_id", rule.ID()),
		zap.String("rule_name", rule.Name()),
		zap.String("version", rule.Version()),
		zap.String("condition_type", string(rule.ConditionType())))
	return nil
}

// Unregister removes a rule and its statistics. Unknown ids are a no-op.
func (e *Engine) Unregister(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[ruleID]; !ok {
		return
	}
	delete(e.rules, ruleID)
	delete(e.stats, ruleID)
	e.logger.Info("rule unregistered", zap.String("rule_id", ruleID))
}

// Rule looks up a registered rule by id.
func (e *Engine) Rule(ruleID string) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rule, ok := e.rules[ruleID]
	return rule, ok
}

// Rules snapshots the registry.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rules := make([]Rule, 0, len(e.rules))
	for _, rule := range e.rules {
		rules = append(rules, rule)
	}
	return rules
}

// Evaluate runs every registered rule against the context concurrently and
// returns the matched verdicts. Result order is unspecified. Side effects
// per evaluation with matches: a threat.detected broadcast, an alert for
// verdicts at or above HIGH, one action broadcast per recommended action,
// and a SUSPICIOUS_ACTIVITY event enqueued per match.
func (e *Engine) Evaluate(ctx context.Context, ec *threat.Context) []*threat.EvaluationResult {
	if ec == nil || ec.Event == nil {
		return nil
	}
	rules := e.Rules()
	if len(rules) == 0 {
		return nil
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		matched []*threat.EvaluationResult
	)
	for _, rule := range rules {
		wg.Add(1)
		go func(rule Rule) {
			defer wg.Done()
			result := e.evaluateOne(ctx, rule, ec)
			if result != nil && result.Matched {
				mu.Lock()
				matched = append(matched, result)
				mu.Unlock()
			}
		}(rule)
	}
	wg.Wait()

	if len(matched) > 0 {
		e.publishDetections(ctx, ec, matched)
	}
	return matched
}

type evalOutcome struct {
	result *threat.EvaluationResult
	err    error
}

// evaluateOne runs a single rule under the engine deadline and records its
// statistics. The rule goroutine is left to finish on its own after a
// timeout; its late result is discarded.
func (e *Engine) evaluateOne(ctx context.Context, rule Rule, ec *threat.Context) *threat.EvaluationResult {
	ctx, span := e.tracer.StartRuleSpan(ctx, rule.Name())
	defer span.End()

	ruleCtx, cancel := context.WithTimeout(ctx, e.evalTimeout)
	defer cancel()

	started := time.Now()
	outcome := make(chan evalOutcome, 1)
	go func() {
		result, err := rule.Evaluate(ruleCtx, ec)
		outcome <- evalOutcome{result: result, err: err}
	}()

	select {
	case out := <-outcome:
		elapsed := time.Since(started)
		if out.err != nil {
			e.recordExecution(rule.ID(), elapsed, false, false, true)
			telemetry.WithSpanError(span, out.err)
			e.logger.Error("rule evaluation failed",
				zap.String("rule_id", rule.ID()),
				zap.String("rule_name", rule.Name()),
				zap.Error(out.err))
			return nil
		}
		hit := out.result != nil && out.result.Matched
		e.recordExecution(rule.ID(), elapsed, hit, false, false)
		return out.result

	case <-ruleCtx.Done():
		elapsed := time.Since(started)
		e.recordExecution(rule.ID(), elapsed, false, true, false)
		telemetry.WithSpanError(span, ruleCtx.Err())
		e.logger.Warn("rule evaluation timed out",
			zap.String("rule_id", rule.ID()),
			zap.String("rule_name", rule.Name()),
			zap.Duration("timeout", e.evalTimeout))
		return nil
	}
}

func (e *Engine) recordExecution(ruleID string, elapsed time.Duration, matched, timedOut, failed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.stats[ruleID]
	if !ok {
		// Rule was unregistered mid-flight.
		return
	}
	st.executions++
	st.totalDuration += elapsed
	st.lastExecution = time.Now().UTC()
	if matched {
		st.matches++
	}
	if timedOut {
		st.timeouts++
	}
	if failed {
		st.errs++
	}
}

// publishDetections emits the aggregate detection, per-match alerts and
// actions, and writes each match back into the log as SUSPICIOUS_ACTIVITY.
func (e *Engine) publishDetections(ctx context.Context, ec *threat.Context, matched []*threat.EvaluationResult) {
	e.bus.Publish(events.TopicThreatDetected, Detection{
		Context:   ec,
		Results:   matched,
		Timestamp: time.Now().UTC(),
	})

	for _, result := range matched {
		e.publishActions(ec.Event, result)

		if result.Severity.AtLeast(audit.SeverityHigh) {
			e.bus.Publish(events.TopicAlert, events.Alert{
				AlertType: "THREAT_DETECTED",
				Severity:  string(result.Severity),
				Details:   result.Reason,
				AdditionalInfo: map[string]interface{}{
					"rule_name": result.RuleName,
					"rule_id":   result.RuleID,
					"score":     result.Score,
					"evidence":  result.Evidence,
				},
			})
		}

		e.logDetection(ctx, ec.Event, result)
	}
}

func (e *Engine) publishActions(event *audit.SecurityEvent, result *threat.EvaluationResult) {
	for _, action := range result.SuggestedActions {
		switch action {
		case threat.ActionBlockIP:
			e.bus.Publish(events.TopicBlockIP, events.BlockIPNotice{
				IP:     event.IPAddress,
				Reason: result.Reason,
			})
		case threat.ActionRequire2FA:
			e.bus.Publish(events.TopicRequire2FA, events.Require2FANotice{
				UserID: event.UserID,
				Email:  event.EmailKey(),
			})
		case threat.ActionInvalidateSessions:
			e.bus.Publish(events.TopicInvalidateSessions, events.InvalidateSessionsNotice{
				UserID: event.UserID,
			})
		case threat.ActionIncreaseMonitoring:
			e.bus.Publish(events.TopicIncreaseMonitoring, events.IncreaseMonitoringNotice{
				UserID: event.UserID,
				IP:     event.IPAddress,
			})
		default:
			e.logger.Warn("unknown suggested action",
				zap.String("action", string(action)),
				zap.String("rule_id", result.RuleID))
		}
	}
}

// logDetection enqueues the match as a SUSPICIOUS_ACTIVITY event. Detections
// on events that are already SUSPICIOUS_ACTIVITY are not logged again, which
// breaks the feedback loop of rules matching their own output.
func (e *Engine) logDetection(ctx context.Context, source *audit.SecurityEvent, result *threat.EvaluationResult) {
	if e.enqueuer == nil || source.EventType == audit.EventSuspiciousActivity {
		return
	}

	detection, err := audit.NewSecurityEvent(audit.EventSuspiciousActivity)
	if err != nil {
		return
	}
	detection.UserID = source.UserID
	detection.Email = source.Email
	detection.IPAddress = source.IPAddress
	detection.UserAgent = source.UserAgent
	detection.SessionID = source.SessionID
	detection.Severity = result.Severity
	detection.Message = result.Reason
	detection.Metadata = audit.Metadata{
		"ruleId":        result.RuleID,
		"ruleName":      result.RuleName,
		"score":         result.Score,
		"evidence":      map[string]interface{}(result.Evidence),
		"sourceEventId": source.ID.String(),
	}

	if _, err := e.enqueuer.EnqueueEvent(ctx, detection, queue.EnqueueOptions{}); err != nil {
		e.logger.Error("failed to enqueue detection event",
			zap.String("rule_id", result.RuleID),
			zap.Error(err))
	}
}

// Stats snapshots per-rule statistics keyed by rule id.
func (e *Engine) Stats() map[string]RuleStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]RuleStats, len(e.stats))
	for id, st := range e.stats {
		snapshot := RuleStats{
			Executions:    st.executions,
			Matches:       st.matches,
			Timeouts:      st.timeouts,
			Errors:        st.errs,
			LastExecution: st.lastExecution,
		}
		if st.executions > 0 {
			snapshot.AvgExecutionTime = st.totalDuration / time.Duration(st.executions)
		}
		out[id] = snapshot
	}
	return out
}

// Metrics aggregates counters across every registered rule.
func (e *Engine) Metrics() EngineMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()

	m := EngineMetrics{RulesRegistered: len(e.rules)}
	for _, st := range e.stats {
		m.Executions += st.executions
		m.Matches += st.matches
		m.Timeouts += st.timeouts
		m.Errors += st.errs
	}
	return m
}
