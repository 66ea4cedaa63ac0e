package view

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	ferrors "github.com/factlog/factlog/internal/errors"
	"github.com/factlog/factlog/internal/observability"
	"github.com/factlog/factlog/pkg/types"
)

const (
	predicateCostLimit = 10000
	maxCachedPrograms  = 256
)

// QueryRequest is a filter plus an optional CEL predicate over `event`.
type QueryRequest struct {
	Filter    types.EventFilter
	Predicate string
}

// Querier answers ad-hoc reads over the view.
type Querier struct {
	store   *Store
	env     *cel.Env
	stats   *observability.QueryStats
	metrics *observability.Metrics

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewQuerier creates a querier. stats and metrics may be nil.
func NewQuerier(store *Store, stats *observability.QueryStats, metrics *observability.Metrics) (*Querier, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("view: failed to create CEL environment: %w", err)
	}
	if metrics == nil {
		metrics = observability.NewMetrics(nil)
	}
	return &Querier{
		store:    store,
		env:      env,
		stats:    stats,
		metrics:  metrics,
		programs: make(map[string]cel.Program),
	}, nil
}

// Query returns events matching the filter and predicate in view order. The
// filter's Limit applies after the predicate.
func (q *Querier) Query(ctx context.Context, req QueryRequest) ([]types.Event, error) {
	start := time.Now()
	defer func() { q.metrics.QueryDuration.Observe(time.Since(start).Seconds()) }()
	q.record(req)

	if req.Predicate == "" {
		return q.store.Find(ctx, req.Filter)
	}

	prg, err := q.program(req.Predicate)
	if err != nil {
		return nil, err
	}

	limit := req.Filter.Limit
	filter := req.Filter
	filter.Limit = 0

	var (
		out     []types.Event
		evalErr error
	)
	err = q.store.Each(ctx, filter, func(ev types.Event) bool {
		ok, err := evaluate(prg, ev)
		if err != nil {
			evalErr = err
			return false
		}
		if ok {
			out = append(out, ev)
		}
		return limit <= 0 || len(out) < limit
	})
	if evalErr != nil {
		return nil, evalErr
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Compile checks a predicate without running it.
func (q *Querier) Compile(expr string) error {
	_, err := q.program(expr)
	return err
}

func (q *Querier) program(expr string) (cel.Program, error) {
	q.mu.RLock()
	prg, hit := q.programs[expr]
	q.mu.RUnlock()
	if hit {
		return prg, nil
	}

	ast, issues := q.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, invalidPredicate("compile", issues.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, invalidPredicate("compile", fmt.Errorf("predicate yields %s, not bool", t))
	}
	prg, err := q.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(predicateCostLimit),
	)
	if err != nil {
		return nil, invalidPredicate("program", err)
	}

	q.mu.Lock()
	if len(q.programs) >= maxCachedPrograms {
		q.programs = make(map[string]cel.Program)
	}
	q.programs[expr] = prg
	q.mu.Unlock()
	return prg, nil
}

func evaluate(prg cel.Program, ev types.Event) (bool, error) {
	out, _, err := prg.Eval(map[string]interface{}{"event": activation(ev)})
	if err != nil {
		return false, invalidPredicate("eval", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, invalidPredicate("eval", fmt.Errorf("result %v is not bool", out.Value()))
	}
	return val, nil
}

func invalidPredicate(stage string, err error) error {
	return ferrors.NewViewError(ferrors.CodeInvalidPredicate, "predicate "+stage, err)
}

// activation exposes an event to CEL under the same field names as its JSON form.
func activation(ev types.Event) map[string]interface{} {
	attrs := ev.Attributes
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	m := map[string]interface{}{
		"event_id":            ev.EventID,
		"action":              ev.Action,
		"actor_id":            ev.ActorID,
		"object":              map[string]interface{}{"type": ev.Object.Type, "id": ev.Object.ID},
		"source":              ev.Source,
		"schema_version":      ev.SchemaVersion,
		"attributes":          attrs,
		"occurred_at":         ev.OccurredAt,
		"received_at":         ev.ReceivedAt,
		"seq_rank":            ev.SeqRank,
		"depends_on_event_id": ev.DependsOnEventID,
		"source_lane":         ev.SourceLane,
		"lsn":                 ev.LSN,
	}
	if ev.Sequence != nil {
		m["seq"] = *ev.Sequence
	}
	return m
}

var (
	attrDotRef   = regexp.MustCompile(`attributes\.([A-Za-z_][A-Za-z0-9_]*)`)
	attrIndexRef = regexp.MustCompile(`attributes\[\s*["']([^"']+)["']\s*\]`)
)

// AttributeRefs lists the attribute keys a predicate mentions.
func AttributeRefs(expr string) []string {
	seen := map[string]bool{}
	var out []string
	for _, re := range []*regexp.Regexp{attrDotRef, attrIndexRef} {
		for _, m := range re.FindAllStringSubmatch(expr, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				out = append(out, m[1])
			}
		}
	}
	return out
}

func (q *Querier) record(req QueryRequest) {
	if q.stats == nil {
		return
	}
	f := req.Filter
	if len(f.Actions) > 0 {
		q.stats.RecordFilter("action", "exact")
	}
	if f.ActionPrefix != "" {
		q.stats.RecordFilter("action", "prefix")
	}
	if f.Subject != "" {
		q.stats.RecordFilter("subject", "exact")
	}
	if f.Nonce != "" {
		q.stats.RecordFilter("nonce", "exact")
	}
	if !f.Since.IsZero() || !f.Until.IsZero() {
		q.stats.RecordFilter("occurred_at", "range")
	}
	if req.Predicate != "" {
		q.stats.RecordFilter("predicate", "cel")
		for _, key := range AttributeRefs(req.Predicate) {
			q.stats.RecordAttribute(key)
		}
	}
}
