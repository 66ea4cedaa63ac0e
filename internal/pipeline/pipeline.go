package pipeline

import (
	"go.uber.org/zap"

	"github.com/factlog/factlog/pkg/types"
)

// Options configures a Pipeline.
type Options struct {
	MaxPayloadBytes      int
	ExcerptBytes         int
	IDVersion            string
	DefaultSchemaVersion string
	Rewrites             []RewriteRule
	NamespaceOwners      map[string]string
	Schemas              *AttributeSchemas
}

// Stats counts what happened to one batch of candidates.
type Stats struct {
	Candidates int
	Valid      int
	Quality    int
	Dropped    int
	Rejected   map[Reason]int
}

// Derivation is the output of Derive: identified events ready for deduplication.
type Derivation struct {
	Events []types.Event
	Stats  Stats
}

// Pipeline wires the per-candidate stages together.
type Pipeline struct {
	validator *Validator
	router    *QualityRouter
	policy    *NamespacePolicy
	rewriter  *VersionRewriter
	ids       *IDAssigner
	schemas   *AttributeSchemas
	logger    *zap.Logger
}

// New builds a pipeline.
func New(opts Options, logger *zap.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rewriter, err := NewVersionRewriter(opts.DefaultSchemaVersion, opts.Rewrites)
	if err != nil {
		return nil, err
	}
	schemas := opts.Schemas
	if schemas == nil {
		if schemas, err = NewAttributeSchemas(nil); err != nil {
			return nil, err
		}
	}
	return &Pipeline{
		validator: NewValidator(opts.MaxPayloadBytes),
		router:    NewQualityRouter(opts.ExcerptBytes, opts.DefaultSchemaVersion),
		policy:    NewNamespacePolicy(opts.NamespaceOwners),
		rewriter:  rewriter,
		ids:       NewIDAssigner(opts.IDVersion),
		schemas:   schemas,
		logger:    logger.Named("pipeline"),
	}, nil
}

// Derive runs validation, quality routing, namespace admission, attribute schema
// checks, version rewriting and ID assignment over a batch. Rejections become
// quality events in the same pass; namespace violations are dropped outright.
func (p *Pipeline) Derive(candidates []types.Candidate) Derivation {
	d := Derivation{
		Events: make([]types.Event, 0, len(candidates)),
		Stats:  Stats{Candidates: len(candidates), Rejected: map[Reason]int{}},
	}
	for _, c := range candidates {
		ev, ok := p.derive(c, &d.Stats, false)
		if ok {
			d.Events = append(d.Events, ev)
		}
	}
	return d
}

func (p *Pipeline) derive(c types.Candidate, st *Stats, rerouted bool) (types.Event, bool) {
	res := p.validator.validate(c, !rerouted)
	if !res.Valid() {
		return p.reject(c, res.Reason, res.Detail, st, rerouted)
	}

	ev := toEvent(c, res.Envelope, res.OccurredAt)
	if !p.policy.Admit(&ev) {
		st.Dropped++
		p.logger.Debug("namespace violation dropped",
			zap.String("action", ev.Action),
			zap.String("source", ev.Source),
			zap.String("candidate_id", c.CandidateID))
		return types.Event{}, false
	}

	if err := p.schemas.Check(ev.Action, ev.Attributes); err != nil {
		return p.reject(c, ReasonMalformed, "attributes: "+err.Error(), st, rerouted)
	}

	ev.SchemaVersion = p.rewriter.Rewrite(ev.SchemaVersion)
	p.ids.Assign(&ev)
	hash, err := AttributesHash(ev.Attributes)
	if err != nil {
		return p.reject(c, ReasonMalformed, "attributes not canonicalizable: "+err.Error(), st, rerouted)
	}
	ev.AttrHash = hash

	if rerouted {
		st.Quality++
	} else {
		st.Valid++
	}
	return ev, true
}

// reject routes a candidate to the quality channel. A quality candidate that itself
// fails is logged and dropped rather than routed again.
func (p *Pipeline) reject(c types.Candidate, reason Reason, detail string, st *Stats, rerouted bool) (types.Event, bool) {
	if rerouted {
		st.Dropped++
		p.logger.Error("quality event failed validation",
			zap.String("candidate_id", c.CandidateID),
			zap.String("reason", string(reason)),
			zap.String("detail", detail))
		return types.Event{}, false
	}
	st.Rejected[reason]++
	return p.derive(p.router.Route(c, reason, detail), st, true)
}
