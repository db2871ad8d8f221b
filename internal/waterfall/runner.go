package waterfall

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/grassroots-hq/decision-engine/internal/config"
	"github.com/grassroots-hq/decision-engine/internal/metrics"
	"github.com/grassroots-hq/decision-engine/internal/model"
	"github.com/grassroots-hq/decision-engine/internal/store"
	"github.com/grassroots-hq/decision-engine/internal/waterfall/source"
)

// Runner executes the source cascade against enrichment targets. Each
// step gets its own timeout; a slow source is a failed step, never a
// stalled cascade.
type Runner struct {
	cfg           *Config
	registry      *source.Registry
	store         store.Store
	metrics       *metrics.Metrics
	stepTimeout   time.Duration
	maxConcurrent int
}

func NewRunner(cascade *Config, reg *source.Registry, st store.Store, m *metrics.Metrics, cfg config.WaterfallConfig) *Runner {
	stepTimeout := time.Duration(cfg.StepTimeoutSecs) * time.Second
	if stepTimeout <= 0 {
		stepTimeout = 15 * time.Second
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Runner{
		cfg:           cascade,
		registry:      reg,
		store:         st,
		metrics:       m,
		stepTimeout:   stepTimeout,
		maxConcurrent: maxConcurrent,
	}
}

// Outcome is the result of one target's cascade.
type Outcome struct {
	Entity           model.Entity `json:"entity"`
	Goal             string       `json:"goal"`
	ConfidenceBefore float64      `json:"confidence_before"`
	ConfidenceAfter  float64      `json:"confidence_after"`
	FieldsFilled     []string     `json:"fields_filled"`
	StepsRun         int          `json:"steps_run"`
	Satisfied        bool         `json:"satisfied"`
}

// Enrich runs the cascade for one target and persists whatever it fills.
// Step failures are recorded as attempts and the cascade moves on; only
// an unknown goal or a persistence failure aborts.
func (r *Runner) Enrich(ctx context.Context, target model.Entity, goal string) (*Outcome, error) {
	gc, ok := r.cfg.Goal(string(target.Type), goal)
	if !ok {
		return nil, eris.Errorf("waterfall: no cascade for %s/%s", target.Type, goal)
	}

	steps := gc.Steps
	if len(steps) > gc.MaxSources {
		steps = steps[:gc.MaxSources]
	}

	outcome := &Outcome{
		Entity:           target,
		Goal:             goal,
		ConfidenceBefore: Confidence(target),
	}

	for i, step := range steps {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "waterfall: cascade interrupted")
		}

		filled, err := r.runStep(ctx, &outcome.Entity, goal, i, step)
		outcome.StepsRun++
		outcome.FieldsFilled = append(outcome.FieldsFilled, filled...)
		if err != nil {
			zap.L().Warn("enrichment step failed",
				zap.String("target", target.ID),
				zap.String("source", step.Source),
				zap.Error(err))
		}

		// The first step that yields anything ends a stop-on-success
		// cascade. A fully populated target ends any cascade.
		if len(filled) > 0 && *gc.StopOnSuccess {
			break
		}
		if contactComplete(outcome.Entity) {
			break
		}
	}

	outcome.ConfidenceAfter = Confidence(outcome.Entity)
	outcome.Satisfied = satisfied(outcome.Entity, gc.RequiredFields, len(outcome.FieldsFilled) > 0)

	if len(outcome.FieldsFilled) > 0 {
		if err := r.store.UpdateEntityContact(ctx, outcome.Entity); err != nil {
			return nil, eris.Wrapf(err, "waterfall: persist enrichment for %s", target.ID)
		}
	}
	return outcome, nil
}

// runStep executes one cascade step against the working entity and
// records the attempt. It returns the field names it filled.
func (r *Runner) runStep(ctx context.Context, working *model.Entity, goal string, order int, step StepConfig) ([]string, error) {
	attempt := model.EnrichmentAttempt{
		TargetType: string(working.Type),
		TargetID:   working.ID,
		Goal:       goal,
		StepOrder:  order,
		SourceID:   step.Source,
	}

	adapter := r.registry.Get(step.Source)
	if adapter == nil {
		attempt.Error = "source not registered"
		r.recordAttempt(ctx, attempt, 0)
		return nil, eris.Errorf("waterfall: source %q not registered", step.Source)
	}

	stepCtx, cancel := context.WithTimeout(ctx, r.stepTimeout)
	defer cancel()

	start := time.Now()
	res, err := adapter.Lookup(stepCtx, *working, step.Fields)
	elapsed := time.Since(start)

	if err != nil {
		attempt.Error = err.Error()
		r.recordAttempt(ctx, attempt, elapsed)
		return nil, err
	}

	before := Confidence(*working)
	filled := merge(working, res, step.Fields)
	attempt.Success = !res.Empty()
	attempt.FieldsFilled = filled
	attempt.ConfDelta = int(Confidence(*working) - before)
	r.recordAttempt(ctx, attempt, elapsed)
	return filled, nil
}

func (r *Runner) recordAttempt(ctx context.Context, a model.EnrichmentAttempt, elapsed time.Duration) {
	r.metrics.ObserveSourceAttempt(a.SourceID, a.Success, elapsed)
	if err := r.store.InsertAttempt(ctx, a); err != nil {
		zap.L().Warn("failed to record enrichment attempt",
			zap.String("target", a.TargetID),
			zap.String("source", a.SourceID),
			zap.Error(err))
	}
}

// merge applies a source result first-write-wins: fields already present
// on the entity are never overwritten, each social platform keeps the
// first identity seen, and only the step's requested fields are taken.
// It returns the names of fields it filled.
func merge(e *model.Entity, res *source.Result, wanted []string) []string {
	if res == nil {
		return nil
	}

	var filled []string
	set := func(dst *string, key string) {
		v, ok := res.Fields[key]
		if !ok || v == "" || *dst != "" || !source.Wants(wanted, key) {
			return
		}
		*dst = v
		filled = append(filled, key)
	}
	set(&e.Email, "email")
	set(&e.Phone, "phone")
	set(&e.FullName, "full_name")
	set(&e.Address, "address")
	set(&e.City, "city")
	set(&e.ZipCode, "zip_code")

	if source.Wants(wanted, "social") {
		for platform, id := range res.SocialIDs {
			if id == "" {
				continue
			}
			if e.SocialIDs == nil {
				e.SocialIDs = make(map[string]string)
			}
			if _, ok := e.SocialIDs[platform]; !ok {
				e.SocialIDs[platform] = id
				filled = append(filled, "social:"+platform)
			}
		}
	}
	return filled
}

// contactComplete reports whether every mergeable contact field is
// populated. A complete target leaves further sources nothing to add.
func contactComplete(e model.Entity) bool {
	return e.Email != "" && e.Phone != "" && e.FullName != "" &&
		e.Address != "" && e.City != "" && e.ZipCode != ""
}

// satisfied reports whether the goal's required fields are populated. A
// goal with no required list is satisfied once anything was filled.
func satisfied(e model.Entity, required []string, filledAny bool) bool {
	if len(required) == 0 {
		return filledAny
	}
	for _, f := range required {
		switch f {
		case "email":
			if e.Email == "" {
				return false
			}
		case "phone":
			if e.Phone == "" {
				return false
			}
		case "full_name":
			if e.FullName == "" {
				return false
			}
		case "address":
			if e.Address == "" {
				return false
			}
		case "city":
			if e.City == "" {
				return false
			}
		case "zip_code":
			if e.ZipCode == "" {
				return false
			}
		case "social":
			if len(e.SocialIDs) == 0 {
				return false
			}
		}
	}
	return true
}

// EnrichBatch runs the cascade for many targets in parallel, bounded by
// the configured concurrency. Individual target failures don't stop the
// batch; they are reported in the returned error after all targets ran.
func (r *Runner) EnrichBatch(ctx context.Context, targets []model.Entity, goal string) ([]Outcome, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxConcurrent)

	var mu sync.Mutex
	outcomes := make([]Outcome, 0, len(targets))
	var failed int

	for _, target := range targets {
		g.Go(func() error {
			o, err := r.Enrich(ctx, target, goal)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				zap.L().Error("enrichment failed",
					zap.String("target", target.ID),
					zap.Error(err))
				return nil
			}
			outcomes = append(outcomes, *o)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return outcomes, eris.Wrap(err, "waterfall: batch")
	}
	if failed > 0 {
		zap.L().Warn("enrichment batch completed with failures",
			zap.Int("failed", failed),
			zap.Int("succeeded", len(outcomes)))
	}
	return outcomes, nil
}
