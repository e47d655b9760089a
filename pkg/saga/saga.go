package saga

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SagaDefinition is an ordered list of steps describing one logical
// multi-backend operation. Insertion order is execution order.
type SagaDefinition struct {
	ID                 string
	Name               string
	Steps              []*Step
	Timeout            time.Duration
	DefaultStepTimeout time.Duration
	Retry              RetryPolicy
}

// Builder incrementally constructs SagaDefinition instances.
type Builder struct {
	def  *SagaDefinition
	errs []error
}

// New creates a saga definition builder with a fresh saga ID.
func New(name string) *Builder {
	return &Builder{
		def: &SagaDefinition{
			ID:                 uuid.NewString(),
			Name:               name,
			Steps:              make([]*Step, 0),
			DefaultStepTimeout: 30 * time.Second,
			Retry:              DefaultRetryPolicy(),
		},
	}
}

// WithID overrides the generated saga ID.
func (b *Builder) WithID(id string) *Builder {
	b.def.ID = id
	return b
}

// Step appends a step. Options are applied in order.
func (b *Builder) Step(id string, opts ...StepOption) *Builder {
	step := &Step{ID: id}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(step); err != nil {
			b.errs = append(b.errs, &DefinitionError{Saga: b.def.Name, StepID: id, Reason: err.Error()})
		}
	}
	b.def.Steps = append(b.def.Steps, step)
	return b
}

// AddStep appends a prepared step.
func (b *Builder) AddStep(step *Step) *Builder {
	if step == nil {
		b.errs = append(b.errs, &DefinitionError{Saga: b.def.Name, Reason: "step cannot be nil"})
		return b
	}
	copied := *step
	b.def.Steps = append(b.def.Steps, &copied)
	return b
}

// WithTimeout bounds the saga's total wall time. It is checked between steps.
func (b *Builder) WithTimeout(timeout time.Duration) *Builder {
	b.def.Timeout = timeout
	return b
}

// WithDefaultStepTimeout sets the timeout for steps without one.
func (b *Builder) WithDefaultStepTimeout(timeout time.Duration) *Builder {
	b.def.DefaultStepTimeout = timeout
	return b
}

// WithRetryPolicy sets the retry policy for forward steps and compensations.
func (b *Builder) WithRetryPolicy(policy RetryPolicy) *Builder {
	b.def.Retry = policy
	return b
}

// Build validates and returns the definition.
func (b *Builder) Build() (*SagaDefinition, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if err := b.def.Validate(); err != nil {
		return nil, err
	}
	return b.def.clone(b.def.ID), nil
}

// Validate checks the definition. Every failure is a *DefinitionError.
func (d *SagaDefinition) Validate() error {
	if d == nil {
		return &DefinitionError{Reason: "definition cannot be nil"}
	}
	invalid := func(stepID, format string, args ...any) error {
		return &DefinitionError{Saga: d.Name, StepID: stepID, Reason: fmt.Sprintf(format, args...)}
	}

	if d.ID == "" {
		return invalid("", "saga ID cannot be empty")
	}
	if d.Name == "" {
		return invalid("", "saga name cannot be empty")
	}
	if len(d.Steps) == 0 {
		return invalid("", "saga must define at least one step")
	}
	if d.Timeout < 0 || d.DefaultStepTimeout < 0 {
		return invalid("", "timeouts cannot be negative")
	}
	if err := d.Retry.validate(); err != nil {
		return invalid("", "%v", err)
	}

	seen := make(map[string]struct{}, len(d.Steps))
	for i, step := range d.Steps {
		if step == nil {
			return invalid("", "step %d is nil", i)
		}
		if step.ID == "" {
			return invalid("", "step %d has an empty ID", i)
		}
		if _, dup := seen[step.ID]; dup {
			return invalid(step.ID, "duplicate step ID")
		}
		seen[step.ID] = struct{}{}

		if step.Action == nil {
			return invalid(step.ID, "missing action")
		}
		if step.Backend != "" && !step.Backend.Valid() {
			return invalid(step.ID, "unknown backend target %q", step.Backend)
		}
		if step.Timeout < 0 {
			return invalid(step.ID, "timeout cannot be negative")
		}

		switch {
		case step.Compensation.IsAbsent():
			if i > 0 {
				return invalid(step.ID, "only the first step may omit compensation; use NoCompensation to leave it applied")
			}
		case step.Compensation.IsCompensatable():
			if step.Compensation.fn == nil {
				return invalid(step.ID, "compensation function cannot be nil")
			}
		default:
			if step.Compensation.Justification() == "" {
				return invalid(step.ID, "non-compensatable step requires a justification")
			}
		}
	}
	return nil
}

// Clone returns a copy of the definition under a fresh saga ID. Use it to
// re-run a definition whose previous execution failed.
func (d *SagaDefinition) Clone() *SagaDefinition {
	return d.clone(uuid.NewString())
}

func (d *SagaDefinition) clone(id string) *SagaDefinition {
	steps := make([]*Step, 0, len(d.Steps))
	for _, step := range d.Steps {
		if step == nil {
			continue
		}
		copied := *step
		steps = append(steps, &copied)
	}
	return &SagaDefinition{
		ID:                 id,
		Name:               d.Name,
		Steps:              steps,
		Timeout:            d.Timeout,
		DefaultStepTimeout: d.DefaultStepTimeout,
		Retry:              d.Retry,
	}
}

func (d *SagaDefinition) stepTimeout(step *Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	return d.DefaultStepTimeout
}
