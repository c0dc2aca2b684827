package tick

import "github.com/voxtick/server/internal/core/stage"

// Span is an inclusive range of sequence numbers a unit runs in one stage.
type Span struct {
	Min, Max int
	Active   bool
}

// Len returns the number of sequences in the span.
func (s Span) Len() int {
	if !s.Active {
		return 0
	}
	return s.Max - s.Min + 1
}

// Plan declares, per stage, which sequences a unit participates in.
// Units in sequence k of a stage may assume every unit in sequence k-1 of
// that stage has finished; units sharing a sequence run fully in parallel.
type Plan struct {
	spans [stage.Count]Span
}

func NewPlan() Plan { return Plan{} }

// With returns a copy of p running st for sequences min..max.
func (p Plan) With(st stage.Stage, min, max int) Plan {
	if !st.Valid() {
		return p
	}
	if max < min {
		max = min
	}
	p.spans[st] = Span{Min: min, Max: max, Active: true}
	return p
}

// WithStages returns a copy of p running every stage in m at sequence 0.
func (p Plan) WithStages(m stage.Mask) Plan {
	for _, st := range m.Stages() {
		p = p.With(st, 0, 0)
	}
	return p
}

func (p Plan) Span(st stage.Stage) Span {
	if !st.Valid() {
		return Span{}
	}
	return p.spans[st]
}

// Mask returns the stages p participates in.
func (p Plan) Mask() stage.Mask {
	var m stage.Mask
	for i, s := range p.spans {
		if s.Active {
			m |= stage.Stage(i).Mask()
		}
	}
	return m
}
