package engine

import (
	"fmt"

	"calsync/internal/model"
)

// Policy sizes the prefetch window around the visible date. All values are
// in days.
type Policy struct {
	Backward        int `yaml:"backward" json:"backward"`
	Forward         int `yaml:"forward" json:"forward"`
	JumpBuffer      int `yaml:"jump_buffer" json:"jump_buffer"`
	ForwardTrigger  int `yaml:"forward_trigger" json:"forward_trigger"`
	BackwardTrigger int `yaml:"backward_trigger" json:"backward_trigger"`
}

// DefaultPolicy loads three days back and five ahead, jumps beyond ten
// days, and extends when within two days of the end or one of the start.
func DefaultPolicy() Policy {
	return Policy{
		Backward:        3,
		Forward:         5,
		JumpBuffer:      10,
		ForwardTrigger:  2,
		BackwardTrigger: 1,
	}
}

// Validate rejects policies under which an edge merge could fail to grow
// the loaded range.
func (p Policy) Validate() error {
	if p.Backward < 0 || p.Forward < 0 || p.JumpBuffer < 0 || p.ForwardTrigger < 0 || p.BackwardTrigger < 0 {
		return fmt.Errorf("window policy has a negative value: %+v", p)
	}
	if p.Forward <= p.ForwardTrigger {
		return fmt.Errorf("window forward (%d) must exceed forward_trigger (%d)", p.Forward, p.ForwardTrigger)
	}
	if p.Backward <= p.BackwardTrigger {
		return fmt.Errorf("window backward (%d) must exceed backward_trigger (%d)", p.Backward, p.BackwardTrigger)
	}
	return nil
}

// Ideal is the window the policy wants loaded around center.
func (p Policy) Ideal(center model.Date) model.DateRange {
	return model.Around(center, p.Backward, p.Forward)
}

// Plan is one fetch the tracker asked for. Replace discards the current
// loaded range; otherwise Range is merged into it.
type Plan struct {
	Range   model.DateRange
	Replace bool
	Reason  string
}

// Decide picks what to fetch when center becomes visible. ok is false when
// the loaded range already covers center comfortably.
func Decide(p Policy, center model.Date, loaded *model.DateRange, force bool) (plan Plan, ok bool) {
	ideal := p.Ideal(center)

	switch {
	case force:
		return Plan{Range: ideal, Replace: true, Reason: "forced"}, true
	case loaded == nil:
		return Plan{Range: ideal, Replace: true, Reason: "initial"}, true
	case center.Before(loaded.Start.AddDays(-p.JumpBuffer)) || center.After(loaded.End.AddDays(p.JumpBuffer)):
		return Plan{Range: ideal, Replace: true, Reason: "jump"}, true
	case !center.Before(loaded.End.AddDays(-p.ForwardTrigger)) || !center.After(loaded.Start.AddDays(p.BackwardTrigger)):
		return Plan{Range: loaded.Union(ideal), Reason: "edge"}, true
	}
	return Plan{}, false
}
