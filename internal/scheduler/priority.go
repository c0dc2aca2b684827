package scheduler

// Priority orders nothing by itself; it carries how long a task may be
// postponed while the engine reports overload.
type Priority struct {
	Name string
	// MaxDeferred is the deferral budget in ticks. 0 means never deferred.
	MaxDeferred int64
}

// Built-in levels, 10 ticks (500 ms) apart.
var (
	Critical    = Priority{Name: "CRITICAL", MaxDeferred: 0}
	Highest     = Priority{Name: "HIGHEST", MaxDeferred: 10}
	High        = Priority{Name: "HIGH", MaxDeferred: 20}
	AboveNormal = Priority{Name: "ABOVE_NORMAL", MaxDeferred: 30}
	Normal      = Priority{Name: "NORMAL", MaxDeferred: 40}
	BelowNormal = Priority{Name: "BELOW_NORMAL", MaxDeferred: 50}
	Low         = Priority{Name: "LOW", MaxDeferred: 60}
	Lowest      = Priority{Name: "LOWEST", MaxDeferred: 70}
)

// Priorities returns the built-in levels from most to least urgent.
func Priorities() []Priority {
	return []Priority{Critical, Highest, High, AboveNormal, Normal, BelowNormal, Low, Lowest}
}

// Deferrable reports whether overload may postpone tasks of this priority.
func (p Priority) Deferrable() bool { return p.MaxDeferred > 0 }

func (p Priority) String() string { return p.Name }
