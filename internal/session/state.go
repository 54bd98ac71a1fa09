package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/shpitdev/smartmap/pkg/pipeline/core"
	"github.com/shpitdev/smartmap/pkg/table"
)

// Role addresses one of the two runs a session holds.
type Role string

const (
	RoleA Role = "A"
	RoleB Role = "B"
)

// Roles lists every role in display order.
var Roles = []Role{RoleA, RoleB}

// ParseRole accepts "A" or "B" in either case.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleA:
		return RoleA, nil
	case RoleB:
		return RoleB, nil
	default:
		return "", core.Configurationf("session", "unknown role %q (want A or B)", s)
	}
}

// Filename is the download name of the role's converted table.
func (r Role) Filename() string {
	return table.Filename(string(r))
}

// State is where a run is in its lifecycle.
type State string

const (
	StateNone          State = ""
	StateUploaded      State = "uploaded"
	StateMapped        State = "mapped"
	StateCodeGenerated State = "code_generated"
	StateEdited        State = "edited"
	StateExecuted      State = "executed"
)

// transitions lists the legal next states. Every populated state may return
// to StateUploaded: a new template or a new mapping attempt restarts the run.
var transitions = map[State][]State{
	StateNone:          {StateUploaded},
	StateUploaded:      {StateUploaded, StateMapped},
	StateMapped:        {StateUploaded, StateCodeGenerated},
	StateCodeGenerated: {StateUploaded, StateCodeGenerated, StateEdited, StateExecuted},
	StateEdited:        {StateUploaded, StateCodeGenerated, StateEdited, StateExecuted},
	StateExecuted:      {StateUploaded, StateCodeGenerated, StateEdited, StateExecuted},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is one entry of a run's history.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

func (t Transition) String() string {
	from := t.From
	if from == StateNone {
		from = "-"
	}
	if t.Note == "" {
		return fmt.Sprintf("%s -> %s", from, t.To)
	}
	return fmt.Sprintf("%s -> %s (%s)", from, t.To, t.Note)
}
