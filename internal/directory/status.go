package directory

import (
	"regexp"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/hexmesh/hexmesh/internal/debug"
	"github.com/hexmesh/hexmesh/internal/protocol"
)

// stateTraits is the single source of truth for status semantics. Sticky
// states are never left through an inferred transition; terminal states mark
// a worker finished for wait-for-completion callers.
var stateTraits = map[protocol.Status]struct {
	Sticky   bool
	Terminal bool
}{
	protocol.StatusIdle:              {},
	protocol.StatusWorking:           {},
	protocol.StatusWaitingInput:      {Sticky: true},
	protocol.StatusWaitingPermission: {Sticky: true},
	protocol.StatusStuck:             {Sticky: true},
	protocol.StatusDone:              {Terminal: true},
	protocol.StatusError:             {Sticky: true, Terminal: true},
	protocol.StatusCancelled:         {Sticky: true, Terminal: true},
}

// Sticky reports whether s can only be left via an explicit report.
func Sticky(s protocol.Status) bool {
	return stateTraits[s].Sticky
}

// IsTerminal reports whether s counts as "worker finished".
func IsTerminal(s protocol.Status) bool {
	return stateTraits[s].Terminal
}

// SetStatus transitions an agent's status. Explicit reports are always
// honored; inferred transitions are dropped when the current state is sticky.
// Returns the updated record and whether the status actually changed.
func (d *Directory) SetStatus(agentID string, status protocol.Status, message string, explicit bool) (Agent, bool, error) {
	if !status.Valid() {
		return Agent{}, false, protocol.Errorf(protocol.ErrValidation, "invalid status %q", status)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[agentID]
	if !ok {
		return Agent{}, false, protocol.Errorf(protocol.ErrNotFound, "unknown agent %s", agentID)
	}

	a.LastActivity = time.Now()
	if !explicit && Sticky(a.Status) {
		return *a, false, nil
	}
	changed := a.Status != status || a.StatusMsg != message
	a.Status = status
	a.StatusMsg = message
	a.Explicit = explicit
	if changed {
		debug.LogKV("directory", "status transition",
			"agent_id", agentID, "status", string(status), "explicit", explicit)
	}
	return *a, changed, nil
}

// Output patterns that hint the agent is blocked on the operator. Matched
// against ANSI-stripped terminal output.
var (
	permissionRegex = regexp.MustCompile(`(?i)(do you want to (proceed|allow|make this edit)|grant permission|permission (required|needed)|allow this (command|tool|action)|approve this)`)
	inputRegex      = regexp.MustCompile(`(?i)(\[y/n\]|\(y/n\)|yes/no|press (enter|any key)|waiting for (your )?input|continue\? |awaiting (your )?(response|reply))`)
)

// InferStatus classifies a chunk of terminal output. Returns "" when the
// chunk carries no signal beyond ordinary activity.
func InferStatus(chunk []byte) protocol.Status {
	text := ansi.Strip(string(chunk))
	switch {
	case permissionRegex.MatchString(text):
		return protocol.StatusWaitingPermission
	case inputRegex.MatchString(text):
		return protocol.StatusWaitingInput
	case len(text) > 0:
		return protocol.StatusWorking
	}
	return ""
}

// ObserveActivity applies an inferred status transition from raw terminal
// output. Sticky states are untouched; an agent that asked to be in
// waiting_input stays there no matter what its terminal prints.
func (d *Directory) ObserveActivity(agentID string, chunk []byte) (Agent, bool) {
	status := InferStatus(chunk)
	if status == "" {
		return Agent{}, false
	}
	a, changed, err := d.SetStatus(agentID, status, "", false)
	if err != nil {
		return Agent{}, false
	}
	return a, changed
}
