// Package directory is the authoritative registry of live agents: who exists,
// where they sit on the hex grid, and what status they last reported.
package directory

import (
	"sort"
	"sync"
	"time"

	"github.com/hexmesh/hexmesh/internal/debug"
	"github.com/hexmesh/hexmesh/internal/hexgrid"
	"github.com/hexmesh/hexmesh/internal/protocol"
)

// MaxAutoPlaceRadius bounds the spiral search for an unoccupied cell.
const MaxAutoPlaceRadius = 32

// Agent is one registered entity. Fields are written only through Directory
// methods; callers receive copies.
type Agent struct {
	ID       string
	CellType protocol.CellType
	ParentID string
	// ParentHex is the parent's position captured when this agent was
	// registered. It survives the parent's removal.
	ParentHex *hexgrid.Hex
	// Connections holds the live links to this agent: its parent and, for a
	// parent, its children. Entries drop out as the linked agents are removed.
	Connections  []string
	Hex          hexgrid.Hex
	Status       protocol.Status
	StatusMsg    string
	Explicit     bool // last status transition came from report_status
	SessionID    string
	Workspace    string
	Task         string
	Instructions string
	TaskDetails  string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Directory maps agent IDs to records and hexes to occupants. All mutation
// goes through it; readers get point-in-time copies.
type Directory struct {
	mu       sync.RWMutex
	agents   map[string]*Agent
	occupied map[hexgrid.Hex]string
}

// New returns an empty directory.
func New() *Directory {
	return &Directory{
		agents:   make(map[string]*Agent),
		occupied: make(map[hexgrid.Hex]string),
	}
}

// Place resolves the hex for a new agent. An explicit coordinate pair must be
// free; with no coordinates the agent lands on the nearest unoccupied cell
// spiraling out from origin. Conflicts name the occupying agent.
func (d *Directory) Place(origin hexgrid.Hex, q, r *int) (hexgrid.Hex, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if q != nil && r != nil {
		target := hexgrid.Hex{Q: *q, R: *r}
		if holder, taken := d.occupied[target]; taken {
			info := protocol.Errorf(protocol.ErrConflict, "hex %s is occupied by %s", target, holder)
			return hexgrid.Hex{}, info.WithDetail(protocol.OccupiedDetail{AgentID: holder, Hex: target})
		}
		return target, nil
	}
	if q != nil || r != nil {
		return hexgrid.Hex{}, protocol.Errorf(protocol.ErrValidation, "q and r must be given together")
	}

	target, ok := hexgrid.NearestFree(origin, MaxAutoPlaceRadius, func(h hexgrid.Hex) bool {
		_, taken := d.occupied[h]
		return taken
	})
	if !ok {
		return hexgrid.Hex{}, protocol.Errorf(protocol.ErrConflict,
			"no free cell within radius %d of %s", MaxAutoPlaceRadius, origin)
	}
	return target, nil
}

// Add registers an agent at its hex. The hex must be free; callers resolve
// placement with Place first, but the invariant is re-checked here because
// two spawns may race between the calls.
func (d *Directory) Add(a Agent) error {
	if a.ID == "" {
		return protocol.Errorf(protocol.ErrValidation, "agent id is empty")
	}
	if !a.CellType.Valid() {
		return protocol.Errorf(protocol.ErrValidation, "unknown cell type %q", a.CellType)
	}
	if a.Status == "" {
		a.Status = protocol.StatusIdle
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.LastActivity = now

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.agents[a.ID]; exists {
		return protocol.Errorf(protocol.ErrConflict, "agent %s already registered", a.ID)
	}
	if holder, taken := d.occupied[a.Hex]; taken {
		info := protocol.Errorf(protocol.ErrConflict, "hex %s is occupied by %s", a.Hex, holder)
		return info.WithDetail(protocol.OccupiedDetail{AgentID: holder, Hex: a.Hex})
	}
	if a.ParentID != "" {
		a.Connections = appendUnique(a.Connections, a.ParentID)
		if parent, ok := d.agents[a.ParentID]; ok {
			parent.Connections = appendUnique(parent.Connections, a.ID)
			if a.ParentHex == nil {
				hex := parent.Hex
				a.ParentHex = &hex
			}
		}
	}
	d.agents[a.ID] = &a
	d.occupied[a.Hex] = a.ID
	debug.LogKV("directory", "agent added",
		"agent_id", a.ID, "cell_type", string(a.CellType), "hex", a.Hex.String())
	return nil
}

// Get returns a copy of the agent record.
func (d *Directory) Get(agentID string) (Agent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// Remove deletes the record and frees its hex. The caller cascades session
// and workspace disposal. Returns the removed record for that cascade.
func (d *Directory) Remove(agentID string) (Agent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	delete(d.agents, agentID)
	if d.occupied[a.Hex] == agentID {
		delete(d.occupied, a.Hex)
	}
	for _, other := range d.agents {
		other.Connections = dropString(other.Connections, agentID)
	}
	debug.LogKV("directory", "agent removed", "agent_id", agentID)
	return *a, true
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func dropString(list []string, v string) []string {
	out := list[:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// All returns a copy of every record, sorted by ID.
func (d *Directory) All() []Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Agent, 0, len(d.agents))
	for _, a := range d.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Within returns agents at hex distance <= maxDistance from center, excluding
// excludeID, sorted nearest first. Ties break by ID for stable output.
func (d *Directory) Within(center hexgrid.Hex, maxDistance int, excludeID string) []protocol.AgentInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]protocol.AgentInfo, 0, len(d.agents))
	for _, a := range d.agents {
		if a.ID == excludeID {
			continue
		}
		dist := hexgrid.Distance(center, a.Hex)
		if dist > maxDistance {
			continue
		}
		info := d.infoLocked(a)
		info.Distance = dist
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Info returns the wire view of one agent.
func (d *Directory) Info(agentID string) (protocol.AgentInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[agentID]
	if !ok {
		return protocol.AgentInfo{}, false
	}
	return d.infoLocked(a), true
}

func (d *Directory) infoLocked(a *Agent) protocol.AgentInfo {
	info := protocol.AgentInfo{
		ID:            a.ID,
		CellType:      a.CellType,
		Hex:           a.Hex,
		Status:        a.Status,
		StatusMessage: a.StatusMsg,
		ParentID:      a.ParentID,
		Task:          a.Task,
		Instructions:  a.Instructions,
		TaskDetails:   a.TaskDetails,
		SessionID:     a.SessionID,
	}
	if a.ParentHex != nil {
		hex := *a.ParentHex
		info.ParentHex = &hex
	}
	if len(a.Connections) > 0 {
		conns := append([]string{}, a.Connections...)
		sort.Strings(conns)
		info.Connections = conns
	}
	return info
}

// Children returns the IDs of agents whose parent is parentID, sorted.
func (d *Directory) Children(parentID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for _, a := range d.agents {
		if a.ParentID == parentID {
			out = append(out, a.ID)
		}
	}
	sort.Strings(out)
	return out
}

// ConvertToTerminal retags an agent cell as a plain terminal after its
// process was replaced by a shell. Status resets to idle.
func (d *Directory) ConvertToTerminal(agentID string) (Agent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	a.CellType = protocol.CellTerminal
	a.Status = protocol.StatusIdle
	a.StatusMsg = ""
	a.Explicit = false
	debug.LogKV("directory", "cell converted to terminal", "agent_id", agentID)
	return *a, true
}
