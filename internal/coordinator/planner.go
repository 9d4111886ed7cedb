package coordinator

import (
	"golang.org/x/exp/slices"

	"github.com/dreamware/hotslot/internal/slotstats"
)

// NodeReport is the slot-stats report of one node, covering every slot the
// node serves.
type NodeReport struct {
	NodeID  string            `json:"node_id"`
	Entries []slotstats.Entry `json:"entries"`
}

// HotSlot is one slot of the cluster-wide ranking.
type HotSlot struct {
	Slot   int               `json:"slot"`
	NodeID string            `json:"node_id"`
	Stats  map[string]uint64 `json:"stats"`
}

// Move proposes handing a slot to another node.
type Move struct {
	Slot int    `json:"slot"`
	From string `json:"from"`
	To   string `json:"to"`
	Load uint64 `json:"load"`
}

// Plan is a proposed rebalancing. Load and Projected hold each node's
// summed metric before and after the moves.
type Plan struct {
	Metric    string            `json:"metric"`
	Load      map[string]uint64 `json:"load"`
	Projected map[string]uint64 `json:"projected"`
	Moves     []Move            `json:"moves"`
}

// Planner turns per-node slot reports into a hot-slot ranking and a
// rebalancing plan over one metric.
type Planner struct {
	metric   slotstats.Metric
	maxMoves int
}

// NewPlanner creates a planner. maxMoves bounds the length of a plan.
func NewPlanner(metric slotstats.Metric, maxMoves int) *Planner {
	return &Planner{metric: metric, maxMoves: maxMoves}
}

// Rank merges reports and returns the limit hottest slots, descending by
// the planner's metric with ties broken by ascending slot.
func (p *Planner) Rank(reports []NodeReport, limit int) []HotSlot {
	var hot []HotSlot
	for _, r := range reports {
		for _, e := range r.Entries {
			hot = append(hot, HotSlot{Slot: e.Slot, NodeID: r.NodeID, Stats: e.Stats})
		}
	}
	name := p.metric.String()
	slices.SortFunc(hot, func(a, b HotSlot) int {
		if c := compareDesc(a.Stats[name], b.Stats[name]); c != 0 {
			return c
		}
		return a.Slot - b.Slot
	})
	if limit > 0 && len(hot) > limit {
		hot = hot[:limit]
	}
	return hot
}

// Plan greedily moves slots to the least loaded node, taking them from the
// most loaded node that has a slot strictly smaller than the gap between
// the two, so every move narrows the spread. Each slot moves at most once.
// Nodes without slots take part as empty targets.
func (p *Planner) Plan(reports []NodeReport) Plan {
	name := p.metric.String()
	plan := Plan{
		Metric:    name,
		Load:      make(map[string]uint64, len(reports)),
		Projected: make(map[string]uint64, len(reports)),
	}

	type slotLoad struct {
		slot int
		load uint64
	}
	slotsOf := make(map[string][]slotLoad, len(reports))
	var nodes []string
	for _, r := range reports {
		if _, seen := plan.Load[r.NodeID]; !seen {
			nodes = append(nodes, r.NodeID)
			plan.Load[r.NodeID] = 0
		}
		for _, e := range r.Entries {
			v := e.Stats[name]
			plan.Load[r.NodeID] += v
			slotsOf[r.NodeID] = append(slotsOf[r.NodeID], slotLoad{e.Slot, v})
		}
	}
	for node, load := range plan.Load {
		plan.Projected[node] = load
	}
	if len(nodes) < 2 {
		return plan
	}
	slices.Sort(nodes)
	for _, node := range nodes {
		slices.SortFunc(slotsOf[node], func(a, b slotLoad) int {
			if c := compareDesc(a.load, b.load); c != 0 {
				return c
			}
			return a.slot - b.slot
		})
	}

	moved := make(map[int]bool)
	for len(plan.Moves) < p.maxMoves {
		byLoad := slices.Clone(nodes)
		slices.SortStableFunc(byLoad, func(a, b string) int {
			return compareDesc(plan.Projected[a], plan.Projected[b])
		})
		lo := byLoad[len(byLoad)-1]

		var next *Move
		for _, src := range byLoad[:len(byLoad)-1] {
			gap := plan.Projected[src] - plan.Projected[lo]
			idx := slices.IndexFunc(slotsOf[src], func(s slotLoad) bool {
				return !moved[s.slot] && s.load > 0 && s.load < gap
			})
			if idx >= 0 {
				s := slotsOf[src][idx]
				next = &Move{Slot: s.slot, From: src, To: lo, Load: s.load}
				break
			}
		}
		if next == nil {
			break
		}
		moved[next.Slot] = true
		plan.Projected[next.From] -= next.Load
		plan.Projected[next.To] += next.Load
		plan.Moves = append(plan.Moves, *next)
	}
	return plan
}

func compareDesc(a, b uint64) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	}
	return 0
}
