package alpha

import (
	"sort"

	"github.com/fortressi/alpha/dag"
)

// Planner computes the compensation commands of an aborted global
// transaction.
//
// A command is planned for every compensatable local transaction (Started,
// Ended, not Compensated) that has not had one yet. Children come before
// their parents; otherwise commands follow the order in which the local
// transactions ended, which for nested calls approximates reverse call order.
// A local transaction that has only Started is left alone until it Ends.
type Planner struct{}

// NewPlanner creates a Planner.
func NewPlanner() *Planner {
	return &Planner{}
}

// Plan returns the new commands for the view and marks them issued, so a
// repeated abort check never plans the same local transaction twice.
func (p *Planner) Plan(v *GlobalTxView) []Command {
	v.Lock()
	defer v.Unlock()

	if !v.aborted {
		return nil
	}

	candidates := make(map[string]*localTx)
	for id, l := range v.locals {
		if l.compensatable() && !l.issued {
			candidates[id] = l
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	order := p.order(v, candidates)
	commands := make([]Command, 0, len(order))
	for _, id := range order {
		l := candidates[id]
		l.issued = true
		commands = append(commands, Command{
			GlobalTxID:         v.globalTxID,
			LocalTxID:          l.id,
			ParentTxID:         l.started.ParentTxID,
			CompensationMethod: l.started.CompensationMethod,
			Payload:            append([]byte(nil), l.started.Payload...),
		})
	}
	return commands
}

// order sorts the candidates children-first, breaking ties by Ended order.
func (p *Planner) order(v *GlobalTxView, candidates map[string]*localTx) []string {
	less := func(a, b string) bool {
		return v.endedOrder.Index(a) < v.endedOrder.Index(b)
	}

	g := dag.New()
	for id, l := range candidates {
		g.NodeFor(id)
		if _, ok := candidates[l.parentTxID]; ok {
			g.Connect(id, l.parentTxID)
		}
	}

	order, err := g.Order(less)
	if err == nil {
		return order
	}

	// The reported parent ids form a cycle; fall back to Ended order.
	order = make([]string, 0, len(candidates))
	for id := range candidates {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool { return less(order[i], order[j]) })
	return order
}
