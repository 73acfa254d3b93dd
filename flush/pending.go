package flush

import "github.com/cmwaters/vsync/network"

// pendingChange is a membership change that has not yet been agreed upon.
type pendingChange struct {
	id network.ViewID
	// view is nil until the membership event for id has been received. Flush
	// acknowledgements may arrive before it.
	view     *View
	received bool
	acks     map[string]struct{}
	// confirms are fully received confirmations that arrived before the view
	// was installed locally
	confirms map[string]struct{}
	age      int
	// buffered holds vulnerable messages sent in this view, in arrival order
	buffered []*Message
}

func newPendingChange(id network.ViewID) *pendingChange {
	return &pendingChange{
		id:       id,
		acks:     make(map[string]struct{}),
		confirms: make(map[string]struct{}),
	}
}

// complete reports whether every original member of the view acknowledged.
// Members that left after acknowledging still count.
func (p *pendingChange) complete() bool {
	if !p.received {
		return false
	}
	for _, m := range p.view.members.Original() {
		if _, ok := p.acks[m]; !ok {
			return false
		}
	}
	return true
}

func (p *pendingChange) acked(member string) bool {
	_, ok := p.acks[member]
	return ok
}

// pendingTable indexes pending changes by the transport's view id. It is owned
// by a single Group and guarded by the connection's state lock.
type pendingTable struct {
	changes map[network.ViewID]*pendingChange
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		changes: make(map[network.ViewID]*pendingChange),
	}
}

func (t *pendingTable) get(id network.ViewID) *pendingChange {
	return t.changes[id]
}

func (t *pendingTable) getOrCreate(id network.ViewID) (*pendingChange, bool) {
	p, ok := t.changes[id]
	if ok {
		return p, false
	}
	p = newPendingChange(id)
	t.changes[id] = p
	return p, true
}

func (t *pendingTable) remove(id network.ViewID) *pendingChange {
	p := t.changes[id]
	delete(t.changes, id)
	return p
}

func (t *pendingTable) len() int {
	return len(t.changes)
}

// age increments the age of every change whose membership event has not been
// received and removes those older than limit.
func (t *pendingTable) age(limit int) []*pendingChange {
	var pruned []*pendingChange
	for id, p := range t.changes {
		if p.received {
			continue
		}
		p.age++
		if p.age > limit {
			delete(t.changes, id)
			pruned = append(pruned, p)
		}
	}
	return pruned
}
