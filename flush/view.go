package flush

import (
	"fmt"

	"github.com/cmwaters/vsync/network"
	"github.com/cmwaters/vsync/pkg/group"
)

// Cause is the reason a membership view was created.
type Cause uint8

const (
	CauseJoin Cause = iota + 1
	CauseLeave
	CauseDisconnect
	CauseNetwork
)

func causeOf(service network.Service) Cause {
	switch {
	case service.CausedByJoin():
		return CauseJoin
	case service.CausedByLeave():
		return CauseLeave
	case service.CausedByDisconnect():
		return CauseDisconnect
	default:
		return CauseNetwork
	}
}

// Service returns the transport flag for the cause.
func (c Cause) Service() network.Service {
	switch c {
	case CauseJoin:
		return network.CausedByJoin
	case CauseLeave:
		return network.CausedByLeave
	case CauseDisconnect:
		return network.CausedByDisconnect
	default:
		return network.CausedByNetwork
	}
}

func (c Cause) String() string {
	switch c {
	case CauseJoin:
		return "join"
	case CauseLeave:
		return "leave"
	case CauseDisconnect:
		return "disconnect"
	case CauseNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// View is a snapshot of a group's membership at one point of the transport's
// history. Its member set can only shrink.
type View struct {
	id      network.ViewID
	group   string
	self    string
	cause   Cause
	changed string
	members *group.Set
	// forming is true until the view has been installed
	forming bool
}

func newView(groupName, self string, id network.ViewID, cause Cause, changed string, members []string) (*View, error) {
	set, err := group.NewSet(members)
	if err != nil {
		return nil, fmt.Errorf("view %s of %s: %w", id, groupName, err)
	}
	return &View{
		id:      id,
		group:   groupName,
		self:    self,
		cause:   cause,
		changed: changed,
		members: set,
		forming: true,
	}, nil
}

// placeholderView is the view of a group that is still being joined. It only
// contains the joining member and has a zero id.
func placeholderView(groupName, self string) *View {
	set, _ := group.NewSet([]string{self})
	return &View{
		group:   groupName,
		self:    self,
		cause:   CauseJoin,
		changed: self,
		members: set,
	}
}

func (v *View) ID() network.ViewID { return v.id }
func (v *View) Cause() Cause       { return v.cause }

// Changed is the single member that joined or left. It is empty for network
// caused views.
func (v *View) Changed() string { return v.changed }

func (v *View) Members() []string      { return v.members.Members() }
func (v *View) Has(member string) bool { return v.members.Has(member) }
func (v *View) Size() int              { return v.members.Size() }
func (v *View) Forming() bool          { return v.forming }

// Index is the position of the local member in Members, or -1.
func (v *View) Index() int { return v.members.Index(v.self) }

func (v *View) isPlaceholder() bool { return v.id.IsZero() }

func (v *View) inOriginal(member string) bool {
	for _, m := range v.members.Original() {
		if m == member {
			return true
		}
	}
	return false
}

func (v *View) remove(member string) bool {
	return v.members.Remove(member)
}

// info builds the application facing description of the view. prev is the
// previously installed view.
func (v *View) info(prev *View) *ViewInfo {
	members := v.Members()
	var vsSet []string
	for _, m := range members {
		if prev != nil && prev.Has(m) {
			vsSet = append(vsSet, m)
		}
	}
	return &ViewInfo{
		ID:      v.id,
		Cause:   v.cause,
		Changed: v.changed,
		Members: members,
		Index:   v.Index(),
		VSSet:   vsSet,
	}
}

func (v *View) String() string {
	return fmt.Sprintf("view{%s %s %s %v}", v.group, v.id, v.cause, v.Members())
}
