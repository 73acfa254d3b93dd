package flush_test

import (
	"testing"

	"github.com/cmwaters/vsync/flush"
	"github.com/cmwaters/vsync/network"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	a = "#a#d"
	b = "#b#d"
	c = "#c#d"
	d = "#d#d"
)

func vid(i uint32) network.ViewID {
	return network.ViewID{Proc: 1, Time: 1, Index: i}
}

func newGroup(self string) *flush.Group {
	return flush.NewGroup("chat", self, flush.DefaultParameters(), zerolog.Nop())
}

// installedGroup returns a group in the Steady state with the given view
// installed.
func installedGroup(t *testing.T, self string, members []string, id network.ViewID) *flush.Group {
	g := newGroup(self)
	outputs := g.Step(flush.MembershipInput(id, flush.CauseJoin, self, members))
	require.Len(t, outputs, 1)
	require.True(t, outputs[0].Message().IsFlushRequest())
	_, err := g.Flush()
	require.NoError(t, err)
	for _, m := range members {
		outputs = g.Step(flush.FlushAckInput(m, id))
	}
	require.True(t, outputs[0].Message().IsMembership())
	for _, m := range members {
		g.Step(flush.FullyReceivedInput(m, id))
	}
	require.Equal(t, flush.Steady, g.State())
	return g
}

func regular(sender string, data string) *flush.Message {
	return &flush.Message{
		Kind:    flush.KindRegular,
		Service: network.Agreed,
		Sender:  sender,
		Groups:  []string{"chat"},
		Data:    []byte(data),
	}
}

func TestSoloJoin(t *testing.T) {
	g := newGroup(a)
	require.Equal(t, flush.Joining, g.State())
	_, _, err := g.SendTag()
	require.ErrorIs(t, err, flush.ErrIllegalGroup)
	require.ErrorIs(t, g.Leave(), flush.ErrIllegalGroup)

	outputs := g.Step(flush.MembershipInput(vid(1), flush.CauseJoin, a, []string{a}))
	require.Len(t, outputs, 1)
	require.True(t, outputs[0].Message().IsFlushRequest())
	require.Equal(t, flush.Authorize, g.State())

	output, err := g.Flush()
	require.NoError(t, err)
	require.Equal(t, flush.AckOutput(vid(1)), output)
	require.Equal(t, flush.Agree, g.State())
	// flushing twice for the same change is rejected
	_, err = g.Flush()
	require.ErrorIs(t, err, flush.ErrIllegalGroup)

	outputs = g.Step(flush.FlushAckInput(a, vid(1)))
	require.Len(t, outputs, 2)
	msg := outputs[0].Message()
	require.True(t, msg.IsMembership())
	require.Equal(t, []string{a}, msg.Groups)
	require.Equal(t, []string{a}, msg.View.Members)
	require.Equal(t, []string{a}, msg.View.VSSet)
	require.Equal(t, flush.CauseJoin, msg.View.Cause)
	require.Equal(t, 0, msg.View.Index)
	require.Equal(t, flush.ConfirmOutput(vid(1)), outputs[1])
	require.Equal(t, flush.Verify, g.State())

	vulnerable, target, err := g.SendTag()
	require.NoError(t, err)
	require.True(t, vulnerable)
	require.Equal(t, vid(1), target)

	require.Empty(t, g.Step(flush.FullyReceivedInput(a, vid(1))))
	require.Equal(t, flush.Steady, g.State())
	require.Equal(t, vid(1), g.FLView().ID())
	require.Zero(t, g.PendingChanges())

	vulnerable, _, err = g.SendTag()
	require.NoError(t, err)
	require.False(t, vulnerable)
	_, err = g.Flush()
	require.ErrorIs(t, err, flush.ErrIllegalGroup)
}

func TestJoinBuffersVulnerableMessages(t *testing.T) {
	ga := installedGroup(t, a, []string{a}, vid(1))
	gb := newGroup(b)

	members := []string{a, b}
	outputs := ga.Step(flush.MembershipInput(vid(2), flush.CauseJoin, b, members))
	require.Len(t, outputs, 1)
	require.True(t, outputs[0].Message().IsFlushRequest())
	outputs = gb.Step(flush.MembershipInput(vid(2), flush.CauseJoin, b, members))
	require.Len(t, outputs, 1)
	require.True(t, outputs[0].Message().IsFlushRequest())

	// a sends before flushing, so the message is tagged with the new view
	vulnerable, target, err := ga.SendTag()
	require.NoError(t, err)
	require.True(t, vulnerable)
	require.Equal(t, vid(2), target)

	hello := regular(a, "hello")
	require.Empty(t, ga.Step(flush.MessageInput(hello, true, target)))
	require.Empty(t, gb.Step(flush.MessageInput(hello, true, target)))

	// an untagged message from a is not for b, which has not installed a view
	require.Empty(t, gb.Step(flush.MessageInput(regular(a, "stale"), false, network.ViewID{})))

	for _, g := range []*flush.Group{ga, gb} {
		_, err := g.Flush()
		require.NoError(t, err)
		require.Empty(t, g.Step(flush.FlushAckInput(a, vid(2))))
		outputs = g.Step(flush.FlushAckInput(b, vid(2)))
		require.Len(t, outputs, 3)
		require.True(t, outputs[0].Message().IsMembership())
		require.Equal(t, members, outputs[0].Message().View.Members)
		require.Equal(t, hello, outputs[1].Message())
		require.Equal(t, flush.ConfirmOutput(vid(2)), outputs[2])
	}
	require.Equal(t, members, ga.FLView().Members())
	require.Equal(t, 1, gb.FLView().Index())
}

func TestUnackedDepartureDiscardsChange(t *testing.T) {
	g := installedGroup(t, b, []string{a, b}, vid(1))

	outputs := g.Step(flush.MembershipInput(vid(3), flush.CauseJoin, c, []string{a, b, c}))
	require.Len(t, outputs, 1)
	_, err := g.Flush()
	require.NoError(t, err)
	require.Empty(t, g.Step(flush.FlushAckInput(b, vid(3))))
	require.Empty(t, g.Step(flush.FlushAckInput(c, vid(3))))
	// c's message was sent in the change that is about to be discarded
	fromC := regular(c, "early")
	require.Empty(t, g.Step(flush.MessageInput(fromC, true, vid(3))))

	// a leaves without acknowledging: the join of c can never complete
	outputs = g.Step(flush.MembershipInput(vid(4), flush.CauseLeave, a, []string{b, c}))
	require.Len(t, outputs, 1)
	require.True(t, outputs[0].Message().IsFlushRequest())
	require.Equal(t, flush.Authorize, g.State())
	current, ok := g.Current()
	require.True(t, ok)
	require.Equal(t, vid(4), current)
	require.Equal(t, 1, g.PendingChanges())

	output, err := g.Flush()
	require.NoError(t, err)
	require.Equal(t, flush.AckOutput(vid(4)), output)
	require.Empty(t, g.Step(flush.FlushAckInput(b, vid(4))))
	outputs = g.Step(flush.FlushAckInput(c, vid(4)))
	require.Len(t, outputs, 3)
	view := outputs[0].Message().View
	require.Equal(t, vid(4), view.ID)
	require.Equal(t, flush.CauseNetwork, view.Cause)
	require.Empty(t, view.Changed)
	require.Equal(t, []string{b, c}, view.Members)
	require.Equal(t, []string{b}, view.VSSet)
	require.Equal(t, fromC, outputs[1].Message())
}

func TestAckedDepartureShrinksChange(t *testing.T) {
	g := installedGroup(t, b, []string{a, b, c}, vid(1))

	outputs := g.Step(flush.MembershipInput(vid(2), flush.CauseJoin, d, []string{a, b, c, d}))
	require.Len(t, outputs, 1)
	_, err := g.Flush()
	require.NoError(t, err)
	require.Empty(t, g.Step(flush.FlushAckInput(a, vid(2))))
	require.Empty(t, g.Step(flush.FlushAckInput(b, vid(2))))

	// a already acknowledged, so it is only dropped from the pending view
	require.Empty(t, g.Step(flush.MembershipInput(vid(3), flush.CauseLeave, a, []string{b, c, d})))
	require.Equal(t, 2, g.PendingChanges())

	require.Empty(t, g.Step(flush.FlushAckInput(c, vid(2))))
	outputs = g.Step(flush.FlushAckInput(d, vid(2)))
	require.Len(t, outputs, 2)
	view := outputs[0].Message().View
	require.Equal(t, vid(2), view.ID)
	require.Equal(t, flush.CauseJoin, view.Cause)
	require.Equal(t, d, view.Changed)
	require.Equal(t, []string{b, c, d}, view.Members)
	require.Equal(t, []string{b, c}, view.VSSet)
	require.True(t, outputs[1].Message().IsFlushRequest())

	// the leave of a is agreed upon next
	require.Equal(t, flush.Authorize, g.State())
	current, ok := g.Current()
	require.True(t, ok)
	require.Equal(t, vid(3), current)
}

func TestFlushAckBeforeMembershipEvent(t *testing.T) {
	g := installedGroup(t, a, []string{a}, vid(1))

	require.Empty(t, g.Step(flush.FlushAckInput(b, vid(2))))
	require.Equal(t, 1, g.PendingChanges())
	// b may also send in the new view before a hears of it
	early := regular(b, "early")
	require.Empty(t, g.Step(flush.MessageInput(early, true, vid(2))))

	outputs := g.Step(flush.MembershipInput(vid(2), flush.CauseJoin, b, []string{a, b}))
	require.Len(t, outputs, 1)
	require.True(t, outputs[0].Message().IsFlushRequest())
	_, err := g.Flush()
	require.NoError(t, err)

	outputs = g.Step(flush.FlushAckInput(a, vid(2)))
	require.Len(t, outputs, 3)
	require.Equal(t, []string{a, b}, outputs[0].Message().View.Members)
	require.Equal(t, early, outputs[1].Message())
	require.Equal(t, flush.ConfirmOutput(vid(2)), outputs[2])
}

func TestFlushAckFromNonMemberIgnored(t *testing.T) {
	g := installedGroup(t, a, []string{a}, vid(1))
	g.Step(flush.MembershipInput(vid(2), flush.CauseJoin, b, []string{a, b}))
	_, err := g.Flush()
	require.NoError(t, err)

	require.Empty(t, g.Step(flush.FlushAckInput(c, vid(2))))
	require.Empty(t, g.Step(flush.FlushAckInput(a, vid(2))))
	require.Equal(t, flush.Agree, g.State())
	require.Len(t, g.Step(flush.FlushAckInput(b, vid(2))), 2)
}

func TestUnreceivedChangesAgeOut(t *testing.T) {
	params := flush.DefaultParameters()
	params.PendingAgeLimit = 1
	g := flush.NewGroup("chat", a, params, zerolog.Nop())

	require.Empty(t, g.Step(flush.FlushAckInput(b, vid(99))))
	require.Equal(t, 1, g.PendingChanges())

	g.Step(flush.MembershipInput(vid(1), flush.CauseJoin, a, []string{a}))
	require.Equal(t, 2, g.PendingChanges())
	g.Step(flush.MembershipInput(vid(2), flush.CauseJoin, b, []string{a, b}))
	// vid(99) is now older than the limit
	require.Equal(t, 2, g.PendingChanges())
}

func TestQueuedChangeIsPromoted(t *testing.T) {
	g := installedGroup(t, a, []string{a, b}, vid(1))

	outputs := g.Step(flush.MembershipInput(vid(2), flush.CauseJoin, c, []string{a, b, c}))
	require.Len(t, outputs, 1)
	// a second change while the first is pending does not ask to flush again
	require.Empty(t, g.Step(flush.MembershipInput(vid(3), flush.CauseJoin, d, []string{a, b, c, d})))
	require.Equal(t, 2, g.PendingChanges())

	_, err := g.Flush()
	require.NoError(t, err)
	g.Step(flush.FlushAckInput(a, vid(2)))
	g.Step(flush.FlushAckInput(b, vid(2)))
	outputs = g.Step(flush.FlushAckInput(c, vid(2)))
	require.Len(t, outputs, 2)
	require.Equal(t, vid(2), outputs[0].Message().View.ID)
	require.True(t, outputs[1].Message().IsFlushRequest())
	require.Equal(t, flush.Authorize, g.State())

	current, ok := g.Current()
	require.True(t, ok)
	require.Equal(t, vid(3), current)
	output, err := g.Flush()
	require.NoError(t, err)
	require.Equal(t, flush.AckOutput(vid(3)), output)
}

func TestConfirmationBeforeInstall(t *testing.T) {
	g := installedGroup(t, a, []string{a}, vid(1))
	g.Step(flush.MembershipInput(vid(2), flush.CauseJoin, b, []string{a, b}))
	_, err := g.Flush()
	require.NoError(t, err)
	g.Step(flush.FlushAckInput(a, vid(2)))
	// b confirms before a installs the view
	require.Empty(t, g.Step(flush.FullyReceivedInput(b, vid(2))))
	outputs := g.Step(flush.FlushAckInput(b, vid(2)))
	require.Len(t, outputs, 2)
	require.Equal(t, flush.Verify, g.State())

	require.Empty(t, g.Step(flush.FullyReceivedInput(a, vid(2))))
	require.Equal(t, flush.Steady, g.State())
}

func TestLeaveSuppressesFlushRequests(t *testing.T) {
	g := installedGroup(t, a, []string{a, b}, vid(1))
	require.NoError(t, g.Leave())
	require.True(t, g.Leaving())
	require.ErrorIs(t, g.Leave(), flush.ErrIllegalGroup)

	_, _, err := g.SendTag()
	require.ErrorIs(t, err, flush.ErrIllegalGroup)

	require.Empty(t, g.Step(flush.MembershipInput(vid(2), flush.CauseJoin, c, []string{a, b, c})))
	require.Equal(t, flush.Authorize, g.State())
	_, err = g.Flush()
	require.ErrorIs(t, err, flush.ErrIllegalGroup)
}

func TestDuplicateMembershipEventIgnored(t *testing.T) {
	g := installedGroup(t, a, []string{a}, vid(1))
	outputs := g.Step(flush.MembershipInput(vid(2), flush.CauseJoin, b, []string{a, b}))
	require.Len(t, outputs, 1)
	require.Empty(t, g.Step(flush.MembershipInput(vid(2), flush.CauseJoin, b, []string{a, b})))
	require.Equal(t, 1, g.PendingChanges())
}

func TestVulnerableMessageAheadOfMembershipEvent(t *testing.T) {
	g := installedGroup(t, a, []string{a, b}, vid(1))
	early := regular(b, "early")
	require.Empty(t, g.Step(flush.MessageInput(early, true, vid(2))))
	require.Equal(t, 1, g.PendingChanges())

	require.Len(t, g.Step(flush.MembershipInput(vid(2), flush.CauseJoin, c, []string{a, b, c})), 1)
	_, err := g.Flush()
	require.NoError(t, err)
	g.Step(flush.FlushAckInput(a, vid(2)))
	g.Step(flush.FlushAckInput(b, vid(2)))
	outputs := g.Step(flush.FlushAckInput(c, vid(2)))
	require.Len(t, outputs, 3)
	require.Equal(t, early, outputs[1].Message())

	// without a membership event the message ages out like an early ack
	require.Empty(t, g.Step(flush.MessageInput(regular(b, "lost"), true, vid(9))))
	require.Equal(t, 1, g.PendingChanges())
	for i := uint32(3); i <= 5; i++ {
		g.Step(flush.MembershipInput(vid(i), flush.CauseNetwork, "", []string{a, b, c}))
	}
	require.Equal(t, 4, g.PendingChanges())
	// vid(6) makes the record of vid(9) older than the limit
	g.Step(flush.MembershipInput(vid(6), flush.CauseNetwork, "", []string{a, b, c}))
	require.Equal(t, 4, g.PendingChanges())

	hi := regular(b, "hi")
	outputs = g.Step(flush.MessageInput(hi, false, network.ViewID{}))
	require.Len(t, outputs, 1)
	require.Equal(t, hi, outputs[0].Message())
	// the sender must be a member of the installed view
	require.Empty(t, g.Step(flush.MessageInput(regular(d, "who"), false, network.ViewID{})))
}

func TestLateMessageForDiscardedChange(t *testing.T) {
	g := installedGroup(t, a, []string{a, b}, vid(1))
	g.Step(flush.MembershipInput(vid(2), flush.CauseJoin, c, []string{a, b, c}))
	_, err := g.Flush()
	require.NoError(t, err)

	// b leaves without acknowledging, vid(2) is discarded in favour of vid(3)
	outputs := g.Step(flush.MembershipInput(vid(3), flush.CauseLeave, b, []string{a, c}))
	require.Len(t, outputs, 1)
	require.True(t, outputs[0].Message().IsFlushRequest())

	// c sent for vid(2) before it heard of the departure
	fromC := regular(c, "late")
	require.Empty(t, g.Step(flush.MessageInput(fromC, true, vid(2))))
	require.Empty(t, g.Step(flush.FlushAckInput(c, vid(2))))
	require.Empty(t, g.Step(flush.MembershipInput(vid(2), flush.CauseJoin, c, []string{a, b, c})))
	require.Equal(t, 1, g.PendingChanges())

	_, err = g.Flush()
	require.NoError(t, err)
	g.Step(flush.FlushAckInput(a, vid(3)))
	outputs = g.Step(flush.FlushAckInput(c, vid(3)))
	require.Len(t, outputs, 3)
	require.Equal(t, vid(3), outputs[0].Message().View.ID)
	require.Equal(t, fromC, outputs[1].Message())

	// once vid(3) is installed, messages for vid(2) are delivered directly
	again := regular(c, "later")
	outputs = g.Step(flush.MessageInput(again, true, vid(2)))
	require.Len(t, outputs, 1)
	require.Equal(t, again, outputs[0].Message())
}

func TestAbortFlush(t *testing.T) {
	g := installedGroup(t, a, []string{a}, vid(1))
	g.AbortFlush()
	require.Equal(t, flush.Steady, g.State())

	g.Step(flush.MembershipInput(vid(2), flush.CauseJoin, b, []string{a, b}))
	_, err := g.Flush()
	require.NoError(t, err)
	g.AbortFlush()
	require.Equal(t, flush.Authorize, g.State())
	output, err := g.Flush()
	require.NoError(t, err)
	require.Equal(t, flush.AckOutput(vid(2)), output)
}
