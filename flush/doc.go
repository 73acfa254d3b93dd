// Package flush implements the flush protocol, which turns the basic group
// membership of a transport into virtual synchrony.
//
// When the transport reports a membership change, the members of the group
// are asked to flush. Once a member has flushed it may not send until the new
// view is installed, and the view is only installed once every member of it
// has flushed. Messages sent after a flush request but before the flush are
// tagged with the view they belong to and buffered by receivers until that
// view is installed.
//
// Each group runs a Group state machine:
//
//	Joining -> Authorize -> Agree -> Verify -> Steady
//	              ^                    |         |
//	              +--------------------+---------+
//
// Changes that arrive while one is being agreed upon are queued. A change that
// can no longer complete, because a member left before flushing, is discarded
// and the next change takes its place.
package flush
