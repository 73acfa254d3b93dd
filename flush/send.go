package flush

import (
	"context"
	"fmt"

	"github.com/cmwaters/vsync/network"
)

// Multicast sends data to every member of group. The group must be joined,
// unless it is the private group of another connection.
func (c *Conn) Multicast(ctx context.Context, service network.Service, group string, msgType int16, data []byte) (int, error) {
	return c.ScatMulticast(ctx, service, group, msgType, Scatter{data})
}

func (c *Conn) ScatMulticast(ctx context.Context, service network.Service, group string, msgType int16, scatter Scatter) (int, error) {
	return c.send(ctx, service, group, nil, msgType, scatter)
}

// Subgroupcast sends data to a subset of the members of group. Every
// recipient must be a member of the installed view of group. If group is a
// private group, the only legal recipient is group itself.
func (c *Conn) Subgroupcast(ctx context.Context, service network.Service, group string, recipients []string, msgType int16, data []byte) (int, error) {
	return c.ScatSubgroupcast(ctx, service, group, recipients, msgType, Scatter{data})
}

func (c *Conn) ScatSubgroupcast(ctx context.Context, service network.Service, group string, recipients []string, msgType int16, scatter Scatter) (int, error) {
	if len(recipients) == 0 {
		return 0, fmt.Errorf("%w: no recipients", ErrIllegalReceivers)
	}
	return c.send(ctx, service, group, recipients, msgType, scatter)
}

// Unicast sends data to a single member of group.
func (c *Conn) Unicast(ctx context.Context, service network.Service, group, recipient string, msgType int16, data []byte) (int, error) {
	return c.ScatSubgroupcast(ctx, service, group, []string{recipient}, msgType, Scatter{data})
}

func (c *Conn) ScatUnicast(ctx context.Context, service network.Service, group, recipient string, msgType int16, scatter Scatter) (int, error) {
	return c.ScatSubgroupcast(ctx, service, group, []string{recipient}, msgType, scatter)
}

// ValidateService rejects services an application may not use: those without
// an ordering guarantee and those using bits reserved for membership events
// and the layer itself.
func ValidateService(service network.Service) error {
	if service&network.Ordering == 0 {
		return fmt.Errorf("%w: %s has no ordering", ErrIllegalService, service)
	}
	if service&^(network.Ordering|network.SelfDiscard) != 0 {
		return fmt.Errorf("%w: %s uses reserved flags", ErrIllegalService, service)
	}
	return nil
}

// ValidateMessageType rejects the message types reserved for control traffic.
func ValidateMessageType(msgType int16) error {
	if msgType < MinMessageType {
		return fmt.Errorf("%w: %d is reserved", ErrIllegalMessageType, msgType)
	}
	return nil
}

// send tags the message according to the state of the group and hands it to
// the transport. recipients is nil for multicasts.
func (c *Conn) send(
	ctx context.Context,
	service network.Service,
	group string,
	recipients []string,
	msgType int16,
	scatter Scatter,
) (n int, err error) {
	if err := ValidateService(service); err != nil {
		return 0, err
	}
	if err := ValidateMessageType(msgType); err != nil {
		return 0, err
	}
	if err := scatter.validate(); err != nil {
		return 0, err
	}
	if len(group) > network.MaxGroupName {
		return 0, fmt.Errorf("%w: %q is too long", ErrIllegalGroup, group)
	}
	if err := c.reserve(); err != nil {
		return 0, err
	}
	defer func() { c.finish(err) }()

	c.mtx.Lock()
	defer c.mtx.Unlock()

	var (
		vulnerable bool
		target     network.ViewID
	)
	if network.IsPrivateGroup(group) {
		for _, r := range recipients {
			if r != group {
				return 0, fmt.Errorf("%w: %s is not %s", ErrIllegalReceivers, r, group)
			}
		}
	} else {
		g, ok := c.groups[group]
		if !ok {
			return 0, fmt.Errorf("%w: not a member of %s", ErrIllegalGroup, group)
		}
		vulnerable, target, err = g.SendTag()
		if err != nil {
			return 0, err
		}
		for _, r := range recipients {
			if !g.IsMember(r) {
				return 0, fmt.Errorf("%w: %s is not a member of %s", ErrIllegalReceivers, r, group)
			}
		}
	}

	parts := make(Scatter, 0, len(scatter)+2)
	parts = append(parts, scatter...)
	destinations := []string{group}
	if recipients != nil {
		parts = append(parts, EncodeSubgroupTrailer(group))
		destinations = recipients
		service |= network.Subgroup
	}
	if vulnerable {
		parts = append(parts, EncodeVulnerableTrailer(target, msgType))
		msgType = VulnerableMessageType
	}

	if _, err := c.session.Multicast(ctx, service, destinations, msgType, parts); err != nil {
		return 0, c.transportErr(err)
	}
	return scatter.Len(), nil
}
