package flush

import (
	"fmt"
	"strings"
)

// Trace records every input applied to the group state machines of a
// connection together with the outputs it produced. It is guarded by the
// connection's state lock; read it only once the connection is idle.
type Trace struct {
	Group  []string
	Input  []Input
	Output [][]Output
}

func newTrace() *Trace {
	return &Trace{
		Group:  make([]string, 0),
		Input:  make([]Input, 0),
		Output: make([][]Output, 0),
	}
}

func (t *Trace) Add(group string, input Input, outputs []Output) {
	t.Group = append(t.Group, group)
	t.Input = append(t.Input, input)
	t.Output = append(t.Output, outputs)
}

func (t *Trace) String() string {
	if t == nil {
		return ""
	}
	var sb strings.Builder
	for i := 0; i < len(t.Input); i++ {
		outputs := make([]string, len(t.Output[i]))
		for j, o := range t.Output[i] {
			outputs[j] = o.String()
		}
		fmt.Fprintf(&sb, "%s: %s -> [%s]\n", t.Group[i], t.Input[i].String(), strings.Join(outputs, ", "))
	}
	return sb.String()
}
