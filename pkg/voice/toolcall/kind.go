package toolcall

import (
	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/voice/protocol"
)

// Kind is the closed set of order functions.
type Kind int

const (
	KindUnknown Kind = iota
	KindAddItem
	KindRemoveItem
	KindModifyItem
	KindSetQuantity
	KindGetTotal
	KindConfirmOrder
)

var kindNames = map[Kind]string{
	KindAddItem:      protocol.FunctionAddItem,
	KindRemoveItem:   protocol.FunctionRemoveItem,
	KindModifyItem:   protocol.FunctionModifyItem,
	KindSetQuantity:  protocol.FunctionSetQuantity,
	KindGetTotal:     protocol.FunctionGetTotal,
	KindConfirmOrder: protocol.FunctionConfirmOrder,
}

// Kinds lists every known kind in declaration order.
func Kinds() []Kind {
	return []Kind{KindAddItem, KindRemoveItem, KindModifyItem, KindSetQuantity, KindGetTotal, KindConfirmOrder}
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Mutates reports whether a successful call of this kind changes the draft.
func (k Kind) Mutates() bool {
	switch k {
	case KindAddItem, KindRemoveItem, KindModifyItem, KindSetQuantity, KindConfirmOrder:
		return true
	default:
		return false
	}
}

// ParseKind maps a wire function name to its kind. Unknown names are a
// protocol violation: the remote is asking for something outside the
// declared tool set.
func ParseKind(name string) (Kind, error) {
	for _, k := range Kinds() {
		if kindNames[k] == name {
			return k, nil
		}
	}
	return KindUnknown, core.Newf(core.KindProtocolViolation, "unknown function %q", name).WithParam("name")
}
