package protocol

import "encoding/json"

// Function names the remote AI may invoke. The set is closed.
const (
	FunctionAddItem      = "add_item"
	FunctionRemoveItem   = "remove_item"
	FunctionModifyItem   = "modify_item"
	FunctionSetQuantity  = "set_quantity"
	FunctionGetTotal     = "get_total"
	FunctionConfirmOrder = "confirm_order"
)

// ToolDeclaration advertises one function to the remote service. Parameters
// is a JSON Schema (draft 2020-12) for the arguments object.
type ToolDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

const (
	addItemSchema = `{
  "type": "object",
  "properties": {
    "menu_item_id": {"type": "string", "minLength": 1},
    "quantity": {"type": "integer"},
    "modifiers": {"type": "array", "items": {"type": "string"}},
    "seat_index": {"type": "integer"}
  },
  "required": ["menu_item_id", "quantity"],
  "additionalProperties": false
}`

	removeItemSchema = `{
  "type": "object",
  "properties": {
    "line_ref": {"type": "string", "minLength": 1}
  },
  "required": ["line_ref"],
  "additionalProperties": false
}`

	modifyItemSchema = `{
  "type": "object",
  "properties": {
    "line_ref": {"type": "string", "minLength": 1},
    "add": {"type": "array", "items": {"type": "string"}},
    "remove": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["line_ref"],
  "additionalProperties": false
}`

	setQuantitySchema = `{
  "type": "object",
  "properties": {
    "line_ref": {"type": "string", "minLength": 1},
    "quantity": {"type": "integer"}
  },
  "required": ["line_ref", "quantity"],
  "additionalProperties": false
}`

	emptySchema = `{
  "type": "object",
  "properties": {},
  "additionalProperties": false
}`
)

var toolDeclarations = []ToolDeclaration{
	{
		Name:        FunctionAddItem,
		Description: "Add a menu item to the order with a quantity and optional modifier ids.",
		Parameters:  json.RawMessage(addItemSchema),
	},
	{
		Name:        FunctionRemoveItem,
		Description: "Remove an order line by its line_ref.",
		Parameters:  json.RawMessage(removeItemSchema),
	},
	{
		Name:        FunctionModifyItem,
		Description: "Add or remove modifiers on an existing order line.",
		Parameters:  json.RawMessage(modifyItemSchema),
	},
	{
		Name:        FunctionSetQuantity,
		Description: "Set the quantity of an order line. Zero removes the line.",
		Parameters:  json.RawMessage(setQuantitySchema),
	},
	{
		Name:        FunctionGetTotal,
		Description: "Return the current order lines and totals.",
		Parameters:  json.RawMessage(emptySchema),
	},
	{
		Name:        FunctionConfirmOrder,
		Description: "Confirm the order and hand it off for submission.",
		Parameters:  json.RawMessage(emptySchema),
	},
}

// ToolDeclarations returns the six order functions in a stable order.
func ToolDeclarations() []ToolDeclaration {
	out := make([]ToolDeclaration, len(toolDeclarations))
	for i, d := range toolDeclarations {
		d.Parameters = append(json.RawMessage(nil), d.Parameters...)
		out[i] = d
	}
	return out
}

// ToolSchema returns the argument schema for name.
func ToolSchema(name string) (json.RawMessage, bool) {
	for _, d := range toolDeclarations {
		if d.Name == name {
			return append(json.RawMessage(nil), d.Parameters...), true
		}
	}
	return nil, false
}
