// Package toolcall turns function calls emitted by the remote AI into
// validated Order Draft mutations and encodes the outcome as the function
// call response the AI verbalizes.
//
// An Adapter is owned by one session loop. Calls are handled one at a time
// to completion; the Adapter itself does no locking.
package toolcall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/order"
	"github.com/vango-go/vai-order/pkg/voice/protocol"
)

const (
	DefaultSubmitTimeout = 10 * time.Second
	tracerName           = "github.com/vango-go/vai-order/pkg/voice/toolcall"
)

// Request is one function call from the remote.
type Request struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// RequestFrom converts the wire message.
func RequestFrom(fc protocol.FunctionCall) Request {
	return Request{CallID: fc.CallID, Name: fc.Name, Arguments: fc.Arguments}
}

// Submission is what confirm_order hands to the order-creation collaborator.
type Submission struct {
	SessionID  string            `json:"session_id"`
	Items      []order.DraftItem `json:"items"`
	Notes      string            `json:"notes,omitempty"`
	TargetSeat *int              `json:"target_seat,omitempty"`
	Totals     order.Totals      `json:"totals"`
}

// Submitter creates the order downstream and returns its id.
type Submitter interface {
	SubmitOrder(ctx context.Context, sub Submission) (orderID string, err error)
}

type SubmitterFunc func(ctx context.Context, sub Submission) (string, error)

func (f SubmitterFunc) SubmitOrder(ctx context.Context, sub Submission) (string, error) {
	return f(ctx, sub)
}

// Outcome is the result of handling one Request.
type Outcome struct {
	Kind     Kind
	Response protocol.FunctionCallResponse
	// Err is the error reported in Response, nil on success.
	Err *core.Error
	// Mutated is true when the draft changed.
	Mutated bool
	// OrderID is set after a successful confirm_order.
	OrderID string
	// Fatal is set for protocol violations. Response must still be sent
	// before the session tears down.
	Fatal error
}

type Config struct {
	SubmitTimeout time.Duration
	Logger        *slog.Logger
	Tracer        trace.Tracer
}

type handlerFunc func(ctx context.Context, args json.RawMessage) (result any, changed bool, err error)

type Adapter struct {
	draft         *order.Draft
	submitter     Submitter
	submitTimeout time.Duration
	logger        *slog.Logger
	tracer        trace.Tracer

	schemas  map[Kind]*jsonschema.Schema
	handlers map[Kind]handlerFunc
}

// New compiles the argument schemas and builds the handler table. Every Kind
// must have both; a missing entry is a construction error.
func New(draft *order.Draft, submitter Submitter, cfg Config) (*Adapter, error) {
	if draft == nil {
		return nil, fmt.Errorf("toolcall: draft is required")
	}
	if submitter == nil {
		return nil, fmt.Errorf("toolcall: submitter is required")
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	a := &Adapter{
		draft:         draft,
		submitter:     submitter,
		submitTimeout: cfg.SubmitTimeout,
		logger:        cfg.Logger,
		tracer:        cfg.Tracer,
		schemas:       make(map[Kind]*jsonschema.Schema),
	}
	a.handlers = map[Kind]handlerFunc{
		KindAddItem:      a.addItem,
		KindRemoveItem:   a.removeItem,
		KindModifyItem:   a.modifyItem,
		KindSetQuantity:  a.setQuantity,
		KindGetTotal:     a.getTotal,
		KindConfirmOrder: a.confirmOrder,
	}
	for _, k := range Kinds() {
		if a.handlers[k] == nil {
			return nil, fmt.Errorf("toolcall: no handler for %s", k)
		}
		schema, err := compileSchema(k)
		if err != nil {
			return nil, err
		}
		a.schemas[k] = schema
	}
	return a, nil
}

func compileSchema(k Kind) (*jsonschema.Schema, error) {
	raw, ok := protocol.ToolSchema(k.String())
	if !ok {
		return nil, fmt.Errorf("toolcall: no schema declared for %s", k)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://schemas.vai-order.local/tools/%s.schema.json", k)
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("toolcall: load schema %s: %w", k, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("toolcall: compile schema %s: %w", k, err)
	}
	return schema, nil
}

// ConfirmedOrderID is the id of the submitted order, including one carried
// over from a resumed draft.
func (a *Adapter) ConfirmedOrderID() string { return a.draft.OrderID() }

// Handle processes req to completion.
func (a *Adapter) Handle(ctx context.Context, req Request) Outcome {
	ctx, span := a.tracer.Start(ctx, "toolcall."+req.Name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("tool.call_id", req.CallID),
			attribute.String("tool.name", req.Name),
			attribute.String("session.id", a.draft.SessionID()),
		),
	)
	defer span.End()

	kind, err := ParseKind(req.Name)
	if err != nil {
		out := a.failure(req, KindUnknown, err)
		out.Fatal = err
		span.RecordError(err)
		span.SetStatus(codes.Error, "protocol violation")
		return out
	}

	args, err := a.validate(kind, req.Arguments)
	if err != nil {
		span.SetStatus(codes.Error, string(core.KindOf(err)))
		return a.failure(req, kind, err)
	}

	result, changed, err := a.handlers[kind](ctx, args)
	if err != nil {
		span.SetAttributes(attribute.String("tool.error", string(core.KindOf(err))))
		span.SetStatus(codes.Error, string(core.KindOf(err)))
		return a.failure(req, kind, err)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return a.failure(req, kind, core.Wrap(core.KindInternal, "encode result", err))
	}
	mutated := changed && kind.Mutates()
	span.SetAttributes(attribute.Bool("tool.mutated", mutated))
	out := Outcome{
		Kind:    kind,
		Mutated: mutated,
		Response: protocol.FunctionCallResponse{
			Type:   protocol.TypeFunctionCallResponse,
			CallID: req.CallID,
			Name:   req.Name,
			Result: payload,
		},
	}
	if kind == KindConfirmOrder {
		out.OrderID = a.draft.OrderID()
	}
	return out
}

// Reject answers req with err without touching the draft. Used for calls
// that arrive when the session cannot accept them.
func Reject(req Request, err error) protocol.FunctionCallResponse {
	return protocol.FunctionCallResponse{
		Type:   protocol.TypeFunctionCallResponse,
		CallID: req.CallID,
		Name:   req.Name,
		Error:  wireError(err),
	}
}

func (a *Adapter) failure(req Request, kind Kind, err error) Outcome {
	ce := core.AsError(err)
	a.logger.Debug("function call failed",
		"call_id", req.CallID,
		"function", req.Name,
		"kind", ce.Kind,
		"error", ce.Message,
	)
	return Outcome{Kind: kind, Err: ce, Response: Reject(req, ce)}
}

func wireError(err error) *protocol.FunctionCallError {
	ce := core.AsError(err)
	if ce == nil {
		return nil
	}
	return &protocol.FunctionCallError{
		Code:      string(ce.Kind),
		Message:   ce.Message,
		Param:     ce.Param,
		Retryable: ce.IsRetryable(),
	}
}

func (a *Adapter) validate(kind Kind, raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, core.Wrap(core.KindInvalidArguments, "arguments are not valid JSON", err)
	}
	if err := a.schemas[kind].Validate(doc); err != nil {
		msg := err.Error()
		param := ""
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			msg, param = describeValidation(ve)
		}
		return nil, core.New(core.KindInvalidArguments, msg).WithParam(param)
	}
	return raw, nil
}

// describeValidation picks the deepest cause, which names the offending
// field rather than the root object.
func describeValidation(ve *jsonschema.ValidationError) (string, string) {
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	param := strings.TrimPrefix(leaf.InstanceLocation, "/")
	return leaf.Message, strings.ReplaceAll(param, "/", ".")
}

type lineView struct {
	LineRef    string      `json:"line_ref"`
	MenuItemID string      `json:"menu_item_id"`
	Name       string      `json:"name"`
	Quantity   int         `json:"quantity"`
	UnitPrice  order.Money `json:"unit_price"`
	Modifiers  []string    `json:"modifiers"`
	SeatIndex  *int        `json:"seat_index,omitempty"`
	LineTotal  order.Money `json:"line_total"`
}

type cartView struct {
	Lines    []lineView  `json:"lines"`
	Subtotal order.Money `json:"subtotal"`
	Tax      order.Money `json:"tax"`
	Total    order.Money `json:"total"`
}

func (a *Adapter) line(item order.DraftItem) (lineView, error) {
	total, err := a.draft.LineTotal(item)
	if err != nil {
		return lineView{}, core.Wrap(core.KindInternal, "pricing failed", err)
	}
	mods := make([]string, 0, len(item.Modifiers))
	for _, m := range item.Modifiers {
		mods = append(mods, m.ID)
	}
	return lineView{
		LineRef:    item.LineRef,
		MenuItemID: item.MenuItemID,
		Name:       item.Name,
		Quantity:   item.Quantity,
		UnitPrice:  item.UnitPrice,
		Modifiers:  mods,
		SeatIndex:  item.SeatIndex,
		LineTotal:  total,
	}, nil
}

func (a *Adapter) cart() (cartView, error) {
	items := a.draft.Items()
	view := cartView{Lines: make([]lineView, 0, len(items))}
	for _, it := range items {
		lv, err := a.line(it)
		if err != nil {
			return cartView{}, err
		}
		view.Lines = append(view.Lines, lv)
	}
	t := a.draft.Totals()
	view.Subtotal, view.Tax, view.Total = t.Subtotal, t.Tax, t.Total
	return view, nil
}

type addItemArgs struct {
	MenuItemID string   `json:"menu_item_id"`
	Quantity   int      `json:"quantity"`
	Modifiers  []string `json:"modifiers"`
	SeatIndex  *int     `json:"seat_index"`
}

func (a *Adapter) addItem(ctx context.Context, raw json.RawMessage) (any, bool, error) {
	var args addItemArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, false, core.Wrap(core.KindInvalidArguments, "decode add_item arguments", err)
	}
	item, err := a.draft.Add(ctx, args.MenuItemID, args.Quantity, args.Modifiers, args.SeatIndex)
	if err != nil {
		return nil, false, err
	}
	return a.mutationResult(item, "")
}

type lineRefArgs struct {
	LineRef string `json:"line_ref"`
}

func (a *Adapter) removeItem(ctx context.Context, raw json.RawMessage) (any, bool, error) {
	var args lineRefArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, false, core.Wrap(core.KindInvalidArguments, "decode remove_item arguments", err)
	}
	if err := a.draft.Remove(args.LineRef); err != nil {
		return nil, false, err
	}
	return a.mutationResult(order.DraftItem{}, args.LineRef)
}

type modifyItemArgs struct {
	LineRef string   `json:"line_ref"`
	Add     []string `json:"add"`
	Remove  []string `json:"remove"`
}

func (a *Adapter) modifyItem(ctx context.Context, raw json.RawMessage) (any, bool, error) {
	var args modifyItemArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, false, core.Wrap(core.KindInvalidArguments, "decode modify_item arguments", err)
	}
	item, err := a.draft.ApplyModifierDelta(ctx, args.LineRef, args.Add, args.Remove)
	if err != nil {
		return nil, false, err
	}
	return a.mutationResult(item, "")
}

type setQuantityArgs struct {
	LineRef  string `json:"line_ref"`
	Quantity int    `json:"quantity"`
}

func (a *Adapter) setQuantity(ctx context.Context, raw json.RawMessage) (any, bool, error) {
	var args setQuantityArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, false, core.Wrap(core.KindInvalidArguments, "decode set_quantity arguments", err)
	}
	item, removed, err := a.draft.SetQuantity(args.LineRef, args.Quantity)
	if err != nil {
		return nil, false, err
	}
	if removed {
		return a.mutationResult(order.DraftItem{}, args.LineRef)
	}
	return a.mutationResult(item, "")
}

type mutationView struct {
	Line    *lineView `json:"line,omitempty"`
	Removed string    `json:"removed,omitempty"`
	Cart    cartView  `json:"cart"`
}

func (a *Adapter) mutationResult(item order.DraftItem, removed string) (any, bool, error) {
	view := mutationView{Removed: removed}
	if item.LineRef != "" {
		lv, err := a.line(item)
		if err != nil {
			return nil, true, err
		}
		view.Line = &lv
	}
	cart, err := a.cart()
	if err != nil {
		return nil, true, err
	}
	view.Cart = cart
	return view, true, nil
}

func (a *Adapter) getTotal(ctx context.Context, _ json.RawMessage) (any, bool, error) {
	cart, err := a.cart()
	if err != nil {
		return nil, false, err
	}
	return cart, false, nil
}

type confirmView struct {
	OrderID string       `json:"order_id"`
	Totals  order.Totals `json:"totals"`
	Lines   int          `json:"lines"`
}

func (a *Adapter) confirmOrder(ctx context.Context, _ json.RawMessage) (any, bool, error) {
	if id := a.draft.OrderID(); id != "" {
		return confirmView{OrderID: id, Totals: a.draft.Totals(), Lines: a.draft.Len()}, false, nil
	}
	if a.draft.Len() == 0 {
		return nil, false, core.New(core.KindEmptyOrder, "the order has no items")
	}

	a.draft.Freeze()
	sub := Submission{
		SessionID:  a.draft.SessionID(),
		Items:      a.draft.Items(),
		Notes:      a.draft.Notes(),
		TargetSeat: a.draft.TargetSeat(),
		Totals:     a.draft.Totals(),
	}

	submitCtx, cancel := context.WithTimeout(ctx, a.submitTimeout)
	defer cancel()
	submitCtx, span := a.tracer.Start(submitCtx, "toolcall.submit_order",
		trace.WithAttributes(attribute.Int("order.lines", len(sub.Items))))
	orderID, err := a.submitter.SubmitOrder(submitCtx, sub)
	if err == nil && strings.TrimSpace(orderID) == "" {
		err = fmt.Errorf("submitter returned an empty order id")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submission failed")
		span.End()
		a.draft.Unfreeze()
		a.logger.Warn("order submission failed",
			"lines", len(sub.Items),
			"error", err,
		)
		return nil, false, core.Wrap(core.KindSubmissionFailed, "order submission failed, please try again", err)
	}
	span.SetAttributes(attribute.String("order.id", orderID))
	span.End()

	a.draft.MarkSubmitted(orderID)
	a.logger.Info("order confirmed", "order_id", orderID, "total", sub.Totals.Total.String())
	return confirmView{OrderID: orderID, Totals: sub.Totals, Lines: len(sub.Items)}, true, nil
}
