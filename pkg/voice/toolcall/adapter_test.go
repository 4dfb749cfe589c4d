package toolcall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-order/pkg/catalog"
	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/order"
	"github.com/vango-go/vai-order/pkg/pricing"
	"github.com/vango-go/vai-order/pkg/voice/protocol"
)

var testPricing = pricing.Engine{TaxRateBasisPoints: 825}

func testMenu(t *testing.T) *catalog.Static {
	t.Helper()
	menu, err := catalog.NewStatic(catalog.Menu{
		Items: []order.MenuItem{
			{ID: "burger", Name: "Burger", Price: 899, Available: true, Modifiers: []string{"cheese"}},
			{ID: "fries", Name: "Fries", Price: 349, Available: true, Modifiers: []string{"large"}},
		},
		Modifiers: []order.Modifier{
			{ID: "cheese", Name: "Cheese", Price: 100},
			{ID: "large", Name: "Large", Price: 150},
		},
	})
	require.NoError(t, err)
	return menu
}

type recordingSubmitter struct {
	calls []Submission
	err   error
	id    string
}

func (r *recordingSubmitter) SubmitOrder(ctx context.Context, sub Submission) (string, error) {
	r.calls = append(r.calls, sub)
	if r.err != nil {
		return "", r.err
	}
	if r.id == "" {
		return "ord_1", nil
	}
	return r.id, nil
}

func newAdapter(t *testing.T, sub Submitter) (*Adapter, *order.Draft) {
	t.Helper()
	draft, err := order.NewDraft("sess_1", testMenu(t), testPricing)
	require.NoError(t, err)
	a, err := New(draft, sub, Config{SubmitTimeout: time.Second})
	require.NoError(t, err)
	return a, draft
}

func call(a *Adapter, name, args string) Outcome {
	return a.Handle(context.Background(), Request{CallID: "call_" + name, Name: name, Arguments: json.RawMessage(args)})
}

func decode(t *testing.T, raw json.RawMessage, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(raw, v))
}

func TestHappyPath_TwoLinesConfirmed(t *testing.T) {
	sub := &recordingSubmitter{id: "ord_42"}
	a, draft := newAdapter(t, sub)

	out := call(a, "add_item", `{"menu_item_id":"burger","quantity":1,"modifiers":[]}`)
	require.Nil(t, out.Err, "%v", out.Err)
	assert.True(t, out.Mutated)
	out = call(a, "add_item", `{"menu_item_id":"fries","quantity":2,"modifiers":["large"]}`)
	require.Nil(t, out.Err, "%v", out.Err)

	out = call(a, "confirm_order", `{}`)
	require.Nil(t, out.Err, "%v", out.Err)
	assert.Equal(t, "ord_42", out.OrderID)
	assert.Equal(t, "call_confirm_order", out.Response.CallID)

	var res struct {
		OrderID string       `json:"order_id"`
		Totals  order.Totals `json:"totals"`
		Lines   int          `json:"lines"`
	}
	decode(t, out.Response.Result, &res)
	assert.Equal(t, "ord_42", res.OrderID)
	assert.Equal(t, 2, res.Lines)

	want, err := testPricing.ComputeOrderTotal(draft.Items())
	require.NoError(t, err)
	assert.Equal(t, want, res.Totals)
	assert.Equal(t, order.Money(899+2*(349+150)), want.Subtotal)

	require.Len(t, sub.calls, 1)
	assert.Equal(t, "sess_1", sub.calls[0].SessionID)
	assert.Len(t, sub.calls[0].Items, 2)
	assert.True(t, draft.Frozen())
}

func TestAddItem_InvalidModifierLeavesDraftEmpty(t *testing.T) {
	a, draft := newAdapter(t, &recordingSubmitter{})
	out := call(a, "add_item", `{"menu_item_id":"burger","quantity":1,"modifiers":["nonexistent_mod"]}`)
	require.NotNil(t, out.Err)
	assert.Equal(t, core.KindInvalidModifier, out.Err.Kind)
	require.NotNil(t, out.Response.Error)
	assert.Equal(t, "invalid_modifier", out.Response.Error.Code)
	assert.Nil(t, out.Response.Result)
	assert.False(t, out.Mutated)
	assert.Nil(t, out.Fatal)
	assert.Equal(t, 0, draft.Len())
}

func TestAddItem_UnknownMenuItem(t *testing.T) {
	a, _ := newAdapter(t, &recordingSubmitter{})
	out := call(a, "add_item", `{"menu_item_id":"pizza","quantity":1}`)
	require.NotNil(t, out.Err)
	assert.Equal(t, core.KindUnknownMenuItem, out.Err.Kind)
	assert.Equal(t, "menu_item_id", out.Response.Error.Param)
}

func TestAddItem_ResultCarriesLineAndCart(t *testing.T) {
	a, _ := newAdapter(t, &recordingSubmitter{})
	out := call(a, "add_item", `{"menu_item_id":"burger","quantity":2,"modifiers":["cheese"],"seat_index":1}`)
	require.Nil(t, out.Err)

	var res struct {
		Line struct {
			LineRef   string   `json:"line_ref"`
			Modifiers []string `json:"modifiers"`
			SeatIndex *int     `json:"seat_index"`
			LineTotal int64    `json:"line_total"`
		} `json:"line"`
		Cart struct {
			Lines []json.RawMessage `json:"lines"`
			Total int64             `json:"total"`
		} `json:"cart"`
	}
	decode(t, out.Response.Result, &res)
	assert.Equal(t, "line_1", res.Line.LineRef)
	assert.Equal(t, []string{"cheese"}, res.Line.Modifiers)
	require.NotNil(t, res.Line.SeatIndex)
	assert.Equal(t, 1, *res.Line.SeatIndex)
	assert.Equal(t, int64(2*(899+100)), res.Line.LineTotal)
	assert.Len(t, res.Cart.Lines, 1)
}

func TestSchemaViolationsAreInvalidArguments(t *testing.T) {
	a, draft := newAdapter(t, &recordingSubmitter{})
	cases := map[string]string{
		"missing quantity": `{"menu_item_id":"burger"}`,
		"string quantity":  `{"menu_item_id":"burger","quantity":"two"}`,
		"extra field":      `{"menu_item_id":"burger","quantity":1,"price":0}`,
		"not an object":    `[1,2]`,
		"not json":         `{"menu_item_id":`,
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			out := call(a, "add_item", args)
			require.NotNil(t, out.Err)
			assert.Equal(t, core.KindInvalidArguments, out.Err.Kind)
			assert.Nil(t, out.Fatal)
		})
	}
	assert.Equal(t, 0, draft.Len())
}

func TestEmptyArgumentsAcceptedForNoArgFunctions(t *testing.T) {
	a, _ := newAdapter(t, &recordingSubmitter{})
	out := a.Handle(context.Background(), Request{CallID: "c1", Name: "get_total"})
	require.Nil(t, out.Err)
	assert.False(t, out.Mutated)
}

func TestUnknownFunctionIsProtocolViolation(t *testing.T) {
	a, draft := newAdapter(t, &recordingSubmitter{})
	out := call(a, "apply_discount", `{"percent":50}`)
	require.Error(t, out.Fatal)
	assert.True(t, core.IsKind(out.Fatal, core.KindProtocolViolation))
	require.NotNil(t, out.Response.Error)
	assert.Equal(t, "protocol_violation", out.Response.Error.Code)
	assert.Equal(t, KindUnknown, out.Kind)
	assert.Equal(t, 0, draft.Len())
}

func TestRemoveItem_TwiceFailsSecondTime(t *testing.T) {
	a, draft := newAdapter(t, &recordingSubmitter{})
	call(a, "add_item", `{"menu_item_id":"burger","quantity":1}`)
	call(a, "add_item", `{"menu_item_id":"fries","quantity":1}`)

	out := call(a, "remove_item", `{"line_ref":"line_1"}`)
	require.Nil(t, out.Err)
	out = call(a, "remove_item", `{"line_ref":"line_1"}`)
	require.NotNil(t, out.Err)
	assert.Equal(t, core.KindLineNotFound, out.Err.Kind)

	items := draft.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "line_2", items[0].LineRef)
}

func TestModifyItem_AddAndRemove(t *testing.T) {
	a, draft := newAdapter(t, &recordingSubmitter{})
	call(a, "add_item", `{"menu_item_id":"burger","quantity":1}`)

	out := call(a, "modify_item", `{"line_ref":"line_1","add":["cheese"]}`)
	require.Nil(t, out.Err)
	line, _ := draft.Line("line_1")
	require.Len(t, line.Modifiers, 1)

	out = call(a, "modify_item", `{"line_ref":"line_1","add":["large"]}`)
	require.NotNil(t, out.Err)
	assert.Equal(t, core.KindInvalidModifier, out.Err.Kind)

	out = call(a, "modify_item", `{"line_ref":"line_9","remove":["cheese"]}`)
	require.NotNil(t, out.Err)
	assert.Equal(t, core.KindLineNotFound, out.Err.Kind)

	out = call(a, "modify_item", `{"line_ref":"line_1","remove":["cheese"]}`)
	require.Nil(t, out.Err)
	line, _ = draft.Line("line_1")
	assert.Empty(t, line.Modifiers)
}

func TestSetQuantity(t *testing.T) {
	a, draft := newAdapter(t, &recordingSubmitter{})
	call(a, "add_item", `{"menu_item_id":"fries","quantity":1}`)

	out := call(a, "set_quantity", `{"line_ref":"line_1","quantity":-1}`)
	require.NotNil(t, out.Err)
	assert.Equal(t, core.KindInvalidQuantity, out.Err.Kind)

	out = call(a, "set_quantity", `{"line_ref":"line_1","quantity":3}`)
	require.Nil(t, out.Err)
	line, _ := draft.Line("line_1")
	assert.Equal(t, 3, line.Quantity)

	out = call(a, "set_quantity", `{"line_ref":"line_1","quantity":0}`)
	require.Nil(t, out.Err)
	var res struct {
		Removed string `json:"removed"`
	}
	decode(t, out.Response.Result, &res)
	assert.Equal(t, "line_1", res.Removed)
	assert.Equal(t, 0, draft.Len())
}

func TestGetTotal_IsPure(t *testing.T) {
	a, draft := newAdapter(t, &recordingSubmitter{})
	call(a, "add_item", `{"menu_item_id":"burger","quantity":1}`)
	before := draft.Snapshot(time.Time{})

	out := call(a, "get_total", `{}`)
	require.Nil(t, out.Err)
	assert.False(t, out.Mutated)
	var res struct {
		Subtotal int64 `json:"subtotal"`
		Tax      int64 `json:"tax"`
		Total    int64 `json:"total"`
	}
	decode(t, out.Response.Result, &res)
	assert.Equal(t, int64(before.Totals.Total), res.Total)
	assert.Equal(t, before, draft.Snapshot(time.Time{}))
}

func TestConfirm_EmptyOrder(t *testing.T) {
	sub := &recordingSubmitter{}
	a, draft := newAdapter(t, sub)
	out := call(a, "confirm_order", `{}`)
	require.NotNil(t, out.Err)
	assert.Equal(t, core.KindEmptyOrder, out.Err.Kind)
	assert.False(t, draft.Frozen())
	assert.Empty(t, sub.calls)
}

func TestConfirm_SubmissionFailureIsRetryable(t *testing.T) {
	sub := &recordingSubmitter{err: errors.New("orders db unavailable")}
	a, draft := newAdapter(t, sub)
	call(a, "add_item", `{"menu_item_id":"burger","quantity":1}`)

	out := call(a, "confirm_order", `{}`)
	require.NotNil(t, out.Err)
	assert.Equal(t, core.KindSubmissionFailed, out.Err.Kind)
	require.NotNil(t, out.Response.Error)
	assert.True(t, out.Response.Error.Retryable)
	assert.False(t, draft.Frozen())
	assert.Equal(t, 1, draft.Len())

	sub.err = nil
	out = call(a, "confirm_order", `{}`)
	require.Nil(t, out.Err)
	assert.Equal(t, "ord_1", out.OrderID)
	assert.Len(t, sub.calls, 2)
}

func TestConfirm_SubmissionTimeout(t *testing.T) {
	slow := SubmitterFunc(func(ctx context.Context, sub Submission) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	draft, err := order.NewDraft("sess_1", testMenu(t), testPricing)
	require.NoError(t, err)
	a, err := New(draft, slow, Config{SubmitTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	call(a, "add_item", `{"menu_item_id":"burger","quantity":1}`)

	out := call(a, "confirm_order", `{}`)
	require.NotNil(t, out.Err)
	assert.Equal(t, core.KindSubmissionFailed, out.Err.Kind)
	assert.False(t, draft.Frozen())
}

func TestConfirm_FreezesAndRepeatIsIdempotent(t *testing.T) {
	sub := &recordingSubmitter{}
	a, _ := newAdapter(t, sub)
	call(a, "add_item", `{"menu_item_id":"burger","quantity":1}`)
	require.Nil(t, call(a, "confirm_order", `{}`).Err)

	out := call(a, "add_item", `{"menu_item_id":"fries","quantity":1}`)
	require.NotNil(t, out.Err)
	assert.Equal(t, core.KindOrderFrozen, out.Err.Kind)

	out = call(a, "confirm_order", `{}`)
	require.Nil(t, out.Err)
	assert.Equal(t, "ord_1", out.OrderID)
	assert.Len(t, sub.calls, 1)
}

func TestConfirm_ResumedSubmittedDraftIsNotResubmitted(t *testing.T) {
	first := &recordingSubmitter{id: "ord_7"}
	a, draft := newAdapter(t, first)
	call(a, "add_item", `{"menu_item_id":"burger","quantity":1}`)
	require.Nil(t, call(a, "confirm_order", `{}`).Err)
	snap := draft.Snapshot(time.Unix(1700000000, 0))

	resumed, err := order.NewDraft("sess_2", testMenu(t), testPricing)
	require.NoError(t, err)
	require.NoError(t, resumed.Restore(snap))
	second := &recordingSubmitter{id: "ord_8"}
	b, err := New(resumed, second, Config{SubmitTimeout: time.Second})
	require.NoError(t, err)

	out := call(b, "confirm_order", `{}`)
	require.Nil(t, out.Err)
	assert.Equal(t, "ord_7", out.OrderID)
	assert.False(t, out.Mutated)
	assert.Empty(t, second.calls)
	assert.Equal(t, "ord_7", b.ConfirmedOrderID())

	out = call(b, "set_quantity", `{"line_ref":"line_1","quantity":3}`)
	require.NotNil(t, out.Err)
	assert.Equal(t, core.KindOrderFrozen, out.Err.Kind)
}

func TestOutcomeMutatedFollowsKind(t *testing.T) {
	a, _ := newAdapter(t, &recordingSubmitter{})
	assert.True(t, call(a, "add_item", `{"menu_item_id":"burger","quantity":1}`).Mutated)
	assert.False(t, call(a, "get_total", `{}`).Mutated)
	assert.True(t, call(a, "confirm_order", `{}`).Mutated)
	assert.False(t, call(a, "confirm_order", `{}`).Mutated, "repeat confirm changes nothing")
}

func TestLogsCarrySessionIDOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})).With("session_id", "sess_1")
	draft, err := order.NewDraft("sess_1", testMenu(t), testPricing)
	require.NoError(t, err)
	sub := &recordingSubmitter{err: errors.New("db down")}
	a, err := New(draft, sub, Config{SubmitTimeout: time.Second, Logger: logger})
	require.NoError(t, err)

	call(a, "add_item", `{"menu_item_id":"nope","quantity":1}`)
	call(a, "add_item", `{"menu_item_id":"burger","quantity":1}`)
	call(a, "confirm_order", `{}`)
	sub.err = nil
	require.Nil(t, call(a, "confirm_order", `{}`).Err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.Equal(t, 1, strings.Count(line, `"session_id"`), line)
	}
}

func TestReject(t *testing.T) {
	resp := Reject(Request{CallID: "c9", Name: "add_item"}, core.New(core.KindInvalidPhase, "session is not accepting calls"))
	assert.Equal(t, protocol.TypeFunctionCallResponse, resp.Type)
	assert.Equal(t, "c9", resp.CallID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "invalid_phase", resp.Error.Code)
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds() {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("ADD_ITEM")
	assert.True(t, core.IsKind(err, core.KindProtocolViolation))
	assert.False(t, KindGetTotal.Mutates())
	assert.True(t, KindConfirmOrder.Mutates())
}
