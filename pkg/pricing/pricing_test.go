package pricing

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-order/pkg/order"
)

func TestComputeLineTotal_IncludesModifiers(t *testing.T) {
	e := Engine{TaxRateBasisPoints: 825}
	line := order.DraftItem{
		LineRef:   "line_1",
		Quantity:  2,
		UnitPrice: 349,
		Modifiers: []order.Modifier{{ID: "large", Price: 100}, {ID: "cheese", Price: 50}},
	}

	got, err := e.ComputeLineTotal(line)
	require.NoError(t, err)
	assert.Equal(t, order.Money(998), got)
}

func TestComputeOrderTotal_RoundsTaxHalfUp(t *testing.T) {
	e := Engine{TaxRateBasisPoints: 1000}
	// 1005 * 10% = 100.5 -> 101
	totals, err := e.ComputeOrderTotal([]order.DraftItem{{LineRef: "line_1", Quantity: 1, UnitPrice: 1005}})
	require.NoError(t, err)
	assert.Equal(t, order.Totals{Subtotal: 1005, Tax: 101, Total: 1106}, totals)

	// 1004 * 10% = 100.4 -> 100
	totals, err = e.ComputeOrderTotal([]order.DraftItem{{LineRef: "line_1", Quantity: 1, UnitPrice: 1004}})
	require.NoError(t, err)
	assert.Equal(t, order.Money(100), totals.Tax)
}

func TestComputeOrderTotal_Empty(t *testing.T) {
	totals, err := Engine{TaxRateBasisPoints: 825}.ComputeOrderTotal(nil)
	require.NoError(t, err)
	assert.Equal(t, order.Totals{}, totals)
}

func TestComputeLineTotal_RejectsNegativeAndOverflow(t *testing.T) {
	e := Engine{}
	_, err := e.ComputeLineTotal(order.DraftItem{LineRef: "line_1", Quantity: 1, UnitPrice: -1})
	require.Error(t, err)

	_, err = e.ComputeLineTotal(order.DraftItem{LineRef: "line_1", Quantity: 3, UnitPrice: math.MaxInt64 / 2})
	require.Error(t, err)
}

func TestNew_ValidatesRate(t *testing.T) {
	_, err := New(-1)
	require.Error(t, err)
	_, err = New(10001)
	require.Error(t, err)
	e, err := New(825)
	require.NoError(t, err)
	assert.Equal(t, int64(825), e.TaxRateBasisPoints)
}

func TestComputeOrderTotal_TotalIsSubtotalPlusTax(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("total == subtotal + tax and subtotal == sum(lines)", prop.ForAll(
		func(rate int64, prices []int64, qtys []int) bool {
			e := Engine{TaxRateBasisPoints: rate}
			items := make([]order.DraftItem, 0, len(prices))
			for i := 0; i < len(prices) && i < len(qtys); i++ {
				items = append(items, order.DraftItem{LineRef: "line", Quantity: qtys[i], UnitPrice: order.Money(prices[i])})
			}
			totals, err := e.ComputeOrderTotal(items)
			if err != nil {
				return false
			}
			var sum order.Money
			for _, it := range items {
				line, err := e.ComputeLineTotal(it)
				if err != nil {
					return false
				}
				sum += line
			}
			return totals.Subtotal == sum && totals.Total == totals.Subtotal+totals.Tax && totals.Tax >= 0
		},
		gen.Int64Range(0, 10000),
		gen.SliceOf(gen.Int64Range(0, 100000)),
		gen.SliceOf(gen.IntRange(1, 20)),
	))

	properties.TestingRun(t)
}
