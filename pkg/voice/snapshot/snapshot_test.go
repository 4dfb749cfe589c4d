package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-order/pkg/order"
)

func sampleSnapshot() order.Snapshot {
	seat := 2
	return order.Snapshot{
		SessionID: "sess_1",
		Items: []order.DraftItem{{
			LineRef: "line_1", MenuItemID: "burger", Name: "Burger", Quantity: 2, UnitPrice: 899,
			Modifiers: []order.Modifier{{ID: "cheese", Name: "Cheese", Price: 100}}, SeatIndex: &seat,
		}},
		Notes:    "no onions",
		Totals:   order.Totals{Subtotal: 1998, Tax: 165, Total: 2163},
		NextLine: 2,
		TakenAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestMemory_SaveLoadDelete(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx := context.Background()

	_, err := m.Load(ctx, "sess_1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Save(ctx, sampleSnapshot()))
	got, err := m.Load(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, sampleSnapshot(), got)

	require.NoError(t, m.Delete(ctx, "sess_1"))
	_, err = m.Load(ctx, "sess_1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_Expires(t *testing.T) {
	m := NewMemory(time.Minute)
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }
	require.NoError(t, m.Save(context.Background(), sampleSnapshot()))

	now = now.Add(61 * time.Second)
	_, err := m.Load(context.Background(), "sess_1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_RequiresSessionID(t *testing.T) {
	assert.Error(t, NewMemory(0).Save(context.Background(), order.Snapshot{}))
}

type fakeRedis struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	err    error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	switch v := value.(type) {
	case []byte:
		f.values[key] = string(v)
	case string:
		f.values[key] = v
	}
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.values[k]; ok {
			n++
		}
		delete(f.values, k)
	}
	return redis.NewIntResult(n, nil)
}

func TestRedis_RoundTripWithTTLAndPrefix(t *testing.T) {
	fake := newFakeRedis()
	store := NewRedis(fake, "test:", 5*time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleSnapshot()))
	assert.Contains(t, fake.values, "test:sess_1")
	assert.Equal(t, 5*time.Minute, fake.ttls["test:sess_1"])

	got, err := store.Load(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, sampleSnapshot(), got)

	require.NoError(t, store.Delete(ctx, "sess_1"))
	_, err = store.Load(ctx, "sess_1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedis_Defaults(t *testing.T) {
	fake := newFakeRedis()
	store := NewRedis(fake, "", 0)
	require.NoError(t, store.Save(context.Background(), sampleSnapshot()))
	assert.Equal(t, DefaultTTL, fake.ttls["vai-order:snapshot:sess_1"])
}

func TestRedis_ErrorsWrapped(t *testing.T) {
	boom := errors.New("connection refused")
	fake := newFakeRedis()
	fake.err = boom
	store := NewRedis(fake, "", 0)

	err := store.Save(context.Background(), sampleSnapshot())
	assert.ErrorIs(t, err, boom)
	_, err = store.Load(context.Background(), "sess_1")
	assert.ErrorIs(t, err, boom)
}

func TestRedis_CorruptPayload(t *testing.T) {
	fake := newFakeRedis()
	fake.values["vai-order:snapshot:sess_1"] = "{not json"
	_, err := NewRedis(fake, "", 0).Load(context.Background(), "sess_1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
