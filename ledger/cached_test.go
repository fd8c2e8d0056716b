package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/blnkfinance/payouts/internal/cache"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingReader struct {
	posted map[string]bool
	calls  map[string]int
}

func (c *countingReader) HasPostings(_ context.Context, transactionID string) (bool, error) {
	c.calls[transactionID]++
	return c.posted[transactionID], nil
}

func (c *countingReader) ListCashoutDebits(context.Context, time.Time, int) ([]Debit, error) {
	return []Debit{{TransactionID: "txn_1"}}, nil
}

func TestCachedReader_CachesOnlyPositiveAnswers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	inner := &countingReader{posted: map[string]bool{"txn_1": true}, calls: map[string]int{}}
	reader := NewCachedReader(inner, cache.NewCache(client), time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := reader.HasPostings(ctx, "txn_1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = reader.HasPostings(ctx, "txn_2")
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, 1, inner.calls["txn_1"])
	assert.Equal(t, 3, inner.calls["txn_2"])

	debits, err := reader.ListCashoutDebits(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Len(t, debits, 1)
}
