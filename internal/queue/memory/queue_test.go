package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tarifwerk/tariff-crawler/internal/queue"
	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

func TestEnqueueDequeue(t *testing.T) {
	q := New(2)
	defer q.Close()

	ctx := context.Background()
	in := queue.Item{JobID: "job-1", Kind: tariff.KindCrawlOnly}
	require.NoError(t, q.Enqueue(ctx, in))

	out, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDequeueRespectsContext(t *testing.T) {
	q := New(1)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEnqueueBlocksWhenFull(t *testing.T) {
	q := New(1)
	defer q.Close()

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, queue.Item{JobID: "a", Kind: tariff.KindFull}))

	bounded, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(bounded, queue.Item{JobID: "b", Kind: tariff.KindFull})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDequeueAfterClose(t *testing.T) {
	q := New(1)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, err := q.Dequeue(context.Background())
	require.Error(t, err)
}
