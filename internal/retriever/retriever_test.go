package retriever

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"iam-advisor/internal/models"
)

type recordingRetriever struct {
	name string
	seen []string
}

func (r *recordingRetriever) Name() string { return r.name }

func (r *recordingRetriever) Run(_ context.Context, _ string, data Data) (Data, error) {
	for k := range data {
		r.seen = append(r.seen, k)
	}
	data[r.name] = true
	return data, nil
}

type failingRetriever struct{}

func (failingRetriever) Name() string { return "failing" }

func (failingRetriever) Run(context.Context, string, Data) (Data, error) {
	return nil, errors.New("boom")
}

func TestChainRunsInRegistrationOrder(t *testing.T) {
	var chain Chain
	var rs []*recordingRetriever
	for i := 0; i < 4; i++ {
		r := &recordingRetriever{name: fmt.Sprintf("r%d", i)}
		rs = append(rs, r)
		chain.Register(r)
	}

	data, err := chain.Run(context.Background(), "arn:aws:iam::123456789012:role/a")
	require.NoError(t, err)
	require.Equal(t, "arn:aws:iam::123456789012:role/a", data.ARN())

	for i, r := range rs {
		require.Contains(t, r.seen, ARNKey)
		for j := 0; j < i; j++ {
			require.Contains(t, r.seen, fmt.Sprintf("r%d", j), "r%d must see output of r%d", i, j)
		}
		require.NotContains(t, r.seen, r.name)
		require.Equal(t, true, data[r.name])
	}
}

func TestChainTagsFailures(t *testing.T) {
	var chain Chain
	first := &recordingRetriever{name: "first"}
	last := &recordingRetriever{name: "last"}
	chain.Register(first)
	chain.Register(failingRetriever{})
	chain.Register(last)

	_, err := chain.Run(context.Background(), "arn:x")
	require.Error(t, err)

	var tagged *Error
	require.ErrorAs(t, err, &tagged)
	require.Equal(t, "failing", tagged.Retriever)
	require.Equal(t, "arn:x", tagged.ARN)
	require.EqualError(t, tagged.Unwrap(), "boom")
	require.NotEmpty(t, first.seen)
	require.Empty(t, last.seen, "retrievers after a failure must not run")
}

func TestChainWithoutRetrievers(t *testing.T) {
	var chain Chain
	_, err := chain.Run(context.Background(), "arn:x")
	require.ErrorIs(t, err, ErrEmptyChain)
}

func TestChainStopsOnCancelledContext(t *testing.T) {
	var chain Chain
	chain.Register(&recordingRetriever{name: "r"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := chain.Run(ctx, "arn:x")
	require.ErrorIs(t, err, context.Canceled)
}

func TestServiceUsage(t *testing.T) {
	d := NewData("arn:x")
	_, ok := d.ServiceUsage()
	require.False(t, ok)

	d[ServiceUsageKey] = []models.ServiceAccessRecord{{ServiceNamespace: "s3"}}
	records, ok := d.ServiceUsage()
	require.True(t, ok)
	require.Len(t, records, 1)
}
