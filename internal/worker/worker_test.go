package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"iam-advisor/internal/directory"
	"iam-advisor/internal/mocks"
	"iam-advisor/internal/models"
	"iam-advisor/internal/retriever"
	"iam-advisor/internal/worker"
)

// usageRetriever reports one service for every identity except those in
// fail, and counts how often it saw each identity.
type usageRetriever struct {
	fail map[string]bool

	mu    sync.Mutex
	calls map[string]int
}

func (u *usageRetriever) Name() string { return "usage" }

func (u *usageRetriever) Run(_ context.Context, arn string, data retriever.Data) (retriever.Data, error) {
	u.mu.Lock()
	if u.calls == nil {
		u.calls = make(map[string]int)
	}
	u.calls[arn]++
	u.mu.Unlock()

	if u.fail[arn] {
		return nil, errors.New("remote fault")
	}
	data[retriever.ServiceUsageKey] = []models.ServiceAccessRecord{{ServiceName: "AWS Lambda", ServiceNamespace: "lambda"}}
	return data, nil
}

func (u *usageRetriever) Calls() map[string]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]int, len(u.calls))
	for k, v := range u.calls {
		out[k] = v
	}
	return out
}

// blockingRetriever waits for its context, like a poll that never completes.
type blockingRetriever struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingRetriever) Name() string { return "blocking" }

func (b *blockingRetriever) Run(ctx context.Context, _ string, _ retriever.Data) (retriever.Data, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

type panickingRetriever struct{}

func (panickingRetriever) Name() string { return "panicking" }

func (panickingRetriever) Run(context.Context, string, retriever.Data) (retriever.Data, error) {
	panic("boom")
}

type eventLog struct {
	mu     sync.Mutex
	events []models.RunEvent
}

func (l *eventLog) observe(ev models.RunEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(typ string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (l *eventLog) last() models.RunEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

func TestRunWithARNsSkipsDiscovery(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockAccountResolver(ctrl)
	enumerator := mocks.NewMockIdentityEnumerator(ctrl)
	sink := mocks.NewMockSink(ctrl)
	sink.EXPECT().Store(gomock.Any(), "X", gomock.Any()).Return(nil).Times(1)
	sink.EXPECT().Store(gomock.Any(), "Y", gomock.Any()).Return(nil).Times(1)

	usage := &usageRetriever{}
	r := worker.New(worker.Config{Workers: 3}, resolver, enumerator, sink)
	r.RegisterRetriever(usage)

	require.NoError(t, r.Run(context.Background(), nil, []string{"X", "Y"}))
	require.Equal(t, map[string]int{"X": 1, "Y": 1}, usage.Calls())
	require.Empty(t, r.FailedARNs())
	require.Equal(t, models.RunStats{ARNs: 2, Retrieved: 2, Stored: 2}, r.Stats())
}

func TestRunIsolatesFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctrl := gomock.NewController(t)
	sink := mocks.NewMockSink(ctrl)
	sink.EXPECT().Store(gomock.Any(), "Y", gomock.Any()).Return(nil).Times(1)

	reg := prometheus.NewRegistry()
	metrics := worker.NewMetrics(reg)
	events := &eventLog{}

	r := worker.New(worker.Config{Workers: 2}, nil, nil, sink,
		worker.WithMetrics(metrics),
		worker.WithObserver(events.observe))
	r.RegisterRetriever(&usageRetriever{fail: map[string]bool{"X": true}})

	require.NoError(t, r.Run(context.Background(), nil, []string{"X", "Y"}))
	require.Equal(t, []string{"X"}, r.FailedARNs())

	require.InDelta(t, 1, testutil.ToFloat64(metrics.ARNs.WithLabelValues("failed")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(metrics.ARNs.WithLabelValues("retrieved")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(metrics.Stores.WithLabelValues("stored")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(metrics.Runs.WithLabelValues("finished")), 0)

	require.Equal(t, 1, events.count(models.EventRunStarted))
	require.Equal(t, 1, events.count(models.EventARNFailed))
	require.Equal(t, 1, events.count(models.EventResultStored))
	last := events.last()
	require.Equal(t, models.EventRunFinished, last.Type)
	require.Equal(t, int64(1), last.Stats.Failed)
	require.NotEmpty(t, last.RunID)
}

func TestRunResolvesNamedAccounts(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockAccountResolver(ctrl)
	enumerator := mocks.NewMockIdentityEnumerator(ctrl)
	sink := mocks.NewMockSink(ctrl)

	resolver.EXPECT().Named(gomock.Any(), []string{"prod", "222222222222"}).
		Return([]string{"111111111111", "222222222222"}, nil)
	for _, account := range []string{"111111111111", "222222222222"} {
		enumerator.EXPECT().Enumerate(gomock.Any(), account, gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, emit func(string)) error {
				emit("arn:aws:iam::" + account + ":role/a")
				emit("arn:aws:iam::" + account + ":user/b")
				return nil
			})
	}
	sink.EXPECT().Store(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(4)

	events := &eventLog{}
	usage := &usageRetriever{}
	r := worker.New(worker.Config{Workers: 2}, resolver, enumerator, sink, worker.WithObserver(events.observe))
	r.RegisterRetriever(usage)

	require.NoError(t, r.Run(context.Background(), []string{"prod", "222222222222"}, nil))
	require.Len(t, usage.Calls(), 4)
	require.Equal(t, 2, events.count(models.EventAccountListed))
	require.Equal(t, models.RunStats{Accounts: 2, ARNs: 4, Retrieved: 4, Stored: 4}, r.Stats())
}

func TestRunAllAccounts(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockAccountResolver(ctrl)
	enumerator := mocks.NewMockIdentityEnumerator(ctrl)
	sink := mocks.NewMockSink(ctrl)

	resolver.EXPECT().All(gomock.Any()).Return([]string{"111111111111"}, nil)
	enumerator.EXPECT().Enumerate(gomock.Any(), "111111111111", gomock.Any()).Return(nil)

	r := worker.New(worker.Config{Workers: 1}, resolver, enumerator, sink)
	r.RegisterRetriever(&usageRetriever{})

	require.NoError(t, r.Run(context.Background(), nil, nil))
}

func TestRunResolveFailureIsFatal(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockAccountResolver(ctrl)
	resolver.EXPECT().Named(gomock.Any(), []string{"stage"}).Return(nil, directory.ErrUnavailable)

	r := worker.New(worker.Config{Workers: 2}, resolver, mocks.NewMockIdentityEnumerator(ctrl), mocks.NewMockSink(ctrl))
	r.RegisterRetriever(&usageRetriever{})

	err := r.Run(context.Background(), []string{"stage"}, nil)
	require.ErrorIs(t, err, directory.ErrUnavailable)
	require.NotErrorIs(t, err, worker.ErrCancelled)
}

func TestRunEnumerationFailureIsFatal(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockAccountResolver(ctrl)
	enumerator := mocks.NewMockIdentityEnumerator(ctrl)
	resolver.EXPECT().All(gomock.Any()).Return([]string{"111111111111"}, nil)
	enumerator.EXPECT().Enumerate(gomock.Any(), "111111111111", gomock.Any()).Return(errors.New("access denied"))

	r := worker.New(worker.Config{Workers: 2}, resolver, enumerator, mocks.NewMockSink(ctrl))
	r.RegisterRetriever(&usageRetriever{})

	err := r.Run(context.Background(), nil, nil)
	require.ErrorContains(t, err, "enumerate account 111111111111")
	require.ErrorContains(t, err, "access denied")
}

func TestRunStoreFailureIsRecorded(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctrl := gomock.NewController(t)
	sink := mocks.NewMockSink(ctrl)
	sink.EXPECT().Store(gomock.Any(), "X", gomock.Any()).Return(errors.New("database is locked"))
	sink.EXPECT().Store(gomock.Any(), "Y", gomock.Any()).Return(nil)

	r := worker.New(worker.Config{Workers: 2}, nil, nil, sink)
	r.RegisterRetriever(&usageRetriever{})

	require.NoError(t, r.Run(context.Background(), nil, []string{"X", "Y"}))
	require.Equal(t, []string{"X"}, r.FailedARNs())
	require.Equal(t, int64(1), r.Stats().Stored)
}

func TestRunDoesNotStoreWithoutUsage(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctrl := gomock.NewController(t)
	r := worker.New(worker.Config{Workers: 2}, nil, nil, mocks.NewMockSink(ctrl))
	r.RegisterRetriever(retrieverFunc(func(_ context.Context, _ string, data retriever.Data) (retriever.Data, error) {
		return data, nil
	}))

	require.NoError(t, r.Run(context.Background(), nil, []string{"X"}))
	require.Empty(t, r.FailedARNs())
}

func TestRunRecoversRetrieverPanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctrl := gomock.NewController(t)
	r := worker.New(worker.Config{Workers: 1}, nil, nil, mocks.NewMockSink(ctrl))
	r.RegisterRetriever(panickingRetriever{})

	require.NoError(t, r.Run(context.Background(), nil, []string{"X", "Y"}))
	require.ElementsMatch(t, []string{"X", "Y"}, r.FailedARNs())
}

func TestRunCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctrl := gomock.NewController(t)
	blocking := &blockingRetriever{started: make(chan struct{})}
	r := worker.New(worker.Config{Workers: 2}, nil, nil, mocks.NewMockSink(ctrl))
	r.RegisterRetriever(blocking)

	go func() {
		<-blocking.started
		r.Cancel()
	}()

	err := r.Run(context.Background(), nil, []string{"X", "Y", "Z"})
	require.ErrorIs(t, err, worker.ErrCancelled)
	require.Empty(t, r.FailedARNs())

	r.Cancel()
}

func TestRunParentContextCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctrl := gomock.NewController(t)
	r := worker.New(worker.Config{Workers: 2}, nil, nil, mocks.NewMockSink(ctrl))
	r.RegisterRetriever(&blockingRetriever{started: make(chan struct{})})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, r.Run(ctx, nil, []string{"X"}), worker.ErrCancelled)
}

func TestRunDrainThenCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctrl := gomock.NewController(t)
	sink := mocks.NewMockSink(ctrl)
	sink.EXPECT().Store(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(3)

	r := worker.New(worker.Config{Workers: 4}, nil, nil, sink)
	r.RegisterRetriever(&usageRetriever{})

	require.NoError(t, r.Run(context.Background(), nil, []string{"A", "B", "C"}))

	// nothing runs anymore, so both calls are no-ops
	r.Cancel()
	r.Cancel()

	// the runner can be used again with fresh state
	sink.EXPECT().Store(gomock.Any(), "D", gomock.Any()).Return(nil)
	require.NoError(t, r.Run(context.Background(), nil, []string{"D"}))
	require.Equal(t, int64(1), r.Stats().Stored)
}

func TestRunWithoutRetrievers(t *testing.T) {
	r := worker.New(worker.Config{}, nil, nil, nil)
	require.ErrorIs(t, r.Run(context.Background(), nil, []string{"X"}), worker.ErrNoRetrievers)
}

type retrieverFunc func(ctx context.Context, arn string, data retriever.Data) (retriever.Data, error)

func (f retrieverFunc) Name() string { return "func" }

func (f retrieverFunc) Run(ctx context.Context, arn string, data retriever.Data) (retriever.Data, error) {
	return f(ctx, arn, data)
}
