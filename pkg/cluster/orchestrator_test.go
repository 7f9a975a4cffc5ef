package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/dbsandbox/pkg/adminapi"
	"github.com/sandboxrunner/dbsandbox/pkg/common"
	"github.com/sandboxrunner/dbsandbox/pkg/resilience"
)

type mockCluster struct {
	mock.Mock
}

func (m *mockCluster) Name() string { return "testCluster" }

func (m *mockCluster) AddInstance(ctx context.Context, opts adminapi.AddInstanceOptions) error {
	args := m.Called(ctx, opts)
	return args.Error(0)
}

func (m *mockCluster) RemoveInstance(ctx context.Context, ep common.Endpoint) error {
	args := m.Called(ctx, ep)
	return args.Error(0)
}

func (m *mockCluster) Describe(context.Context) (string, error) { return "{}", nil }

func (m *mockCluster) Status(context.Context) (*adminapi.TopologyReport, error) {
	return &adminapi.TopologyReport{ClusterName: "testCluster"}, nil
}

func (m *mockCluster) Dissolve(context.Context) error { return nil }

type sleepRecorder struct {
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(d time.Duration) {
	s.sleeps = append(s.sleeps, d)
}

func newTestOrchestrator() (*Orchestrator, *sleepRecorder) {
	rec := &sleepRecorder{}
	return NewOrchestrator(DefaultOptions(), DefaultAddInstancePolicy(), rec.sleep), rec
}

func TestOrchestrator_AddInstance_Success(t *testing.T) {
	o, rec := newTestOrchestrator()
	c := &mockCluster{}
	c.On("AddInstance", mock.Anything, mock.MatchedBy(func(opts adminapi.AddInstanceOptions) bool {
		return opts.Port == 3320 && opts.Label == "n2" && opts.DBUser == "root"
	})).Return(nil).Once()

	err := o.AddInstance(context.Background(), c, 3320, "n2")
	require.NoError(t, err)

	c.AssertExpectations(t)
	assert.Empty(t, rec.sleeps)
	assert.Empty(t, o.Options().Label)
	assert.Equal(t, 3320, o.Options().Port)
}

func TestOrchestrator_AddInstance_SucceedsOnRetry(t *testing.T) {
	o, rec := newTestOrchestrator()
	c := &mockCluster{}
	c.On("AddInstance", mock.Anything, mock.Anything).Return(errors.New("group replication not ready")).Once()
	c.On("AddInstance", mock.Anything, mock.Anything).Return(nil).Once()

	require.NoError(t, o.AddInstance(context.Background(), c, 3330, ""))
	c.AssertNumberOfCalls(t, "AddInstance", 2)
	assert.Equal(t, []time.Duration{5 * time.Second}, rec.sleeps)
}

func TestOrchestrator_AddInstance_Exhausted(t *testing.T) {
	o, rec := newTestOrchestrator()
	c := &mockCluster{}
	boom := errors.New("instance unreachable")
	c.On("AddInstance", mock.Anything, mock.Anything).Return(boom)

	err := o.AddInstance(context.Background(), c, 3320, "n1")
	require.Error(t, err)

	c.AssertNumberOfCalls(t, "AddInstance", 3)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, rec.sleeps)

	var addErr *AdditionError
	require.True(t, errors.As(err, &addErr))
	assert.Equal(t, 3, addErr.Attempts)
	assert.Equal(t, 3320, addErr.Options.Port)
	assert.Equal(t, "n1", addErr.Options.Label)
	assert.ErrorIs(t, err, resilience.ErrMaxAttemptsExceeded)
	assert.ErrorIs(t, err, boom)
	assert.NotContains(t, err.Error(), "root:root")

	assert.Empty(t, o.Options().Label, "label must not leak")
}

func TestOrchestrator_LabelDoesNotLeak(t *testing.T) {
	o, _ := newTestOrchestrator()
	c := &mockCluster{}
	c.On("AddInstance", mock.Anything, mock.MatchedBy(func(opts adminapi.AddInstanceOptions) bool {
		return opts.Label == "first"
	})).Return(nil).Once()
	c.On("AddInstance", mock.Anything, mock.MatchedBy(func(opts adminapi.AddInstanceOptions) bool {
		return opts.Label == ""
	})).Return(nil).Once()

	ctx := context.Background()
	require.NoError(t, o.AddInstance(ctx, c, 3320, "first"))
	require.NoError(t, o.AddInstance(ctx, c, 3330, ""))
	c.AssertExpectations(t)
}

func TestOrchestrator_NewDropsPerCallFields(t *testing.T) {
	base := DefaultOptions()
	base.Port = 9999
	base.Label = "stale"

	o := NewOrchestrator(base, DefaultAddInstancePolicy(), nil)
	assert.Zero(t, o.Options().Port)
	assert.Empty(t, o.Options().Label)
	assert.Equal(t, "mysql", o.Options().Scheme)
}

func TestOrchestrator_RemoveInstance(t *testing.T) {
	o, _ := newTestOrchestrator()
	c := &mockCluster{}
	c.On("RemoveInstance", mock.Anything, common.LocalEndpoint(3330)).Return(nil).Once()
	c.On("RemoveInstance", mock.Anything, common.LocalEndpoint(3320)).Return(errors.New("not a member")).Once()

	ctx := context.Background()
	require.NoError(t, o.RemoveInstance(ctx, c, 3330))

	err := o.RemoveInstance(ctx, c, 3320)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a member")
	c.AssertExpectations(t)
}
