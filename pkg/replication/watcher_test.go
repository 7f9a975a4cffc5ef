package replication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/dbsandbox/pkg/adminapi"
	"github.com/sandboxrunner/dbsandbox/pkg/adminapi/adminapitest"
	"github.com/sandboxrunner/dbsandbox/pkg/common"
)

var rootCreds = common.Credentials{User: "root", Password: "root"}

type sleepRecorder struct {
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(d time.Duration) {
	s.sleeps = append(s.sleeps, d)
}

// scriptedCluster reports the next status of replica on every Status call.
// An empty entry reports an error, "-" omits the replica.
type scriptedCluster struct {
	adminapi.Cluster
	replica  common.Endpoint
	statuses []string
	calls    int
}

func (c *scriptedCluster) Name() string { return "testCluster" }

func (c *scriptedCluster) Status(context.Context) (*adminapi.TopologyReport, error) {
	status := c.statuses[len(c.statuses)-1]
	if c.calls < len(c.statuses) {
		status = c.statuses[c.calls]
	}
	c.calls++

	if status == "" {
		return nil, errors.New("lost connection")
	}
	report := &adminapi.TopologyReport{ClusterName: "testCluster", Members: map[string]adminapi.MemberStatus{}}
	if status != "-" {
		addr := c.replica.String()
		report.Members[addr] = adminapi.MemberStatus{Address: addr, Status: status}
	}
	return report, nil
}

func newTestWatcher(host *adminapitest.Host) (*Watcher, *sleepRecorder) {
	rec := &sleepRecorder{}
	return NewWatcher(host, rootCreds, DefaultPollPolicy(), rec.sleep), rec
}

func TestWaitSuperReadOnlyDone(t *testing.T) {
	t.Run("clears after two ticks", func(t *testing.T) {
		host := adminapitest.NewHost()
		host.Put(3320, &adminapitest.Instance{State: adminapitest.Running, ReadOnly: true})
		host.ReadOnlyTicks[3320] = 2
		w, rec := newTestWatcher(host)

		assert.True(t, w.WaitSuperReadOnlyDone(context.Background(), common.LocalEndpoint(3320)))
		assert.Equal(t, 3, host.CountCalls("query", 3320))
		assert.Equal(t, []time.Duration{time.Second, time.Second}, rec.sleeps)
		assert.Zero(t, host.OpenSessions())
	})

	t.Run("already writable", func(t *testing.T) {
		host := adminapitest.NewHost()
		host.Put(3320, &adminapitest.Instance{State: adminapitest.Running})
		w, rec := newTestWatcher(host)

		assert.True(t, w.WaitSuperReadOnlyDone(context.Background(), common.LocalEndpoint(3320)))
		assert.Empty(t, rec.sleeps)
		assert.Zero(t, host.OpenSessions())
	})

	t.Run("times out after the tick budget", func(t *testing.T) {
		host := adminapitest.NewHost()
		host.Put(3320, &adminapitest.Instance{State: adminapitest.Running, ReadOnly: true})
		w, rec := newTestWatcher(host)

		assert.False(t, w.WaitSuperReadOnlyDone(context.Background(), common.LocalEndpoint(3320)))
		assert.Equal(t, 61, host.CountCalls("query", 3320))
		assert.Len(t, rec.sleeps, 60)
		assert.Zero(t, host.OpenSessions())
	})

	t.Run("unreachable instance", func(t *testing.T) {
		host := adminapitest.NewHost()
		w, rec := newTestWatcher(host)

		assert.False(t, w.WaitSuperReadOnlyDone(context.Background(), common.LocalEndpoint(3999)))
		assert.Empty(t, rec.sleeps)
		assert.Zero(t, host.OpenSessions())
	})
}

func TestWaitSlaveState(t *testing.T) {
	replica := common.LocalEndpoint(3330)

	tests := []struct {
		name      string
		statuses  []string
		states    []string
		want      bool
		wantCalls int
	}{
		{
			name:      "online on the first tick",
			statuses:  []string{adminapi.StatusOnline},
			states:    []string{adminapi.StatusOnline},
			want:      true,
			wantCalls: 1,
		},
		{
			name:      "recovering then online",
			statuses:  []string{adminapi.StatusRecovering, adminapi.StatusRecovering, adminapi.StatusOnline},
			states:    []string{adminapi.StatusOnline},
			want:      true,
			wantCalls: 3,
		},
		{
			name:      "any of several states",
			statuses:  []string{adminapi.StatusOnline, adminapi.StatusMissing},
			states:    []string{adminapi.StatusMissing, adminapi.StatusOffline},
			want:      true,
			wantCalls: 2,
		},
		{
			name:      "status errors and absent replica do not match",
			statuses:  []string{"", "-", adminapi.StatusOnline},
			states:    []string{adminapi.StatusOnline},
			want:      true,
			wantCalls: 3,
		},
		{
			name:      "never matches",
			statuses:  []string{adminapi.StatusRecovering},
			states:    []string{adminapi.StatusOnline},
			want:      false,
			wantCalls: 61,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &scriptedCluster{replica: replica, statuses: tt.statuses}
			w, rec := newTestWatcher(adminapitest.NewHost())

			got := w.WaitSlaveState(context.Background(), c, replica, tt.states...)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantCalls, c.calls)
			assert.Len(t, rec.sleeps, tt.wantCalls-1)
		})
	}
}

func TestWaitSlaveState_SimulatedCluster(t *testing.T) {
	host := adminapitest.NewHost()
	host.Put(3310, &adminapitest.Instance{State: adminapitest.Running, Cluster: "testCluster"})
	host.Put(3320, &adminapitest.Instance{State: adminapitest.Running})

	c, err := host.GetCluster(context.Background(), common.LocalEndpoint(3310), rootCreds)
	require.NoError(t, err)
	require.NoError(t, c.AddInstance(context.Background(), adminapi.AddInstanceOptions{Host: "localhost", Port: 3320}))

	w, rec := newTestWatcher(host)
	assert.True(t, w.WaitSlaveState(context.Background(), c, common.LocalEndpoint(3320), adminapi.StatusOnline))
	assert.Empty(t, rec.sleeps)
}
