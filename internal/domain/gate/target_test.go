package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTargetList_OrdersLocalBeforeRemote(t *testing.T) {
	remote := Target{Name: "broker", Host: "broker.example.com", Port: 8883, Kind: TransportMQTT}
	localA := Target{Name: "gate-a", Host: "192.168.1.10", Port: 8080, Kind: TransportUDP}
	localB := Target{Name: "gate-b", Host: "192.168.1.11", Port: 8080, Kind: TransportUDP}

	l := NewTargetList([]Target{remote, localA, localB})

	require.Len(t, l, 3)
	assert.Equal(t, "gate-a", l[0].Name)
	assert.Equal(t, "gate-b", l[1].Name)
	assert.Equal(t, "broker", l[2].Name)
	for _, tgt := range l {
		assert.Equal(t, ReachabilityUnknown, tgt.Reachability)
	}
}

func TestNewTargetList_KeepsFileOrderWithinKind(t *testing.T) {
	l := NewTargetList([]Target{
		{Name: "cloud-b", Kind: TransportMQTT},
		{Name: "cloud-a", Kind: TransportMQTT},
		{Name: "lan", Kind: TransportUDP},
	})

	names := make([]string, len(l))
	for i, tgt := range l {
		names[i] = tgt.Name
	}
	assert.Equal(t, []string{"lan", "cloud-b", "cloud-a"}, names)
}

func TestTargetList_WithReachabilityDoesNotMutate(t *testing.T) {
	local := Target{Host: "10.0.0.2", Port: 8080, Kind: TransportUDP}
	remote := Target{Host: "broker", Port: 1883, Kind: TransportMQTT}
	l := NewTargetList([]Target{local, remote})
	now := time.Now()

	updated := l.WithReachability([]PingResult{
		{Target: local, Reachable: true, Timestamp: now},
		{Target: remote, Reachable: false, Timestamp: now},
	})

	assert.Equal(t, ReachabilityUnknown, l[0].Reachability)
	assert.Equal(t, ReachabilityReachable, updated[0].Reachability)
	assert.Equal(t, ReachabilityUnreachable, updated[1].Reachability)
	assert.True(t, updated.AnyReachable())
	assert.False(t, l.AnyReachable())
}

func TestTargetList_Stale(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tgt := Target{Host: "10.0.0.2", Port: 8080, Kind: TransportUDP}

	l := NewTargetList([]Target{tgt})
	assert.True(t, l.Stale(now, time.Minute), "unknown reachability is stale")

	fresh := l.WithReachability([]PingResult{{Target: tgt, Reachable: true, Timestamp: now.Add(-30 * time.Second)}})
	assert.False(t, fresh.Stale(now, time.Minute))

	old := l.WithReachability([]PingResult{{Target: tgt, Reachable: true, Timestamp: now.Add(-2 * time.Minute)}})
	assert.True(t, old.Stale(now, time.Minute))
}

func TestTarget_KeyChangesWithConnectionSettings(t *testing.T) {
	base := Target{Name: "broker", Host: "broker", Port: 1883, Kind: TransportMQTT}

	renamed := base
	renamed.Name = "primary"
	assert.Equal(t, base.Key(), renamed.Key(), "name does not affect connection identity")

	secured := base
	secured.Secure = true
	assert.NotEqual(t, base.Key(), secured.Key())

	moved := base
	moved.Port = 8883
	assert.NotEqual(t, base.Key(), moved.Key())
}

func TestAnyReachable(t *testing.T) {
	assert.False(t, AnyReachable(nil))
	assert.False(t, AnyReachable([]PingResult{{Reachable: false}, {Reachable: false}}))
	assert.True(t, AnyReachable([]PingResult{{Reachable: false}, {Reachable: true}}))
}
