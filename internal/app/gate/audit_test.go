package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/gatekeeper/internal/domain/events"
	domain "github.com/ahrav/gatekeeper/internal/domain/gate"
	"github.com/ahrav/gatekeeper/pkg/common/logger"
)

type mapRegistrar map[events.EventType]events.HandlerFunc

func (m mapRegistrar) RegisterHandler(_ context.Context, t events.EventType, h events.HandlerFunc) {
	m[t] = h
}

func newAudit(t *testing.T) (mapRegistrar, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	reg := mapRegistrar{}
	NewAuditLog(logger.New(&buf, logger.LevelDebug, "test", nil)).Register(context.Background(), reg)
	return reg, &buf
}

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &rec))
	return rec
}

func TestAuditLog_RegistersEveryGateEvent(t *testing.T) {
	reg, _ := newAudit(t)

	assert.Len(t, reg, 3)
	assert.Contains(t, reg, domain.EventTypeGateStateChanged)
	assert.Contains(t, reg, domain.EventTypeGateTriggerCompleted)
	assert.Contains(t, reg, domain.EventTypeGateReachabilityChecked)
}

func TestAuditLog_StateChanged(t *testing.T) {
	reg, buf := newAudit(t)

	evt := domain.ReconstructStateChangedEvent(time.Now(), domain.StateReady, domain.StateTriggering,
		domain.EventUserPressed, uuid.New())
	require.NoError(t, reg[domain.EventTypeGateStateChanged](context.Background(),
		events.EventEnvelope{Type: evt.EventType(), Payload: evt}))

	rec := lastRecord(t, buf)
	assert.Equal(t, "Gate state changed", rec["msg"])
	assert.Equal(t, "READY", rec["from"])
	assert.Equal(t, "TRIGGERING", rec["to"])
	assert.Equal(t, "USER_PRESSED", rec["cause"])
}

func TestAuditLog_TriggerCompleted(t *testing.T) {
	reg, buf := newAudit(t)
	handle := reg[domain.EventTypeGateTriggerCompleted]

	ok := domain.ReconstructTriggerCompletedEvent(time.Now(), uuid.New(), true, "udp://10.0.0.2:8050",
		300*time.Millisecond, 1, "")
	require.NoError(t, handle(context.Background(), events.EventEnvelope{Type: ok.EventType(), Payload: &ok}))
	rec := lastRecord(t, buf)
	assert.Equal(t, "Gate trigger completed", rec["msg"])
	assert.Equal(t, "udp://10.0.0.2:8050", rec["winner"])

	failed := domain.ReconstructTriggerCompletedEvent(time.Now(), uuid.New(), false, "",
		7*time.Second, 2, "all adapters failed")
	require.NoError(t, handle(context.Background(), events.EventEnvelope{Type: failed.EventType(), Payload: failed}))
	rec = lastRecord(t, buf)
	assert.Equal(t, "Gate trigger failed", rec["msg"])
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "all adapters failed", rec["error"])
}

func TestAuditLog_ReachabilityChecked(t *testing.T) {
	reg, buf := newAudit(t)

	evt := domain.ReconstructReachabilityCheckedEvent(time.Now(), true, []string{"udp://10.0.0.2:8050"}, nil)
	require.NoError(t, reg[domain.EventTypeGateReachabilityChecked](context.Background(),
		events.EventEnvelope{Type: evt.EventType(), Payload: evt}))

	rec := lastRecord(t, buf)
	assert.Equal(t, true, rec["any_reachable"])
}

func TestAuditLog_UnexpectedPayload(t *testing.T) {
	reg, _ := newAudit(t)

	err := reg[domain.EventTypeGateStateChanged](context.Background(),
		events.EventEnvelope{Type: domain.EventTypeGateStateChanged, Payload: "nope"})
	assert.ErrorContains(t, err, "unexpected payload string")
}
