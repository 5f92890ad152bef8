package realtime

import (
	"testing"

	v1 "easel/shared/contracts/realtime/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(typ, id string) v1.Envelope {
	return v1.Envelope{V: v1.Version, Type: typ, ID: id}
}

func envIDs(envs []v1.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.ID)
	}
	return out
}

func TestConn_EnqueueIsBounded(t *testing.T) {
	c := NewConn("c1", "", "", 2)

	assert.True(t, c.Enqueue(envOf(v1.TypeChatMessage, "1")))
	assert.True(t, c.Enqueue(envOf(v1.TypeChatMessage, "2")))
	assert.False(t, c.Enqueue(envOf(v1.TypeChatMessage, "3")))
	assert.Equal(t, 2, c.Pending())

	assert.Equal(t, []string{"1", "2"}, envIDs(c.Drain()))
	assert.True(t, c.Enqueue(envOf(v1.TypeChatMessage, "4")))
	assert.Equal(t, []string{"4"}, envIDs(c.Drain()))
	assert.Empty(t, c.Drain())
}

func TestConn_EnqueueBatchIgnoresLimitOnlyWhileNotFull(t *testing.T) {
	c := NewConn("c1", "", "", 2)

	batch := []v1.Envelope{envOf("a", "1"), envOf("b", "2"), envOf("c", "3")}
	require.True(t, c.EnqueueBatch(batch))
	assert.False(t, c.Enqueue(envOf("d", "4")))
	assert.False(t, c.EnqueueBatch([]v1.Envelope{envOf("e", "5")}))

	assert.Equal(t, []string{"1", "2", "3"}, envIDs(c.Drain()))
}

func TestConn_TransientSlotsCoalescePerOrigin(t *testing.T) {
	c := NewConn("c1", "", "", 8)

	c.SetTransient(transientCursor, "a", envOf(v1.TypeCursorMove, "a1"))
	c.SetTransient(transientCursor, "b", envOf(v1.TypeCursorMove, "b1"))
	c.SetTransient(transientCursor, "a", envOf(v1.TypeCursorMove, "a2"))
	c.SetTransient(transientTyping, "a", envOf(v1.TypeUserTyping, "a-typing"))
	require.True(t, c.Enqueue(envOf(v1.TypeChatMessage, "chat")))

	// Queue first, then transient slots in first-set order with their latest value.
	assert.Equal(t, []string{"chat", "a2", "b1", "a-typing"}, envIDs(c.Drain()))
}

func TestConn_DropTransientFrom(t *testing.T) {
	c := NewConn("c1", "", "", 8)

	c.SetTransient(transientCursor, "a", envOf(v1.TypeCursorMove, "a1"))
	c.SetTransient(transientTyping, "a", envOf(v1.TypeUserTyping, "a2"))
	c.SetTransient(transientCursor, "b", envOf(v1.TypeCursorMove, "b1"))

	c.DropTransientFrom("a")
	assert.Equal(t, []string{"b1"}, envIDs(c.Drain()))
}

func TestConn_WakeSignalsPendingWork(t *testing.T) {
	c := NewConn("c1", "", "", 8)

	select {
	case <-c.Wake():
		t.Fatal("unexpected wake before any event")
	default:
	}

	require.True(t, c.Enqueue(envOf("a", "1")))
	select {
	case <-c.Wake():
	default:
		t.Fatal("expected wake after enqueue")
	}
}

func TestConn_CloseIsIdempotentAndFirstReasonWins(t *testing.T) {
	c := NewConn("c1", "", "", 8)
	assert.False(t, c.Closed())
	assert.Equal(t, "", c.Reason())

	c.Close(ReasonSlowConsumer)
	c.Close(ReasonShutdown)

	assert.True(t, c.Closed())
	assert.Equal(t, ReasonSlowConsumer, c.Reason())
	assert.False(t, c.Enqueue(envOf("a", "1")))

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestConn_NilReceiver(t *testing.T) {
	var c *Conn
	assert.False(t, c.Enqueue(envOf("a", "1")))
	assert.Nil(t, c.Drain())
	assert.True(t, c.Closed())
	c.Close(ReasonClosed)
	c.DropTransientFrom("x")
}
