package natsevents

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wf "github.com/archmesh/archmesh/internal/domain/workflow"
	"github.com/archmesh/archmesh/internal/infrastructure/persistence/natskv"
)

func TestPublisher_OnTransition(t *testing.T) {
	embedded, err := natskv.RunEmbedded(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(embedded.Close)

	pub := NewPublisher(embedded.Conn, "", nil)

	msgs := make(chan *nats.Msg, 4)
	sub, err := embedded.Conn.ChanSubscribe(pub.AllSubjects(), msgs)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, embedded.Conn.Flush())

	session, err := wf.NewSession("shop", "doc-1", time.Now())
	require.NoError(t, err)
	session.Version = 3

	pub.OnTransition(session, wf.Transition{From: wf.StageDocumentAnalysis, To: wf.StageRequirementsReview})
	require.NoError(t, embedded.Conn.Flush())

	select {
	case msg := <-msgs:
		assert.Equal(t, "archmesh.sessions."+session.ID+".transition", msg.Subject)

		var event TransitionEvent
		require.NoError(t, json.Unmarshal(msg.Data, &event))
		assert.Equal(t, session.ID, event.SessionID)
		assert.Equal(t, "shop", event.ProjectID)
		assert.Equal(t, "document_analysis", event.From)
		assert.Equal(t, "requirements_review", event.To)
		assert.False(t, event.Execute)
		assert.Equal(t, int64(3), event.Version)
	case <-time.After(5 * time.Second):
		t.Fatal("no transition event received")
	}
}

func TestPublisher_ClosedConnectionDoesNotPanic(t *testing.T) {
	embedded, err := natskv.RunEmbedded(t.TempDir())
	require.NoError(t, err)
	embedded.Close()

	pub := NewPublisher(embedded.Conn, "custom", nil)
	session, err := wf.NewSession("shop", "doc-1", time.Now())
	require.NoError(t, err)

	pub.OnTransition(session, wf.Transition{To: wf.StageStarting, Execute: true})
	assert.Equal(t, "custom.x.transition", pub.Subject("x"))
}
