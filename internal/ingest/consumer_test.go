package ingest

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"shantyman/pkg/eventbus"
	"shantyman/pkg/logging"
	"shantyman/pkg/protocol"
)

func newTestConsumer() (*Consumer, *eventbus.Bus) {
	logger := logging.NewLogger()
	logger.SetLevel(logging.ErrorLevel)
	bus := eventbus.New(logger)
	return &Consumer{bus: bus, logger: logger}, bus
}

func TestHandleRecordBridgesEvent(t *testing.T) {
	c, bus := newTestConsumer()

	var received atomic.Value
	_, err := bus.Subscribe(protocol.TopicArtifactGenerated, func(ctx context.Context, evt eventbus.Event) error {
		received.Store(evt.Payload)
		return nil
	})
	require.NoError(t, err)

	c.handleRecord(context.Background(), &kgo.Record{
		Topic: "music_events",
		Value: []byte(`{"topicId":"acme/repo","artifactParams":{"parameters":{"tempo":120,"duration":5}}}`),
	})

	event, ok := received.Load().(protocol.ArtifactEvent)
	require.True(t, ok, "expected a typed artifact event on the bus")
	assert.Equal(t, "acme/repo", event.TopicID)
	require.NotNil(t, event.Params.Parameters)
	assert.Equal(t, float64(120), event.Params.Parameters.Tempo)
}

func TestHandleRecordSkipsMalformed(t *testing.T) {
	c, bus := newTestConsumer()

	var calls int64
	_, err := bus.Subscribe(protocol.TopicArtifactGenerated, func(ctx context.Context, evt eventbus.Event) error {
		atomic.AddInt64(&calls, 1)
		return nil
	})
	require.NoError(t, err)

	c.handleRecord(context.Background(), &kgo.Record{Value: []byte(`{not json`)})
	c.handleRecord(context.Background(), &kgo.Record{Value: []byte(`{"artifactParams":{}}`)})

	assert.Equal(t, int64(0), atomic.LoadInt64(&calls))
}
