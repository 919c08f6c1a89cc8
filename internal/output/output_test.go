package output_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowbroker/substream/internal/output"
	"github.com/flowbroker/substream/internal/partition"
)

func TestEncode_KeepAliveHasEmptyEventsArray(t *testing.T) {
	cursor := partition.Cursor{
		Key:         partition.Key{EventType: "orders", PartitionID: "0"},
		Offset:      10,
		CursorToken: "tok",
	}
	line, err := output.Encode(cursor, nil, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(line), "\n"))

	var batch output.WireBatch
	require.NoError(t, json.Unmarshal(line, &batch))
	assert.Equal(t, "orders", batch.Cursor.EventType)
	assert.Equal(t, "0", batch.Cursor.Partition)
	assert.EqualValues(t, 10, batch.Cursor.Offset)
	assert.Equal(t, "tok", batch.Cursor.CursorToken)
	assert.Empty(t, batch.Events)
}

func TestEncode_WithEventsAndInfo(t *testing.T) {
	cursor := partition.Cursor{Key: partition.Key{EventType: "orders", PartitionID: "0"}, Offset: 11}
	events := []json.RawMessage{json.RawMessage(`{"id":1}`), json.RawMessage(`{"id":2}`)}
	line, err := output.Encode(cursor, events, map[string]interface{}{"debug": "partition released: rebalance"})
	require.NoError(t, err)

	var batch output.WireBatch
	require.NoError(t, json.Unmarshal(line, &batch))
	assert.Len(t, batch.Events, 2)
	assert.Equal(t, "partition released: rebalance", batch.Info["debug"])
}

func TestHTTPWriter_AcceptsFlushingWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := output.NewHTTPWriter(rec)
	require.NoError(t, err)
	require.NotNil(t, w)
}

func TestHTTPWriter_StreamDataWrites(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := output.NewHTTPWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.OnInitialized("session-1"))
	assert.Equal(t, "session-1", rec.Header().Get("X-Session-Id"))
	assert.Equal(t, 200, rec.Code)

	require.NoError(t, w.StreamData([]byte("{}\n")))
	assert.Equal(t, "{}\n", rec.Body.String())
}

func TestHTTPWriter_OnExceptionWritesDiagnostic(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := output.NewHTTPWriter(rec)
	require.NoError(t, err)

	w.OnException(assert.AnError)
	assert.Contains(t, rec.Body.String(), "exception")
}
