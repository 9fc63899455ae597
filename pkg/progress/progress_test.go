package progress

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyWritesProgressChunk(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	w.Notify("deployment_progress", "AllocatePort", "allocating a host port")

	var c Chunk
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &c))
	assert.Equal(t, ChunkTypeProgress, c.Type)
	assert.Equal(t, "deployment_progress", c.Kind)
	assert.Equal(t, "AllocatePort", c.Step)
	assert.Equal(t, "allocating a host port", c.Message)
}

func TestWriteResultWritesResultChunk(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	w.WriteResult(map[string]int{"port": 15000})

	var c Chunk
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &c))
	assert.Equal(t, ChunkTypeResult, c.Type)
	require.NotNil(t, c.Payload)
}

func TestWriteErrorWritesErrorChunk(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	w.WriteError("deployment failed")

	var c Chunk
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &c))
	assert.Equal(t, ChunkTypeError, c.Type)
	assert.Equal(t, "deployment failed", c.Message)
}

func TestWriterEmitsOneLinePerChunk(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	w.Notify("k", "s", "m1")
	w.Notify("k", "s", "m2")

	scanner := bufio.NewScanner(&buf)
	var lines int
	for scanner.Scan() {
		lines++
	}
	assert.Equal(t, 2, lines)
}
