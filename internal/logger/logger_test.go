package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput() (*bytes.Buffer, func()) {
	buf := new(bytes.Buffer)

	mu.Lock()
	originalOutput := output
	originalColor := useColor
	output = buf
	useColor = false
	mu.Unlock()

	reconfigure()

	return buf, func() {
		mu.Lock()
		output = originalOutput
		useColor = originalColor
		mu.Unlock()
		reconfigure()
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Run("DebugLevelShowsAllMessages", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("DEBUG")
		Debug("acquired bundle")
		Info("forwarded bundle")

		out := buf.String()
		assert.Contains(t, out, "acquired bundle")
		assert.Contains(t, out, "forwarded bundle")
	})

	t.Run("WarnLevelHidesDebugAndInfo", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("WARN")
		Debug("acquired bundle")
		Info("forwarded bundle")
		Warn("custody timeout")

		out := buf.String()
		assert.NotContains(t, out, "acquired bundle")
		assert.NotContains(t, out, "forwarded bundle")
		assert.Contains(t, out, "custody timeout")
	})
}

func TestJSONFormat(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("DEBUG")
	SetFormat("json")
	defer SetFormat("text")

	Info("bundle enqueued", KeyBundleID, "ipn:1.1-1000-0", KeyOutduct, "tcp:eth0")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "bundle enqueued", entry["msg"])
	assert.Equal(t, "ipn:1.1-1000-0", entry[KeyBundleID])
	assert.Equal(t, "tcp:eth0", entry[KeyOutduct])
}

func TestContextFields(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("DEBUG")
	SetFormat("json")
	defer SetFormat("text")

	lc := NewLogContext("ipn:2.1-1000-0").WithOp("forward")
	ctx := WithContext(context.Background(), lc)

	InfoCtx(ctx, "dispatched to scheme forwarder")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ipn:2.1-1000-0", entry[KeyBundleID])
	assert.Equal(t, "forward", entry[KeyOp])
}
