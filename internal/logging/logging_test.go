package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToInfoOnUnparseableLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New("not-a-level", FormatText, &buf)
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
}

func TestNewJSONFormatterEmitsValidJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(LevelDebug, FormatJSON, &buf)
	Component(l, "scheduler").Info("tick")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "scheduler", decoded["component"])
	assert.Equal(t, "tick", decoded["msg"])
}

func TestComponentScopesFieldOnWarnEntry(t *testing.T) {
	var buf bytes.Buffer
	l := New(LevelInfo, FormatJSON, &buf)
	entry := Component(l, "hashpipeline")
	entry.Warn("slow read")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "hashpipeline", decoded["component"])
	assert.Equal(t, "warning", decoded["level"])
}
