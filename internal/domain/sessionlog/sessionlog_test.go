package sessionlog

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestAppendGroupsTriads(t *testing.T) {
	l := New()
	require.NoError(t, l.Append(1, KindThought, "t0"))
	require.NoError(t, l.Append(1, KindAction, "a0"))
	require.NoError(t, l.Append(1, KindScreenshot, "s0"))
	require.NoError(t, l.Append(1, KindThought, "t1"))

	entries := l.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, Entry{Task: 1, Step: 0, Thought: "t0", Action: "a0", Screenshot: "s0", Timestamp: entries[0].Timestamp}, entries[0])
	require.Equal(t, 1, entries[1].Step)
	require.Equal(t, "t1", entries[1].Thought)
}

func TestAppendNeverOverwrites(t *testing.T) {
	l := New()
	require.NoError(t, l.Append(1, KindThought, "first"))
	require.NoError(t, l.Append(1, KindThought, "second"))

	entries := l.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "first", entries[0].Thought)
	require.Equal(t, "second", entries[1].Thought)
	require.Equal(t, 1, entries[1].Step)
}

func TestAppendFillsMostRecentEntryEvenOutOfOrder(t *testing.T) {
	// A screenshot arriving before the next thought lands in the open entry.
	l := New()
	require.NoError(t, l.Append(1, KindAction, "a0"))
	require.NoError(t, l.Append(1, KindScreenshot, "s0"))
	require.NoError(t, l.Append(1, KindThought, "t-late"))

	entries := l.Entries()
	require.Len(t, entries, 1)
	require.True(t, entries[0].Complete())
}

func TestAppendKeepsTasksApart(t *testing.T) {
	l := New()
	require.NoError(t, l.Append(1, KindThought, "task1"))
	require.NoError(t, l.Append(2, KindThought, "task2"))
	require.NoError(t, l.Append(1, KindAction, "task1-action"))

	entries := l.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "task1-action", entries[0].Action)
	require.Equal(t, 0, entries[1].Step)
	require.Equal(t, 2, entries[1].Task)
}

func TestAppendRejectsUnknownKind(t *testing.T) {
	require.Error(t, New().Append(1, Kind("video"), "x"))
}

func TestClear(t *testing.T) {
	l := New()
	require.NoError(t, l.Append(1, KindThought, "x"))
	l.Clear()
	require.Zero(t, l.Len())
	require.NoError(t, l.Append(1, KindThought, "y"))
	require.Equal(t, 0, l.Entries()[0].Step)
}

func TestExportFormats(t *testing.T) {
	l := New()
	require.NoError(t, l.Append(3, KindThought, "hello"))

	var buf bytes.Buffer
	require.NoError(t, l.Export(&buf, FormatJSON))
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	require.Equal(t, "hello", decoded[0]["thought"])
	_, hasAction := decoded[0]["action"]
	require.False(t, hasAction)

	buf.Reset()
	require.NoError(t, l.Export(&buf, FormatYAML))
	var fromYAML []Entry
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &fromYAML))
	require.Equal(t, 3, fromYAML[0].Task)
	require.True(t, strings.Contains(buf.String(), "thought: hello"))

	require.Error(t, l.Export(&buf, Format("xml")))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(".yml")
	require.NoError(t, err)
	require.Equal(t, FormatYAML, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, f)

	_, err = ParseFormat("csv")
	require.Error(t, err)
}
