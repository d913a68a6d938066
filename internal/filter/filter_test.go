package filter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rzbill/xs/internal/eventlog"
	"github.com/rzbill/xs/pkg/id"
)

func frame(topic string, meta map[string]interface{}) eventlog.Frame {
	return eventlog.Frame{ID: id.FromMs(1000), Topic: topic, Meta: eventlog.MetaOf(meta)}
}

func TestEmptyMatchesAll(t *testing.T) {
	f, err := Compile("  ")
	require.NoError(t, err)
	require.False(t, f.Enabled())
	require.True(t, f.Match(frame("anything", nil)))
}

func TestTopicAndMeta(t *testing.T) {
	f, err := Compile(`topic.startsWith("chat.") && meta.user == "ann"`)
	require.NoError(t, err)
	require.True(t, f.Match(frame("chat.msg", map[string]interface{}{"user": "ann"})))
	require.False(t, f.Match(frame("chat.msg", map[string]interface{}{"user": "bob"})))
	require.False(t, f.Match(frame("mail", map[string]interface{}{"user": "ann"})))
}

func TestMissingMetaKeyDoesNotMatch(t *testing.T) {
	f, err := Compile(`meta.user == "ann"`)
	require.NoError(t, err)
	require.False(t, f.Match(frame("x", nil)))
}

func TestTimestampVariable(t *testing.T) {
	f, err := Compile(`ts_ms >= 1000 && ts_ms < now_ms`)
	require.NoError(t, err)
	require.True(t, f.Match(frame("x", nil)))
}

func TestCompileErrors(t *testing.T) {
	_, err := Compile(`topic ==`)
	require.Error(t, err)
	_, err = Compile(`unknown_var == 1`)
	require.Error(t, err)
	_, err = Compile(`ts_ms + 1`)
	var te *TypeError
	require.ErrorAs(t, err, &te)
}
