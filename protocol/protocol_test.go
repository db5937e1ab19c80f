package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_FlatEnvelope(t *testing.T) {
	data, err := Marshal(Command{Target: "device-abc", Action: "seek", Payload: json.RawMessage(`{"seconds":120}`)})
	require.NoError(t, err)

	// The discriminator sits alongside the message fields, not nested
	// under a data key
	var obj map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &obj))
	assert.JSONEq(t, `"command"`, string(obj["type"]))
	assert.JSONEq(t, `"device-abc"`, string(obj["target"]))
	assert.JSONEq(t, `"seek"`, string(obj["action"]))
}

func TestUnmarshal_RoundTrip(t *testing.T) {
	sent := Transfer{
		Target: "tv-lounge",
		Playback: TransferPayload{
			URL:             "https://example.com/stream.mkv",
			Title:           "Some Show",
			MediaType:       "episode",
			Season:          2,
			Episode:         5,
			Subtitles:       []string{"https://example.com/en.srt"},
			PositionSeconds: 90,
		},
	}
	data, err := Marshal(sent)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, sent, got)
}

func TestUnmarshal_ClearedNowPlaying(t *testing.T) {
	got, err := Unmarshal([]byte(`{"type":"now-playing","state":null}`))
	require.NoError(t, err)

	report, ok := got.(NowPlayingReport)
	require.True(t, ok)
	assert.Nil(t, report.State)
}

func TestUnmarshal_UnknownType(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"self-destruct"}`))
	assert.Error(t, err)
}

func TestUnmarshal_CorruptFrame(t *testing.T) {
	for _, frame := range []string{"", "not json", `{"type":`, `{"type":"command","target":5}`} {
		_, err := Unmarshal([]byte(frame))
		assert.Error(t, err, frame)
	}
}
