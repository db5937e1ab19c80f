package protocol

import (
	"encoding/json"
	"fmt"
)

// Every frame on the coordination socket is one JSON object carrying a
// type discriminator. The set of kinds is closed: both Marshal and
// Unmarshal switch exhaustively so a new kind is a compile-time change,
// not a silently unrouted frame.
type Type string

const (
	// client -> server
	TypeRegister             Type = "register"
	TypeNowPlaying           Type = "now-playing"
	TypeCommand              Type = "command"
	TypeTransfer             Type = "transfer"
	TypeQueueAdd             Type = "queue-add"
	TypeQueueRemove          Type = "queue-remove"
	TypeQueueClear           Type = "queue-clear"
	TypeQueueSnapshotRequest Type = "queue-snapshot-request"

	// server -> client
	TypePresence      Type = "presence"
	TypeDevices       Type = "devices"
	TypeQueueSnapshot Type = "queue-snapshot"
)

type PresenceEvent string

const (
	PresenceJoined  PresenceEvent = "joined"
	PresenceLeft    PresenceEvent = "left"
	PresenceUpdated PresenceEvent = "updated"
)

type Message interface {
	MessageType() Type
}

// DeviceInfo is the static identity a device announces when registering.
// The id is generated once per install and survives reconnects.
type DeviceInfo struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	DisplayName string `json:"displayName"`
}

// NowPlaying is a device's current playback snapshot. Season and episode
// are zero for movies.
type NowPlaying struct {
	TitleID         string `json:"titleId"`
	MediaType       string `json:"mediaType"`
	Season          int    `json:"season,omitempty"`
	Episode         int    `json:"episode,omitempty"`
	PositionSeconds int    `json:"positionSeconds"`
	DurationSeconds int    `json:"durationSeconds"`
	IsPaused        bool   `json:"isPaused"`
}

// DeviceState is a registry entry as broadcast by the coordinator:
// identity plus the last reported playback snapshot, if any.
type DeviceState struct {
	DeviceInfo
	NowPlaying      *NowPlaying `json:"nowPlaying,omitempty"`
	LastSeenEpochMs int64       `json:"lastSeenEpochMs"`
}

type QueueItem struct {
	ID        string   `json:"id"`
	URL       string   `json:"url"`
	Title     string   `json:"title"`
	MediaType string   `json:"mediaType"`
	Season    int      `json:"season,omitempty"`
	Episode   int      `json:"episode,omitempty"`
	Subtitles []string `json:"subtitles,omitempty"`
	AddedBy   string   `json:"addedBy"`
}

// TransferPayload describes the item a target device should start
// playing, replacing whatever it was doing.
type TransferPayload struct {
	URL             string   `json:"url"`
	Title           string   `json:"title"`
	MediaType       string   `json:"mediaType"`
	Season          int      `json:"season,omitempty"`
	Episode         int      `json:"episode,omitempty"`
	Subtitles       []string `json:"subtitles,omitempty"`
	PositionSeconds int      `json:"positionSeconds,omitempty"`
}

type Register struct {
	Device DeviceInfo `json:"device"`
}

// NowPlayingReport clears the device's playback state when State is nil.
type NowPlayingReport struct {
	State *NowPlaying `json:"state"`
}

type Command struct {
	Target  string          `json:"target"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// Source is stamped by the coordinator on relay so the target knows
	// which device is controlling it.
	Source string `json:"source,omitempty"`
}

type Transfer struct {
	Target   string          `json:"target"`
	Playback TransferPayload `json:"playback"`
	Source   string          `json:"source,omitempty"`
}

type QueueAdd struct {
	Item QueueItem `json:"item"`
}

type QueueRemove struct {
	ItemID string `json:"itemId"`
}

type QueueClear struct{}

type QueueSnapshotRequest struct{}

type Presence struct {
	Event  PresenceEvent `json:"event"`
	Device DeviceState   `json:"device"`
}

// Devices is the full registry snapshot sent to a freshly joined device.
type Devices struct {
	Devices []DeviceState `json:"devices"`
}

type QueueSnapshot struct {
	Items []QueueItem `json:"items"`
}

func (Register) MessageType() Type             { return TypeRegister }
func (NowPlayingReport) MessageType() Type     { return TypeNowPlaying }
func (Command) MessageType() Type              { return TypeCommand }
func (Transfer) MessageType() Type             { return TypeTransfer }
func (QueueAdd) MessageType() Type             { return TypeQueueAdd }
func (QueueRemove) MessageType() Type          { return TypeQueueRemove }
func (QueueClear) MessageType() Type           { return TypeQueueClear }
func (QueueSnapshotRequest) MessageType() Type { return TypeQueueSnapshotRequest }
func (Presence) MessageType() Type             { return TypePresence }
func (Devices) MessageType() Type              { return TypeDevices }
func (QueueSnapshot) MessageType() Type        { return TypeQueueSnapshot }

// Marshal wraps a message in the flat envelope, splicing the type
// discriminator alongside the message's own fields.
func Marshal(m Message) ([]byte, error) {
	type envelope struct {
		Type Type `json:"type"`
	}
	switch v := m.(type) {
	case Register:
		return json.Marshal(struct {
			envelope
			Register
		}{envelope{TypeRegister}, v})
	case NowPlayingReport:
		return json.Marshal(struct {
			envelope
			NowPlayingReport
		}{envelope{TypeNowPlaying}, v})
	case Command:
		return json.Marshal(struct {
			envelope
			Command
		}{envelope{TypeCommand}, v})
	case Transfer:
		return json.Marshal(struct {
			envelope
			Transfer
		}{envelope{TypeTransfer}, v})
	case QueueAdd:
		return json.Marshal(struct {
			envelope
			QueueAdd
		}{envelope{TypeQueueAdd}, v})
	case QueueRemove:
		return json.Marshal(struct {
			envelope
			QueueRemove
		}{envelope{TypeQueueRemove}, v})
	case QueueClear:
		return json.Marshal(struct {
			envelope
			QueueClear
		}{envelope{TypeQueueClear}, v})
	case QueueSnapshotRequest:
		return json.Marshal(struct {
			envelope
			QueueSnapshotRequest
		}{envelope{TypeQueueSnapshotRequest}, v})
	case Presence:
		return json.Marshal(struct {
			envelope
			Presence
		}{envelope{TypePresence}, v})
	case Devices:
		return json.Marshal(struct {
			envelope
			Devices
		}{envelope{TypeDevices}, v})
	case QueueSnapshot:
		return json.Marshal(struct {
			envelope
			QueueSnapshot
		}{envelope{TypeQueueSnapshot}, v})
	default:
		return nil, fmt.Errorf("unknown message %T", m)
	}
}

// Unmarshal decodes one frame. An unknown discriminator or a frame that
// is not a JSON object is an error; callers on the hot path drop such
// frames rather than surfacing them.
func Unmarshal(data []byte) (Message, error) {
	var probe struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("unparseable frame: %w", err)
	}
	switch probe.Type {
	case TypeRegister:
		return decode[Register](data)
	case TypeNowPlaying:
		return decode[NowPlayingReport](data)
	case TypeCommand:
		return decode[Command](data)
	case TypeTransfer:
		return decode[Transfer](data)
	case TypeQueueAdd:
		return decode[QueueAdd](data)
	case TypeQueueRemove:
		return decode[QueueRemove](data)
	case TypeQueueClear:
		return decode[QueueClear](data)
	case TypeQueueSnapshotRequest:
		return decode[QueueSnapshotRequest](data)
	case TypePresence:
		return decode[Presence](data)
	case TypeDevices:
		return decode[Devices](data)
	case TypeQueueSnapshot:
		return decode[QueueSnapshot](data)
	default:
		return nil, fmt.Errorf("unknown message type %q", probe.Type)
	}
}

func decode[T Message](data []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed %s frame: %w", m.MessageType(), err)
	}
	return m, nil
}
