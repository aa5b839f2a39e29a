// Package replay records a diagnostic trace of one encounter session: the
// published events and the raw sensor frames that drove them.
package replay

import (
	"encoding/json"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"monsterhunt/arengine/internal/sensors"
)

const (
	eventsFile   = "events.jsonl.sz"
	framesFile   = "frames.bin.zst"
	manifestFile = "manifest.json"

	// ManifestVersion tracks the trace bundle layout.
	ManifestVersion = 1
)

// Manifest describes the trace bundle so tooling can locate artefacts.
type Manifest struct {
	Version         int      `json:"version"`
	SessionID       string   `json:"session_id"`
	MonsterID       string   `json:"monster_id"`
	Loadout         []string `json:"loadout"`
	CreatedAt       string   `json:"created_at"`
	ClosedAt        string   `json:"closed_at,omitempty"`
	FrameIntervalMs int      `json:"frame_interval_ms"`
	EventsPath      string   `json:"events_path"`
	FramesPath      string   `json:"frames_path"`
	EventCount      int      `json:"event_count"`
	FrameCount      int      `json:"frame_count"`
}

// Metadata identifies the session a writer records.
type Metadata struct {
	SessionID string
	MonsterID string
	Loadout   []string
}

// FrameKind names the sensor input captured in a frame.
type FrameKind string

const (
	FrameFix         FrameKind = "fix"
	FrameFixLost     FrameKind = "fix_lost"
	FrameOrientation FrameKind = "orientation"
	FramePermission  FrameKind = "permission"
	FrameWeapon      FrameKind = "select_weapon"
	FrameFire        FrameKind = "fire"
)

// Frame is one inbound sensor or command sample, encoded with msgpack on disk.
type Frame struct {
	Sequence    uint64                     `msgpack:"seq"`
	Kind        FrameKind                  `msgpack:"kind"`
	CapturedAt  time.Time                  `msgpack:"-"`
	Fix         *sensors.GeoSample         `msgpack:"fix,omitempty"`
	Orientation *sensors.OrientationSample `msgpack:"orientation,omitempty"`
	Detail      string                     `msgpack:"detail,omitempty"`
}

// EventRecord is one published envelope as stored in the event log.
type EventRecord struct {
	Sequence   uint64          `json:"seq"`
	Kind       string          `json:"kind"`
	SessionID  string          `json:"session_id"`
	CapturedAt time.Time       `json:"captured_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Struct decodes the payload back into a protobuf Struct.
func (r EventRecord) Struct() (*structpb.Struct, error) {
	msg := &structpb.Struct{}
	if len(r.Payload) == 0 {
		return msg, nil
	}
	if err := protojson.Unmarshal(r.Payload, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
