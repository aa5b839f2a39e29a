// Package bridge serves one encounter session per WebSocket connection. The
// browser pushes sensor samples and commands; the bridge answers with
// snapshots, fire outcomes and cosmetic animation frames.
package bridge

import (
	"encoding/json"

	"monsterhunt/arengine/internal/encounter"
	"monsterhunt/arengine/internal/physics"
)

// Inbound command types.
const (
	CommandPermission   = "permission"
	CommandFix          = "fix"
	CommandFixLost      = "fix_lost"
	CommandOrientation  = "orientation"
	CommandSelectWeapon = "select_weapon"
	CommandFire         = "fire"
	CommandLeave        = "leave"
)

// Outbound message types.
const (
	MessageSnapshot = "snapshot"
	MessageOutcome  = "outcome"
	MessageFrame    = "frame"
	MessageNotice   = "notice"
	MessageRelease  = "release"
)

// Notice codes.
const (
	NoticeBusy       = "busy"
	NoticeBadRequest = "bad_request"
	NoticeRejected   = "rejected"
)

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Envelope is every message written to the socket.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type permissionPayload struct {
	State string `json:"state"`
}

type weaponPayload struct {
	Item string `json:"item"`
}

// Notice reports a dropped or rejected command.
type Notice struct {
	Code    string `json:"code"`
	Command string `json:"command,omitempty"`
	Message string `json:"message"`
}

// OutcomePayload is a fire outcome plus its rejection reason.
type OutcomePayload struct {
	encounter.Outcome
	Rejection string `json:"rejection,omitempty"`
}

// FramePayload carries the monster's idle pose for one rendered frame.
type FramePayload struct {
	Frame   uint64       `json:"frame"`
	Monster physics.Pose `json:"monster"`
}

// ReleasePayload tells the client to stop a sensor subscription.
type ReleasePayload struct {
	Sensor string `json:"sensor"`
}
