package events

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"monsterhunt/arengine/internal/encounter"
)

// SnapshotStruct converts an encounter snapshot into a protobuf Struct.
func SnapshotStruct(snapshot encounter.Snapshot) (*structpb.Struct, error) {
	//1.- structpb only understands generic slices, so widen the loadout.
	loadout := make([]any, len(snapshot.Loadout))
	for i, id := range snapshot.Loadout {
		loadout[i] = id
	}
	return structpb.NewStruct(map[string]any{
		"session_id":       snapshot.SessionID,
		"version":          snapshot.Version,
		"monster_id":       snapshot.MonsterID,
		"monster_name":     snapshot.MonsterName,
		"hp":               snapshot.HP,
		"max_hp":           snapshot.MaxHP,
		"state":            string(snapshot.State),
		"weapon":           snapshot.Weapon,
		"loadout":          loadout,
		"message":          snapshot.Message,
		"offset":           map[string]any{"x": snapshot.Offset.X, "z": snapshot.Offset.Z},
		"offset_available": snapshot.OffsetAvailable,
		"position_stale":   snapshot.PositionStale,
		"closed":           snapshot.Closed,
		"updated_at":       snapshot.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// OutcomeStruct converts a fire outcome into a protobuf Struct.
func OutcomeStruct(sessionID string, outcome encounter.Outcome) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"session_id":   sessionID,
		"kind":         string(outcome.Kind),
		"weapon":       outcome.Weapon,
		"damage":       outcome.Damage,
		"remaining_hp": outcome.RemainingHP,
		"distance":     outcome.Distance,
		"message":      outcome.Message,
		"resolved":     outcome.Resolved,
		"rejection":    outcome.Rejection(),
	})
}

// Lifecycle phases published alongside snapshots.
const (
	PhaseOpened   = "opened"
	PhaseActive   = "active"
	PhaseResolved = "resolved"
	PhaseClosed   = "closed"
)

// LifecycleStruct describes a session lifecycle transition.
func LifecycleStruct(sessionID, phase, monsterID string) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"session_id": sessionID,
		"phase":      phase,
		"monster_id": monsterID,
	})
}
