// Package traceplayer re-drives recorded encounter traces through a fresh
// session and reports where the replay diverges from what was published.
package traceplayer

import (
	"fmt"
	"time"

	"monsterhunt/arengine/internal/catalog"
	"monsterhunt/arengine/internal/encounter"
	"monsterhunt/arengine/internal/events"
	"monsterhunt/arengine/internal/logging"
	"monsterhunt/arengine/internal/replay"
	"monsterhunt/arengine/internal/sensors"
)

// Report summarises a replayed trace.
type Report struct {
	Manifest   replay.Manifest     `json:"manifest"`
	Frames     int                 `json:"frames"`
	Events     int                 `json:"events"`
	Outcomes   []encounter.Outcome `json:"outcomes"`
	Final      encounter.Snapshot  `json:"final"`
	Skipped    int                 `json:"skipped"`
	Mismatches []string            `json:"mismatches,omitempty"`
}

// Consistent reports whether every replayed outcome matched its recording.
func (r Report) Consistent() bool {
	return len(r.Mismatches) == 0
}

type inertTimer struct{}

func (inertTimer) Stop() bool { return true }

// Replay loads the trace in dir and feeds its frames to a new session.
func Replay(dir string) (Report, error) {
	trace, err := replay.Load(dir)
	if err != nil {
		return Report{}, err
	}
	return ReplayTrace(trace)
}

// ReplayTrace feeds an already loaded trace to a new session.
func ReplayTrace(trace *replay.Trace) (Report, error) {
	if trace == nil {
		return Report{}, fmt.Errorf("trace required")
	}
	monster, err := catalog.MonsterByID(trace.Manifest.MonsterID)
	if err != nil {
		return Report{}, err
	}
	loadout := make([]catalog.Item, 0, len(trace.Manifest.Loadout))
	for _, id := range trace.Manifest.Loadout {
		item, err := catalog.ItemByID(id)
		if err != nil {
			return Report{}, err
		}
		loadout = append(loadout, item)
	}

	//1.- Messages never expire during a replay so snapshots stay comparable.
	session, err := encounter.NewSession(monster, loadout,
		encounter.WithSessionID(trace.Manifest.SessionID),
		encounter.WithTimerFunc(func(time.Duration, func()) encounter.Timer { return inertTimer{} }),
		encounter.WithLogger(logging.NewTestLogger()),
	)
	if err != nil {
		return Report{}, err
	}
	defer session.Teardown()

	report := Report{Manifest: trace.Manifest, Frames: len(trace.Frames), Events: len(trace.Events)}
	for _, frame := range trace.Frames {
		outcome, fired, ok := apply(session, frame)
		if !ok {
			report.Skipped++
			continue
		}
		if fired {
			report.Outcomes = append(report.Outcomes, outcome)
		}
	}
	report.Final = session.Snapshot()

	//2.- Compare replayed outcomes with the recorded ones in publish order.
	recorded := make([]replay.EventRecord, 0, len(report.Outcomes))
	for _, record := range trace.Events {
		if record.Kind == string(events.KindOutcome) {
			recorded = append(recorded, record)
		}
	}
	report.Mismatches = compareOutcomes(report.Outcomes, recorded)
	return report, nil
}

func apply(session *encounter.Session, frame replay.Frame) (encounter.Outcome, bool, bool) {
	switch frame.Kind {
	case replay.FramePermission:
		permission, err := sensors.ParsePermission(frame.Detail)
		if err != nil {
			return encounter.Outcome{}, false, false
		}
		switch permission {
		case sensors.PermissionGranted:
			return encounter.Outcome{}, false, session.GrantSensors() == nil
		case sensors.PermissionDenied:
			session.DenySensors()
			return encounter.Outcome{}, false, true
		}
		return encounter.Outcome{}, false, true
	case replay.FrameFix:
		if frame.Fix == nil {
			return encounter.Outcome{}, false, false
		}
		_, err := session.ObserveFix(frame.Fix.Fix())
		return encounter.Outcome{}, false, err == nil
	case replay.FrameFixLost:
		session.SignalLost()
		return encounter.Outcome{}, false, true
	case replay.FrameOrientation:
		if frame.Orientation == nil {
			return encounter.Outcome{}, false, false
		}
		q, err := frame.Orientation.Quaternion()
		if err != nil {
			return encounter.Outcome{}, false, false
		}
		session.ObserveOrientation(q)
		return encounter.Outcome{}, false, true
	case replay.FrameWeapon:
		return encounter.Outcome{}, false, session.SelectWeapon(frame.Detail) == nil
	case replay.FrameFire:
		return session.Trigger(), true, true
	}
	return encounter.Outcome{}, false, false
}

func compareOutcomes(replayed []encounter.Outcome, recorded []replay.EventRecord) []string {
	var mismatches []string
	if len(replayed) != len(recorded) {
		mismatches = append(mismatches, fmt.Sprintf("replayed %d outcomes, recorded %d", len(replayed), len(recorded)))
	}
	for i := 0; i < len(replayed) && i < len(recorded); i++ {
		payload, err := recorded[i].Struct()
		if err != nil {
			mismatches = append(mismatches, fmt.Sprintf("outcome %d: %v", i+1, err))
			continue
		}
		kind := payload.GetFields()["kind"].GetStringValue()
		hp := int(payload.GetFields()["remaining_hp"].GetNumberValue())
		if kind != string(replayed[i].Kind) || hp != replayed[i].RemainingHP {
			mismatches = append(mismatches, fmt.Sprintf("outcome %d: recorded %s/%d replayed %s/%d",
				i+1, kind, hp, replayed[i].Kind, replayed[i].RemainingHP))
		}
	}
	return mismatches
}
