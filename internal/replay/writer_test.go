package replay

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/types/known/structpb"

	"monsterhunt/arengine/internal/events"
	"monsterhunt/arengine/internal/sensors"
)

type stepClock struct {
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	current := c.now
	c.now = c.now.Add(c.step)
	return current
}

func TestWriterRoundTrip(t *testing.T) {
	root := t.TempDir()
	clock := &stepClock{now: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC), step: 50 * time.Millisecond}
	writer, manifest, err := NewWriter(root, Metadata{SessionID: "sess/01", MonsterID: "ghost", Loadout: []string{"salt"}}, clock.Now)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(writer.Directory()), "sess01-20260304T100000Z") {
		t.Fatalf("unexpected directory %s", writer.Directory())
	}
	if manifest.SessionID != "sess/01" || manifest.MonsterID != "ghost" || len(manifest.Loadout) != 1 {
		t.Fatalf("unexpected manifest %+v", manifest)
	}

	//1.- Interleave frames and events the way a live session would.
	if err := writer.AppendFrame(Frame{Kind: FramePermission, Detail: "granted"}); err != nil {
		t.Fatalf("append permission: %v", err)
	}
	if err := writer.AppendFrame(Frame{Kind: FrameFix, Fix: &sensors.GeoSample{Latitude: 38.95, Longitude: -95.23, Accuracy: 5}}); err != nil {
		t.Fatalf("append fix: %v", err)
	}
	if err := writer.AppendFrame(Frame{Kind: FrameOrientation, Orientation: &sensors.OrientationSample{Sequence: 1, Beta: 90}}); err != nil {
		t.Fatalf("append orientation: %v", err)
	}
	payload, err := structpb.NewStruct(map[string]any{"hp": 80, "message": "Hit! -20 HP"})
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if err := writer.AppendEvent(&events.Envelope{Sequence: 7, Kind: events.KindOutcome, SessionID: "sess/01", Payload: payload}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := writer.AppendFrame(Frame{Kind: FrameFire}); err != nil {
		t.Fatalf("append fire: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := writer.AppendFrame(Frame{Kind: FrameFire}); !errors.Is(err, ErrWriterClosed) {
		t.Fatalf("expected ErrWriterClosed, got %v", err)
	}

	//2.- Load the bundle back and verify both streams survived compression.
	trace, err := Load(writer.Directory())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if trace.Manifest.EventCount != 1 || trace.Manifest.FrameCount != 4 || trace.Manifest.ClosedAt == "" {
		t.Fatalf("unexpected final manifest %+v", trace.Manifest)
	}
	if len(trace.Frames) != 4 {
		t.Fatalf("expected 4 frames, got %d", len(trace.Frames))
	}
	for i, frame := range trace.Frames {
		if frame.Sequence != uint64(i+1) {
			t.Fatalf("frame %d has sequence %d", i, frame.Sequence)
		}
	}
	if trace.Frames[1].Fix == nil || trace.Frames[1].Fix.Latitude != 38.95 {
		t.Fatalf("fix frame lost its sample: %+v", trace.Frames[1])
	}
	if trace.Frames[2].Orientation == nil || trace.Frames[2].Orientation.Beta != 90 {
		t.Fatalf("orientation frame lost its sample: %+v", trace.Frames[2])
	}
	if len(trace.Events) != 1 || trace.Events[0].Sequence != 7 {
		t.Fatalf("unexpected events %+v", trace.Events)
	}
	decoded, err := trace.Events[0].Struct()
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.Fields["hp"].GetNumberValue() != 80 || decoded.Fields["message"].GetStringValue() != "Hit! -20 HP" {
		t.Fatalf("unexpected payload %v", decoded)
	}

	//3.- The timeline places the outcome between the orientation and fire frames.
	timeline := trace.Timeline()
	if len(timeline) != 5 {
		t.Fatalf("expected 5 timeline entries, got %d", len(timeline))
	}
	if timeline[3].Event == nil || timeline[4].Frame == nil || timeline[4].Frame.Kind != FrameFire {
		t.Fatalf("unexpected timeline order %+v", timeline)
	}
}

func TestWriterBatchesFramesUntilInterval(t *testing.T) {
	root := t.TempDir()
	clock := &stepClock{now: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC), step: 10 * time.Millisecond}
	writer, _, err := NewWriter(root, Metadata{SessionID: "batch", MonsterID: "demon"}, clock.Now)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer writer.Close()

	for i := 0; i < 3; i++ {
		if err := writer.AppendFrame(Frame{Kind: FrameFire}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	writer.mu.Lock()
	pending := len(writer.pending)
	writer.mu.Unlock()
	if pending != 3 {
		t.Fatalf("expected frames to stay buffered inside the interval, got %d pending", pending)
	}
	if err := writer.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	writer.mu.Lock()
	pending = len(writer.pending)
	writer.mu.Unlock()
	if pending != 0 {
		t.Fatalf("expected flush to drain pending frames, got %d", pending)
	}
}

func TestLoadRejectsMissingAndTruncatedBundles(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty directory")
	}
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error for missing manifest")
	}

	root := t.TempDir()
	writer, _, err := NewWriter(root, Metadata{SessionID: "cut", MonsterID: "ghost"}, nil)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := writer.AppendFrame(Frame{Kind: FrameFire}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	//1.- Swap in a frame stream that ends mid-header.
	truncated := filepath.Join(writer.Directory(), framesFile)
	if err := rewriteZstd(truncated, []byte{1, 2, 3}); err != nil {
		t.Fatalf("rewrite frames: %v", err)
	}
	if _, err := Load(writer.Directory()); !errors.Is(err, ErrCorruptTrace) {
		t.Fatalf("expected ErrCorruptTrace, got %v", err)
	}
}

func TestReplayStopsOnCallbackError(t *testing.T) {
	trace := &Trace{Frames: []Frame{{Sequence: 1}, {Sequence: 2}}}
	stop := errors.New("stop")
	seen := 0
	err := trace.Replay(func(TimelineEntry) error {
		seen++
		return stop
	})
	if !errors.Is(err, stop) || seen != 1 {
		t.Fatalf("expected replay to stop after first entry, seen=%d err=%v", seen, err)
	}
	if err := trace.Replay(nil); err == nil {
		t.Fatal("expected error for nil callback")
	}
}

func rewriteZstd(path string, body []byte) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	encoder, err := newTestEncoder(file)
	if err != nil {
		return err
	}
	if _, err := encoder.Write(body); err != nil {
		return err
	}
	return encoder.Close()
}

func newTestEncoder(file *os.File) (*zstd.Encoder, error) {
	return zstd.NewWriter(file)
}
