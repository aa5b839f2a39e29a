package replay

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// maxEventLine bounds a single JSON line in the event log.
const maxEventLine = 4 << 20

// ErrCorruptTrace reports a truncated or malformed frame stream.
var ErrCorruptTrace = errors.New("corrupt trace")

// Trace is a fully loaded encounter trace bundle.
type Trace struct {
	Dir      string
	Manifest Manifest
	Events   []EventRecord
	Frames   []Frame
}

// TimelineEntry is one event or frame ordered by capture time.
type TimelineEntry struct {
	CapturedAt time.Time
	Event      *EventRecord
	Frame      *Frame
}

// Load reads manifest, events and frames from a trace directory.
func Load(dir string) (*Trace, error) {
	if dir == "" {
		return nil, fmt.Errorf("trace directory must be provided")
	}
	raw, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	trace := &Trace{Dir: dir}
	if err := json.Unmarshal(raw, &trace.Manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if trace.Manifest.Version != ManifestVersion {
		return nil, fmt.Errorf("unsupported trace version %d", trace.Manifest.Version)
	}

	eventsPath := trace.Manifest.EventsPath
	if eventsPath == "" {
		eventsPath = eventsFile
	}
	if trace.Events, err = loadEvents(filepath.Join(dir, eventsPath)); err != nil {
		return nil, err
	}
	framesPath := trace.Manifest.FramesPath
	if framesPath == "" {
		framesPath = framesFile
	}
	if trace.Frames, err = loadFrames(filepath.Join(dir, framesPath)); err != nil {
		return nil, err
	}
	return trace, nil
}

func loadEvents(path string) ([]EventRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 64*1024), maxEventLine)
	var records []EventRecord
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record EventRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", len(records)+1, err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	//1.- Keep publish order even if the log was appended out of order.
	sort.SliceStable(records, func(i, j int) bool { return records[i].Sequence < records[j].Sequence })
	return records, nil
}

func loadFrames(path string) ([]Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	var frames []Frame
	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(decoder, header); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: frame header: %v", ErrCorruptTrace, err)
		}
		seq := binary.LittleEndian.Uint64(header[0:8])
		captured := int64(binary.LittleEndian.Uint64(header[8:16]))
		size := binary.LittleEndian.Uint32(header[16:20])
		payload := make([]byte, size)
		if _, err := io.ReadFull(decoder, payload); err != nil {
			return nil, fmt.Errorf("%w: frame %d payload: %v", ErrCorruptTrace, seq, err)
		}
		var frame Frame
		if err := msgpack.Unmarshal(payload, &frame); err != nil {
			return nil, fmt.Errorf("%w: frame %d: %v", ErrCorruptTrace, seq, err)
		}
		frame.Sequence = seq
		frame.CapturedAt = time.Unix(0, captured).UTC()
		frames = append(frames, frame)
	}
	return frames, nil
}

// Timeline merges events and frames by capture time; frames sort first on ties
// because an event is always published in response to an input.
func (t *Trace) Timeline() []TimelineEntry {
	if t == nil {
		return nil
	}
	entries := make([]TimelineEntry, 0, len(t.Events)+len(t.Frames))
	for i := range t.Frames {
		entries = append(entries, TimelineEntry{CapturedAt: t.Frames[i].CapturedAt, Frame: &t.Frames[i]})
	}
	for i := range t.Events {
		entries = append(entries, TimelineEntry{CapturedAt: t.Events[i].CapturedAt, Event: &t.Events[i]})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CapturedAt.Before(entries[j].CapturedAt)
	})
	return entries
}

// Replay walks the timeline, stopping at the first callback error.
func (t *Trace) Replay(apply func(TimelineEntry) error) error {
	if apply == nil {
		return fmt.Errorf("replay callback required")
	}
	for _, entry := range t.Timeline() {
		if err := apply(entry); err != nil {
			return err
		}
	}
	return nil
}
