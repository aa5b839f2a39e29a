package replay

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/encoding/protojson"

	"monsterhunt/arengine/internal/events"
)

var sessionIDCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

const frameInterval = 200 * time.Millisecond

// frameHeaderSize is seq(8) + captured unix nanos(8) + payload length(4).
const frameHeaderSize = 8 + 8 + 4

// ErrWriterClosed is returned when appending to a closed writer.
var ErrWriterClosed = errors.New("trace writer closed")

type frameBlob struct {
	Sequence   uint64
	CapturedAt time.Time
	Payload    []byte
}

// Writer streams one session trace to disk.
type Writer struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	manifest    Manifest
	eventFile   *os.File
	eventStream *snappy.Writer
	frameFile   *os.File
	frameStream *zstd.Encoder
	pending     []frameBlob
	lastFlush   time.Time
	frameSeq    uint64
	closed      bool
}

// NewWriter prepares <root>/<session>-<timestamp> and opens the compressed sinks.
func NewWriter(root string, meta Metadata, clock func() time.Time) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("trace root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := sessionIDCleaner.ReplaceAllString(meta.SessionID, "")
	if cleaned == "" {
		cleaned = "session"
	}
	created := clock().UTC()
	path := filepath.Join(root, fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z")))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	eventFile, err := os.Create(filepath.Join(path, eventsFile))
	if err != nil {
		return nil, Manifest{}, err
	}
	frameFile, err := os.Create(filepath.Join(path, framesFile))
	if err != nil {
		eventFile.Close()
		return nil, Manifest{}, err
	}
	frameStream, err := zstd.NewWriter(frameFile)
	if err != nil {
		eventFile.Close()
		frameFile.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:         ManifestVersion,
		SessionID:       meta.SessionID,
		MonsterID:       meta.MonsterID,
		Loadout:         append([]string(nil), meta.Loadout...),
		CreatedAt:       created.Format(time.RFC3339Nano),
		FrameIntervalMs: int(frameInterval / time.Millisecond),
		EventsPath:      eventsFile,
		FramesPath:      framesFile,
	}
	writer := &Writer{
		dir:         path,
		now:         clock,
		manifest:    manifest,
		eventFile:   eventFile,
		eventStream: snappy.NewBufferedWriter(eventFile),
		frameFile:   frameFile,
		frameStream: frameStream,
	}
	//1.- Write the manifest eagerly so a crashed session still leaves a readable bundle.
	if err := writer.writeManifestLocked(); err != nil {
		writer.frameStream.Close()
		writer.frameFile.Close()
		writer.eventStream.Close()
		writer.eventFile.Close()
		return nil, Manifest{}, err
	}
	return writer, manifest, nil
}

// Directory exposes the directory backing the trace bundle.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// AppendEvent writes one published envelope as a JSON line.
func (w *Writer) AppendEvent(env *events.Envelope) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	if env == nil {
		return fmt.Errorf("envelope required")
	}
	payload := []byte("{}")
	if env.Payload != nil {
		encoded, err := protojson.Marshal(env.Payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		payload = encoded
	}
	line, err := json.Marshal(EventRecord{
		Sequence:   env.Sequence,
		Kind:       string(env.Kind),
		SessionID:  env.SessionID,
		CapturedAt: w.now().UTC(),
		Payload:    payload,
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if _, err := w.eventStream.Write(append(line, '\n')); err != nil {
		return err
	}
	w.manifest.EventCount++
	return w.eventStream.Flush()
}

// AppendFrame stages a sensor frame; frames are persisted in batches every frameInterval.
func (w *Writer) AppendFrame(frame Frame) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	captured := w.now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	w.frameSeq++
	frame.Sequence = w.frameSeq
	payload, err := msgpack.Marshal(&frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	w.pending = append(w.pending, frameBlob{Sequence: frame.Sequence, CapturedAt: captured, Payload: payload})
	w.manifest.FrameCount++
	if w.lastFlush.IsZero() {
		w.lastFlush = captured
		return nil
	}
	if captured.Sub(w.lastFlush) >= frameInterval {
		if err := w.flushLocked(); err != nil {
			return err
		}
		w.lastFlush = captured
	}
	return nil
}

// Flush forces pending frames to be written regardless of cadence.
func (w *Writer) Flush() error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.lastFlush = w.now().UTC()
	return w.frameStream.Flush()
}

// Close flushes every buffer, finalises the manifest and releases file handles.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	//1.- Attempt every flush and close, surfacing the first failure.
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(w.flushLocked())
	keep(w.eventStream.Close())
	keep(w.eventFile.Close())
	keep(w.frameStream.Close())
	keep(w.frameFile.Close())
	w.manifest.ClosedAt = w.now().UTC().Format(time.RFC3339Nano)
	keep(w.writeManifestLocked())
	return firstErr
}

func (w *Writer) writeManifestLocked() error {
	data, err := json.MarshalIndent(w.manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.dir, manifestFile), data, 0o644)
}

// flushLocked writes buffered frames to the zstd stream; callers must hold the mutex.
func (w *Writer) flushLocked() error {
	if len(w.pending) == 0 {
		return nil
	}
	//1.- Length-prefixed frames let readers step without decoding payloads.
	header := make([]byte, frameHeaderSize)
	for _, frame := range w.pending {
		binary.LittleEndian.PutUint64(header[0:8], frame.Sequence)
		binary.LittleEndian.PutUint64(header[8:16], uint64(frame.CapturedAt.UnixNano()))
		binary.LittleEndian.PutUint32(header[16:20], uint32(len(frame.Payload)))
		if _, err := w.frameStream.Write(header); err != nil {
			return err
		}
		if _, err := w.frameStream.Write(frame.Payload); err != nil {
			return err
		}
	}
	w.pending = w.pending[:0]
	return nil
}
