package plugin

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tachyon-beep/elspeth/internal/engine/canon"
	"github.com/tachyon-beep/elspeth/internal/engine/sink"
	"github.com/tachyon-beep/elspeth/internal/engine/token"
	"github.com/tachyon-beep/elspeth/internal/orchestrator"
)

// registerBuiltins wires up the reference plugins: one trivial transform,
// two trivial sinks, and one in-memory source, so the engine is runnable
// end-to-end in tests and examples without any external plugin package.
func registerBuiltins(r *Registry) {
	r.Register("passthrough", newPassthroughTransform)
	r.Register("stdout", newStdoutSink)
	r.Register("jsonfile", newJSONFileSink)
	r.Register("inmemory", newInMemorySource)
}

// passthroughTransform returns its input row unchanged. It exists so a
// pipeline spec can be exercised end-to-end without writing a real
// transform plugin.
type passthroughTransform struct{}

func newPassthroughTransform(_ map[string]any) (any, error) {
	return &passthroughTransform{}, nil
}

func (t *passthroughTransform) Name() string { return "passthrough" }

func (t *passthroughTransform) Process(_ context.Context, row token.RowData) (token.RowData, error) {
	return row, nil
}

// stdoutSink writes each row as a canonical-JSON line to an io.Writer
// (os.Stdout by default; options["writer"] may override it for tests).
type stdoutSink struct {
	mu sync.Mutex
	w  io.Writer
}

func newStdoutSink(options map[string]any) (any, error) {
	w, ok := options["writer"].(io.Writer)
	if !ok {
		w = os.Stdout
	}

	return &stdoutSink{w: w}, nil
}

func (s *stdoutSink) Name() string { return "stdout" }

func (s *stdoutSink) Write(_ context.Context, rows []token.RowData) (sink.ArtifactDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var size int64

	for _, row := range rows {
		encoded, err := canon.Encode(row)
		if err != nil {
			return sink.ArtifactDescriptor{}, fmt.Errorf("plugin: stdout sink: %w", err)
		}

		if _, err := s.w.Write(append(encoded, '\n')); err != nil {
			return sink.ArtifactDescriptor{}, fmt.Errorf("plugin: stdout sink: write: %w", err)
		}

		size += int64(len(encoded))
	}

	hash, err := canon.Hash(rows)
	if err != nil {
		return sink.ArtifactDescriptor{}, fmt.Errorf("plugin: stdout sink: %w", err)
	}

	return sink.ArtifactDescriptor{
		Type:        "stdout",
		PathOrURI:   "stdout://",
		SizeBytes:   size,
		ContentHash: hash,
	}, nil
}

func (s *stdoutSink) Flush(_ context.Context) error { return nil }
func (s *stdoutSink) Close(_ context.Context) error { return nil }

// jsonFileSink appends each written batch as a JSON array to a file on
// disk, one array per Write call. It is deliberately simple: no rotation,
// no append-vs-truncate option — a real deployment reaches for a proper
// storage plugin instead.
type jsonFileSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func newJSONFileSink(options map[string]any) (any, error) {
	path, ok := options["path"].(string)
	if !ok || path == "" {
		return nil, fmt.Errorf("plugin: jsonfile sink: missing required option %q", "path")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("plugin: jsonfile sink: open %s: %w", path, err)
	}

	return &jsonFileSink{path: path, f: f}, nil
}

func (s *jsonFileSink) Name() string { return "jsonfile" }

func (s *jsonFileSink) Write(_ context.Context, rows []token.RowData) (sink.ArtifactDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := canon.Encode(rows)
	if err != nil {
		return sink.ArtifactDescriptor{}, fmt.Errorf("plugin: jsonfile sink: %w", err)
	}

	if _, err := s.f.Write(append(encoded, '\n')); err != nil {
		return sink.ArtifactDescriptor{}, fmt.Errorf("plugin: jsonfile sink: write: %w", err)
	}

	hash, err := canon.Hash(rows)
	if err != nil {
		return sink.ArtifactDescriptor{}, fmt.Errorf("plugin: jsonfile sink: %w", err)
	}

	return sink.ArtifactDescriptor{
		Type:        "jsonfile",
		PathOrURI:   s.path,
		SizeBytes:   int64(len(encoded)),
		ContentHash: hash,
	}, nil
}

func (s *jsonFileSink) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.f.Sync()
}

func (s *jsonFileSink) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil
	}

	err := s.f.Close()
	s.f = nil

	return err
}

// inMemorySource replays a fixed slice of rows as valid SourceItems. It has
// no teacher-side or real-world counterpart; it exists purely so the
// orchestrator can be exercised end-to-end in tests and examples without a
// real file or database source plugin. options["rows"] supplies the
// payload; options["name"] optionally overrides the reported plugin name.
type inMemorySource struct {
	name string
	rows []token.RowData
	pos  int
}

func newInMemorySource(options map[string]any) (any, error) {
	name, _ := options["name"].(string)
	if name == "" {
		name = "inmemory"
	}

	rows, _ := options["rows"].([]token.RowData)

	return &inMemorySource{name: name, rows: rows}, nil
}

func (s *inMemorySource) Name() string { return s.name }

func (s *inMemorySource) Next(_ context.Context) (orchestrator.SourceItem, error) {
	if s.pos >= len(s.rows) {
		return orchestrator.SourceItem{}, io.EOF
	}

	row := s.rows[s.pos]
	s.pos++

	return orchestrator.SourceItem{Valid: true, Row: row}, nil
}
