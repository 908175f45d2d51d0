package sink

import (
	"fmt"

	"github.com/cyberinferno/go-lineserver/logger"
)

// FileSink appends lines to a daily-rotated file {name}_{date}.lines in a
// directory.
type FileSink struct {
	*WriterSink
	file *logger.DailyFileWriter
}

// NewFileSink opens (creating if needed) the line file for today.
//
// Parameters:
//   - name: File name prefix
//   - dir: Directory for the files
//   - opts: WriterSink options; color is never applied to files
//
// Returns:
//   - The sink, or an error if the directory or file cannot be opened
func NewFileSink(name, dir string, opts ...WriterOption) (*FileSink, error) {
	w, err := logger.NewDailyFileWriter(name, dir, ".lines")
	if err != nil {
		return nil, fmt.Errorf("file sink: %w", err)
	}

	opts = append(opts, WithColor(false))
	return &FileSink{WriterSink: NewWriterSink(w, opts...), file: w}, nil
}

// Path returns the file currently being written.
func (s *FileSink) Path() string {
	return s.file.CurrentFile()
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	return s.file.Close()
}
