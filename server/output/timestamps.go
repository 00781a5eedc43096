package output

import (
	"bufio"
	"fmt"
	"os"
	"time"
)

// First line of every timestamp file. This is the format that mkvmerge understands.
const TimestampFileHeader = "# timecode format v2"

// TimestampFile records one line per frame, with the frame's time in milliseconds
// (three decimals), relative to the first frame recorded.
type TimestampFile struct {
	Path    string
	file    *os.File
	w       *bufio.Writer
	base    time.Duration
	started bool
	count   int
}

func CreateTimestampFile(path string) (*TimestampFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("Failed to open timestamp file %v: %w", path, err)
	}
	t := &TimestampFile{
		Path: path,
		file: f,
		w:    bufio.NewWriter(f),
	}
	if _, err := fmt.Fprintf(t.w, "%v\n", TimestampFileHeader); err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

func (t *TimestampFile) Record(pts time.Duration) error {
	if !t.started {
		t.base = pts
		t.started = true
	}
	us := (pts - t.base).Microseconds()
	t.count++
	_, err := fmt.Fprintf(t.w, "%d.%03d\n", us/1000, us%1000)
	return err
}

// Number of frames recorded
func (t *TimestampFile) Count() int {
	return t.count
}

func (t *TimestampFile) Close() error {
	if t.file == nil {
		return nil
	}
	err := t.w.Flush()
	if err2 := t.file.Close(); err == nil {
		err = err2
	}
	t.file = nil
	return err
}
