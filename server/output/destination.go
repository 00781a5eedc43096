package output

import (
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Destination opens the sink that frames are persisted to. It is called at most once per
// session, the first time that something needs to be written.
type Destination func() (io.WriteCloser, error)

// FileDestination truncates and rewrites the file at path, once per session
func FileDestination(path string) Destination {
	return func() (io.WriteCloser, error) {
		return os.Create(path)
	}
}

// FifoDestination creates a named pipe at path (if it doesn't exist yet), and opens it for writing.
// Opening blocks until a consumer opens the other end.
func FifoDestination(path string) Destination {
	return func() (io.WriteCloser, error) {
		if err := unix.Mkfifo(path, 0666); err != nil && !errors.Is(err, unix.EEXIST) {
			return nil, err
		}
		return os.OpenFile(path, os.O_WRONLY, 0)
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// WriterDestination sends output to an existing writer, such as stdout. Close is a no-op.
func WriterDestination(w io.Writer) Destination {
	return func() (io.WriteCloser, error) {
		return nopCloser{w}, nil
	}
}

// Opens the destination on first use, and keeps it open until close
type lazyDestination struct {
	open Destination
	w    io.WriteCloser
}

func (l *lazyDestination) writer() (io.Writer, error) {
	if l.w == nil {
		w, err := l.open()
		if err != nil {
			return nil, err
		}
		l.w = w
	}
	return l.w, nil
}

func (l *lazyDestination) close() error {
	if l.w == nil {
		return nil
	}
	err := l.w.Close()
	l.w = nil
	return err
}
