package chunk

import (
	"errors"
	"os"
	"path/filepath"
)

// FileSink writes into a temporary file next to its destination and moves it
// into place on Close, so a failed transfer never leaves a half written file
// under the final name.
type FileSink struct {
	f      *os.File
	target string
	done   bool
}

// NewFileSink creates the temporary file for dir/name.
func NewFileSink(dir, name string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(name)+".part-*")
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f, target: filepath.Join(dir, name)}, nil
}

func (s *FileSink) Write(p []byte) (int, error) { return s.f.Write(p) }

// Close completes the file.
func (s *FileSink) Close() error {
	if s.done {
		return os.ErrClosed
	}
	s.done = true
	if err := s.f.Close(); err != nil {
		os.Remove(s.f.Name())
		return err
	}
	if err := os.Rename(s.f.Name(), s.target); err != nil {
		os.Remove(s.f.Name())
		return err
	}
	return nil
}

// Discard drops the partial file.
func (s *FileSink) Discard() error {
	if s.done {
		return nil
	}
	s.done = true
	return errors.Join(s.f.Close(), os.Remove(s.f.Name()))
}

// Path is the final location of the file.
func (s *FileSink) Path() string { return s.target }

// FileHandler returns a handler factory that stores every session in dir
// under the name chosen by name.
func FileHandler(dir string, name func(SessionInfo) (string, error), done func(SessionInfo, Status)) HandlerFactory {
	return func(info SessionInfo) (Handler, error) {
		n, err := name(info)
		if err != nil {
			return Handler{}, err
		}
		sink, err := NewFileSink(dir, n)
		if err != nil {
			return Handler{}, err
		}
		return Handler{Sink: sink, Done: done}, nil
	}
}
