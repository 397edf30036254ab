package tui

import (
	"bytes"
	"sync"
)

// lineStore keeps the last maxLines complete lines written to it. It is
// safe for concurrent use; writers never wait on a reader.
type lineStore struct {
	mu       sync.Mutex
	lines    []string
	partial  []byte
	maxLines int
	dropped  int
}

func newLineStore(maxLines int) *lineStore {
	return &lineStore{maxLines: maxLines}
}

// Write appends p, splitting it into lines. A trailing partial line is kept
// until its newline arrives.
func (s *lineStore) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := append(s.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		s.lines = append(s.lines, string(bytes.TrimRight(data[:i], "\r")))
		data = data[i+1:]
	}
	s.partial = append(s.partial[:0:0], data...)
	if n := len(s.lines) - s.maxLines; n > 0 {
		s.lines = append(s.lines[:0:0], s.lines[n:]...)
		s.dropped += n
	}
	return len(p), nil
}

// Lines returns a copy of the stored lines.
func (s *lineStore) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

// Dropped is the number of lines that fell off the front.
func (s *lineStore) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Clear removes all lines.
func (s *lineStore) Clear() {
	s.mu.Lock()
	s.lines, s.partial = nil, nil
	s.mu.Unlock()
}
