package media

import (
	"errors"
	"io"
	"sync"
)

const readChunkSize = 32 * 1024

var (
	errSourceAbandoned = errors.New("media: source abandoned")
	// ErrSourceTruncated is returned when a stream outgrew the retention
	// limit, so the transcoder cannot be fed from the start again.
	ErrSourceTruncated = errors.New("media: source no longer retained from the start")
)

// sourceBuffer retains the chunks of the input so a respawned transcoder
// can be fed from the start.
//
// With a positive limit, once the retained bytes reach it, chunks the
// current reader has consumed are released and appends wait for the reader
// to catch up. A buffer that released anything is truncated and cannot be
// replayed.
type sourceBuffer struct {
	mu     sync.Mutex
	limit  int
	chunks [][]byte // chunks[i-base] is chunk i
	base   int
	size   int
	// read counts the chunks handed to the current reader.
	read      int
	reader    uint64
	done      bool
	abandoned bool
	changed   chan struct{}
}

func newSourceBuffer(limit int) *sourceBuffer {
	return &sourceBuffer{limit: limit, changed: make(chan struct{})}
}

// append stores a copy of chunk, waiting while the buffer is full of
// chunks the reader has not consumed yet.
func (s *sourceBuffer) append(chunk []byte) error {
	c := make([]byte, len(chunk))
	copy(c, chunk)

	s.mu.Lock()
	for {
		if s.abandoned {
			s.mu.Unlock()
			return errSourceAbandoned
		}
		if s.done {
			s.mu.Unlock()
			return errors.New("media: source already complete")
		}
		s.releaseLocked()
		if s.limit <= 0 || s.size < s.limit {
			break
		}
		changed := s.changed
		s.mu.Unlock()
		<-changed
		s.mu.Lock()
	}
	s.chunks = append(s.chunks, c)
	s.size += len(c)
	s.notifyLocked()
	s.mu.Unlock()
	return nil
}

// releaseLocked drops consumed chunks while the buffer is at its limit.
func (s *sourceBuffer) releaseLocked() {
	for s.limit > 0 && s.size >= s.limit && s.base < s.read {
		s.size -= len(s.chunks[0])
		s.chunks[0] = nil
		s.chunks = s.chunks[1:]
		s.base++
	}
}

// complete marks the end of input.
func (s *sourceBuffer) complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.notifyLocked()
}

// abandon releases the retained bytes and stops producers.
func (s *sourceBuffer) abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandoned = true
	s.chunks = nil
	s.size = 0
	s.notifyLocked()
}

func (s *sourceBuffer) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// rewind starts a new reader at chunk 0 and returns its token. It fails
// once the start of the input has been released.
func (s *sourceBuffer) rewind() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base > 0 {
		return 0, ErrSourceTruncated
	}
	s.reader++
	s.read = 0
	return s.reader, nil
}

// next returns chunk i to the reader holding token, blocking until the
// chunk exists. ok is false at end of input, when the buffer is abandoned,
// when chunk i was released, or when stop is closed.
func (s *sourceBuffer) next(token uint64, i int, stop <-chan struct{}) (chunk []byte, ok bool) {
	for {
		s.mu.Lock()
		if s.abandoned || i < s.base {
			s.mu.Unlock()
			return nil, false
		}
		if i < s.base+len(s.chunks) {
			chunk = s.chunks[i-s.base]
			if token == s.reader && i >= s.read {
				s.read = i + 1
				if s.limit > 0 && s.size >= s.limit {
					s.notifyLocked()
				}
			}
			s.mu.Unlock()
			return chunk, true
		}
		if s.done {
			s.mu.Unlock()
			return nil, false
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-stop:
			return nil, false
		}
	}
}

func (s *sourceBuffer) isDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done && !s.abandoned
}

func (s *sourceBuffer) truncated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base > 0
}

func (s *sourceBuffer) retained() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// fill copies r into the buffer until EOF or abandonment. A closable r is
// closed on return.
func (s *sourceBuffer) fill(r io.Reader) error {
	if c, ok := r.(io.Closer); ok {
		defer c.Close()
	}
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if aerr := s.append(buf[:n]); aerr != nil {
				return aerr
			}
		}
		if errors.Is(err, io.EOF) {
			s.complete()
			return nil
		}
		if err != nil {
			s.complete()
			return err
		}
	}
}
