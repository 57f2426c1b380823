package audio

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/noise.report/internal/monitoring"
)

var logf = monitoring.Component("audio")

// readChunk is the size of each read from the underlying PCM stream.
const readChunk = 4096

// StreamSource adapts a byte stream of S16LE PCM into a pollable Source. A
// background goroutine decodes the stream into a window of the most recent
// samples; ReadBlock copies from that window.
type StreamSource struct {
	rc     io.ReadCloser
	format PCMFormat
	ring   *sampleRing

	written  atomic.Uint64 // samples decoded so far
	lastRead atomic.Uint64 // value of written at the previous ReadBlock

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
	done      chan struct{}
	onClose   func() error
}

// NewStreamSource starts decoding rc. window is the number of samples kept
// for ReadBlock; it should be at least the sampler's block size.
func NewStreamSource(rc io.ReadCloser, format PCMFormat, window int) *StreamSource {
	s := &StreamSource{
		rc:     rc,
		format: format,
		ring:   newSampleRing(window),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *StreamSource) pump() {
	defer close(s.done)

	buf := make([]byte, readChunk)
	var carry []byte
	decoded := make([]float64, 0, readChunk/2)
	for {
		n, err := s.rc.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			var used int
			decoded, used = DecodeS16LE(decoded[:0], data, s.format.Channels)
			carry = append(carry[:0], data[used:]...)
			s.ring.write(decoded)
			s.written.Add(uint64(len(decoded)))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				logf("stream read failed: %v", err)
			}
			s.setErr(err)
			return
		}
	}
}

func (s *StreamSource) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	s.err = err
}

// Err returns the error that ended the stream, if any.
func (s *StreamSource) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Format returns the PCM format being decoded.
func (s *StreamSource) Format() PCMFormat {
	return s.format
}

// ReadBlock copies the latest samples into dst. It returns 0 when no new
// audio has arrived since the previous call so a stalled stream reads as a
// dropout instead of repeating stale audio.
func (s *StreamSource) ReadBlock(dst []float64) int {
	written := s.written.Load()
	if written == s.lastRead.Swap(written) {
		return 0
	}
	return s.ring.latest(dst)
}

// Close stops the stream and releases the underlying reader.
func (s *StreamSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.rc.Close()
		if s.onClose != nil {
			if cerr := s.onClose(); cerr != nil && err == nil {
				err = cerr
			}
		}
		<-s.done
		s.ring.reset()
	})
	return err
}
