// Package storage provides sinks the streaming receiver hands datagrams to.
// Datagrams are stored as opaque bytes.
package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/isee/rtsp-client/pkg/logger"
)

var (
	// ErrBufferFull indicates a BufferSink reached its byte capacity
	ErrBufferFull = errors.New("buffer sink full")
	// ErrSinkClosed indicates a write after Close
	ErrSinkClosed = errors.New("sink closed")
	// ErrInvalidOutputDir indicates the capture directory is unusable
	ErrInvalidOutputDir = errors.New("invalid output directory")
	// ErrFrameTooLarge indicates a capture file frame longer than any datagram
	ErrFrameTooLarge = errors.New("capture frame exceeds maximum datagram size")
)

// maxDatagramSize bounds a single UDP payload
const maxDatagramSize = 65535

// StorageStats holds statistics about stored datagrams
type StorageStats struct {
	TotalPackets   int64
	TotalBytes     int64
	DroppedPackets int64
}

// String returns a string representation of storage stats
func (s StorageStats) String() string {
	droppedInfo := ""
	if s.DroppedPackets > 0 {
		droppedInfo = fmt.Sprintf(", Dropped: %d", s.DroppedPackets)
	}
	return fmt.Sprintf(
		"Packets: %d%s | Size: %.2f MB",
		s.TotalPackets,
		droppedInfo,
		float64(s.TotalBytes)/(1024*1024),
	)
}

// BufferSink keeps datagrams in memory up to a byte capacity
type BufferSink struct {
	mu         sync.Mutex
	capacity   int
	dropOldest bool
	size       int
	packets    [][]byte
	stats      StorageStats
}

// NewBufferSink creates a sink holding at most capacity bytes. When full it
// either evicts the oldest datagrams (dropOldest) or rejects the write.
func NewBufferSink(capacity int, dropOldest bool) *BufferSink {
	return &BufferSink{capacity: capacity, dropOldest: dropOldest}
}

// WritePacket stores a copy of p
func (b *BufferSink) WritePacket(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(p) > b.capacity {
		b.stats.DroppedPackets++
		return fmt.Errorf("%w: datagram of %d bytes exceeds capacity %d", ErrBufferFull, len(p), b.capacity)
	}

	for b.size+len(p) > b.capacity {
		if !b.dropOldest {
			b.stats.DroppedPackets++
			return ErrBufferFull
		}
		b.size -= len(b.packets[0])
		b.packets = b.packets[1:]
		b.stats.DroppedPackets++
	}

	b.packets = append(b.packets, append([]byte(nil), p...))
	b.size += len(p)
	b.stats.TotalPackets++
	b.stats.TotalBytes += int64(len(p))
	return nil
}

// Packets returns the buffered datagrams
func (b *BufferSink) Packets() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.packets...)
}

// Drain returns the buffered datagrams and empties the buffer
func (b *BufferSink) Drain() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.packets
	b.packets = nil
	b.size = 0
	return out
}

// Len returns the number of buffered bytes
func (b *BufferSink) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// GetStats returns current storage statistics
func (b *BufferSink) GetStats() StorageStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// FileSink appends datagrams to a capture file. Each datagram is framed as a
// 4-byte big-endian length followed by the datagram bytes.
type FileSink struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	w      *bufio.Writer
	stats  StorageStats
	closed bool
}

// NewFileSink creates the capture file, making parent directories as needed
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty capture path", ErrInvalidOutputDir)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutputDir, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file: %w", err)
	}

	logger.Debug("[FileSink] writing capture to %s", path)

	return &FileSink{
		path: path,
		file: f,
		w:    bufio.NewWriter(f),
	}, nil
}

// Path returns the capture file path
func (s *FileSink) Path() string {
	return s.path
}

// WritePacket appends one framed datagram
func (s *FileSink) WritePacket(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(p)))
	if _, err := s.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := s.w.Write(p); err != nil {
		return err
	}

	s.stats.TotalPackets++
	s.stats.TotalBytes += int64(len(p))
	return nil
}

// GetStats returns current storage statistics
func (s *FileSink) GetStats() StorageStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close flushes and closes the capture file
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	flushErr := s.w.Flush()
	closeErr := s.file.Close()
	return errors.Join(flushErr, closeErr)
}

// ReadCapture walks a capture file written by FileSink
func ReadCapture(r io.Reader, fn func(datagram []byte) error) error {
	br := bufio.NewReader(r)
	var hdr [4]byte

	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read frame header: %w", err)
		}

		n := binary.BigEndian.Uint32(hdr[:])
		if n > maxDatagramSize {
			return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
		}

		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			return fmt.Errorf("failed to read frame body: %w", err)
		}

		if err := fn(buf); err != nil {
			return err
		}
	}
}

// FuncSink adapts a callback to a sink
type FuncSink func(p []byte) error

// WritePacket calls the function
func (f FuncSink) WritePacket(p []byte) error {
	return f(p)
}

// MultiSink forwards every datagram to all sinks, stopping at the first error
type MultiSink []interface{ WritePacket([]byte) error }

// WritePacket writes p to each sink in order
func (m MultiSink) WritePacket(p []byte) error {
	for _, s := range m {
		if err := s.WritePacket(p); err != nil {
			return err
		}
	}
	return nil
}
