// Package rtp inspects RTP and RTCP datagram headers for reception statistics.
// Payloads are never interpreted.
package rtp

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	pionrtp "github.com/pion/rtp"
)

var (
	// ErrNotRTP indicates a datagram whose header does not parse as RTP version 2
	ErrNotRTP = errors.New("datagram is not RTP")
	// ErrNotRTCP indicates a datagram that does not parse as a compound RTCP packet
	ErrNotRTCP = errors.New("datagram is not RTCP")
)

// PacketInfo is the header summary of one RTP datagram
type PacketInfo struct {
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	Marker         bool
	HeaderSize     int
	PayloadSize    int
}

// String returns a string representation of the packet for debugging
func (p PacketInfo) String() string {
	return fmt.Sprintf(
		"RTP Packet [PT: %d, Seq: %d, TS: %d, SSRC: 0x%x, Marker: %t, Payload: %d bytes]",
		p.PayloadType, p.SequenceNumber, p.Timestamp, p.SSRC, p.Marker, p.PayloadSize,
	)
}

// Stats holds reception statistics
type Stats struct {
	Packets            uint64
	Bytes              uint64
	Invalid            uint64
	Lost               uint64
	Reordered          uint64
	SSRC               uint32
	PayloadType        uint8
	PayloadTypeChanges uint64
	RTCPPackets        uint64
	SenderReports      uint64
	LastSenderReport   time.Time
	Goodbye            bool
}

// String summarises the statistics on one line
func (s Stats) String() string {
	return fmt.Sprintf("packets=%d bytes=%d lost=%d reordered=%d invalid=%d ssrc=0x%x pt=%d rtcp=%d sr=%d",
		s.Packets, s.Bytes, s.Lost, s.Reordered, s.Invalid, s.SSRC, s.PayloadType, s.RTCPPackets, s.SenderReports)
}

// Inspector accumulates statistics from RTP and RTCP datagrams.
// It is safe for one RTP reader, one RTCP reader and any number of Stats callers.
type Inspector struct {
	mu      sync.Mutex
	stats   Stats
	started bool
	lastSeq uint16
	now     func() time.Time
}

// NewInspector creates an empty Inspector
func NewInspector() *Inspector {
	return &Inspector{now: time.Now}
}

// Inspect parses the RTP header of a datagram and updates statistics.
// It returns the number of sequence numbers skipped since the previous packet.
func (in *Inspector) Inspect(datagram []byte) (PacketInfo, int, error) {
	var h pionrtp.Header
	n, err := h.Unmarshal(datagram)

	in.mu.Lock()
	defer in.mu.Unlock()

	if err != nil || h.Version != 2 {
		in.stats.Invalid++
		if err == nil {
			err = fmt.Errorf("version %d", h.Version)
		}
		return PacketInfo{}, 0, fmt.Errorf("%w: %v", ErrNotRTP, err)
	}

	info := PacketInfo{
		PayloadType:    h.PayloadType,
		SequenceNumber: h.SequenceNumber,
		Timestamp:      h.Timestamp,
		SSRC:           h.SSRC,
		Marker:         h.Marker,
		HeaderSize:     n,
		PayloadSize:    len(datagram) - n,
	}

	in.stats.Packets++
	in.stats.Bytes += uint64(len(datagram))

	if !in.started {
		in.started = true
		in.stats.SSRC = h.SSRC
		in.stats.PayloadType = h.PayloadType
		in.lastSeq = h.SequenceNumber
		return info, 0, nil
	}

	if h.PayloadType != in.stats.PayloadType {
		in.stats.PayloadTypeChanges++
		in.stats.PayloadType = h.PayloadType
	}

	if h.SSRC != in.stats.SSRC {
		// new source, restart sequence tracking
		in.stats.SSRC = h.SSRC
		in.lastSeq = h.SequenceNumber
		return info, 0, nil
	}

	gap := 0
	diff := h.SequenceNumber - in.lastSeq
	switch {
	case diff == 0:
		in.stats.Reordered++
	case diff < 0x8000:
		gap = int(diff) - 1
		in.stats.Lost += uint64(gap)
		in.lastSeq = h.SequenceNumber
	default:
		in.stats.Reordered++
	}

	return info, gap, nil
}

// InspectRTCP parses a compound RTCP datagram and returns the packet kinds it contained
func (in *Inspector) InspectRTCP(datagram []byte) ([]string, error) {
	packets, err := rtcp.Unmarshal(datagram)

	in.mu.Lock()
	defer in.mu.Unlock()

	if err != nil {
		in.stats.Invalid++
		return nil, fmt.Errorf("%w: %v", ErrNotRTCP, err)
	}

	kinds := make([]string, 0, len(packets))
	for _, p := range packets {
		in.stats.RTCPPackets++
		switch p.(type) {
		case *rtcp.SenderReport:
			in.stats.SenderReports++
			in.stats.LastSenderReport = in.now()
			kinds = append(kinds, "sender_report")
		case *rtcp.ReceiverReport:
			kinds = append(kinds, "receiver_report")
		case *rtcp.SourceDescription:
			kinds = append(kinds, "source_description")
		case *rtcp.Goodbye:
			in.stats.Goodbye = true
			kinds = append(kinds, "goodbye")
		default:
			kinds = append(kinds, "other")
		}
	}
	return kinds, nil
}

// Stats returns a copy of the current statistics
func (in *Inspector) Stats() Stats {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.stats
}
