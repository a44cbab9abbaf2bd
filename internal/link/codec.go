package link

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ChuLiYu/fieldbus-bridge/pkg/types"
)

// Envelope layout used on the UDP and serial transports:
//
//	kind(1) | source(2) | destination(2) | length(1) | payload(length)
const (
	headerSize     = 6
	MaxPayloadSize = 255
)

// Encode serialises f into its envelope.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload of %d bytes exceeds %d", len(f.Payload), MaxPayloadSize)
	}
	if f.Kind < FrameWrite || f.Kind > FrameResponse {
		return nil, fmt.Errorf("unknown frame kind %d", f.Kind)
	}
	buf := make([]byte, headerSize+len(f.Payload))
	buf[0] = byte(f.Kind)
	binary.BigEndian.PutUint16(buf[1:3], uint16(f.Source))
	binary.BigEndian.PutUint16(buf[3:5], uint16(f.Destination))
	buf[5] = byte(len(f.Payload))
	copy(buf[headerSize:], f.Payload)
	return buf, nil
}

// Decode parses a single datagram.
func Decode(b []byte) (Frame, error) {
	if len(b) < headerSize {
		return Frame{}, fmt.Errorf("short frame: %d bytes", len(b))
	}
	n := int(b[5])
	if len(b) != headerSize+n {
		return Frame{}, fmt.Errorf("length mismatch: header says %d, got %d", n, len(b)-headerSize)
	}
	f := Frame{
		Kind:        FrameKind(b[0]),
		Source:      types.IndividualAddress(binary.BigEndian.Uint16(b[1:3])),
		Destination: types.GroupAddress(binary.BigEndian.Uint16(b[3:5])),
	}
	if f.Kind < FrameWrite || f.Kind > FrameResponse {
		return Frame{}, fmt.Errorf("unknown frame kind %d", b[0])
	}
	if n > 0 {
		f.Payload = append([]byte(nil), b[headerSize:]...)
	}
	return f, nil
}

// ReadFrame reads one envelope from a byte stream (serial transport).
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}
	buf := make([]byte, headerSize+int(header[5]))
	copy(buf, header)
	if _, err := io.ReadFull(r, buf[headerSize:]); err != nil {
		return Frame{}, err
	}
	return Decode(buf)
}
