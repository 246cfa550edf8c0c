// Package dialproto implements the binary framing used by the upstream
// speech dialog provider. Frames carry a 4-byte header followed by optional
// error-code, sequence, event-id and session-id fields and a length-prefixed
// payload. JSON payloads may be gzip compressed; audio payloads are opaque.
//
// The provider hard-closes the connection on malformed frames, so the
// encoders here are deterministic and byte-for-byte compatible with its
// reference reader.
package dialproto

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Protocol version and header size, packed into byte 0 of every frame.
const (
	protocolVersion = 0x1
	headerSizeWords = 0x1 // header length in 4-byte words
)

// Message types (high nibble of byte 1).
const (
	MsgFullClient  = 0x1
	MsgAudioClient = 0x2
	MsgFullServer  = 0x9
	MsgAudioServer = 0xB
	MsgError       = 0xF
)

// Flags (low nibble of byte 1).
const (
	FlagSequence = 0x1 // 4-byte sequence number present
	FlagEvent    = 0x4 // 4-byte event id present
)

// Serialization methods (high nibble of byte 2).
const (
	SerializationRaw  = 0x0
	SerializationJSON = 0x1
)

// Compression methods (low nibble of byte 2).
const (
	CompressionNone = 0x0
	CompressionGzip = 0x1
)

// Frame is a decoded provider frame. Payload is already inflated when the
// frame advertised gzip compression. For JSON frames whose payload is not a
// JSON document the provider is sending a raw UTF-8 string (typically a
// UUID); IsRawText flags that case.
type Frame struct {
	MessageType byte
	EventID     int32
	SessionID   string
	Sequence    int32
	ErrorCode   uint32
	Payload     []byte
	IsRawText   bool
}

// Text returns the payload as a UTF-8 string.
func (f *Frame) Text() string {
	return string(f.Payload)
}

// Decode errors.
var (
	ErrFrameTooShort  = errors.New("dialproto: frame too short")
	ErrBadVersion     = errors.New("dialproto: unsupported protocol version")
	ErrFieldOverflow  = errors.New("dialproto: field length exceeds frame")
	ErrBadCompression = errors.New("dialproto: unknown compression method")
)

// Decode parses a single binary frame from the provider.
func Decode(data []byte) (*Frame, error) {
	if len(data) < 4 {
		return nil, ErrFrameTooShort
	}

	version := data[0] >> 4
	if version != protocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, version)
	}
	headerLen := int(data[0]&0x0F) * 4
	if headerLen < 4 || len(data) < headerLen {
		return nil, ErrFrameTooShort
	}

	frame := &Frame{
		MessageType: data[1] >> 4,
	}
	flags := data[1] & 0x0F
	serialization := data[2] >> 4
	compression := data[2] & 0x0F

	off := headerLen

	next4 := func() (uint32, error) {
		if off+4 > len(data) {
			return 0, ErrFieldOverflow
		}
		v := binary.BigEndian.Uint32(data[off : off+4])
		off += 4
		return v, nil
	}

	// Optional fields, in wire order.
	if frame.MessageType == MsgError {
		code, err := next4()
		if err != nil {
			return nil, err
		}
		frame.ErrorCode = code
	}
	if flags&FlagSequence != 0 {
		seq, err := next4()
		if err != nil {
			return nil, err
		}
		frame.Sequence = int32(seq)
	}
	if flags&FlagEvent != 0 {
		ev, err := next4()
		if err != nil {
			return nil, err
		}
		frame.EventID = int32(ev)

		// Connect-class events are not scoped to a session; everything at or
		// above StartSession carries a session id field.
		if sessionScoped(frame.EventID) {
			size, err := next4()
			if err != nil {
				return nil, err
			}
			if off+int(size) > len(data) {
				return nil, ErrFieldOverflow
			}
			frame.SessionID = string(data[off : off+int(size)])
			off += int(size)
		}
	}

	payloadSize, err := next4()
	if err != nil {
		return nil, err
	}
	if off+int(payloadSize) > len(data) {
		return nil, ErrFieldOverflow
	}
	payload := data[off : off+int(payloadSize)]

	switch compression {
	case CompressionNone:
	case CompressionGzip:
		// Audio payloads are never compressed by the provider; inflate
		// whatever claims to be gzip regardless of message type.
		inflated, err := gunzip(payload)
		if err != nil {
			return nil, fmt.Errorf("dialproto: gunzip payload: %w", err)
		}
		payload = inflated
	default:
		return nil, fmt.Errorf("%w: %d", ErrBadCompression, compression)
	}

	frame.Payload = payload
	if serialization == SerializationJSON && len(payload) > 0 && payload[0] != '{' && payload[0] != '[' {
		frame.IsRawText = true
	}

	return frame, nil
}

// sessionScoped reports whether an event id carries a session id field on the
// wire. Connection-level events (StartConnection/ConnectionStarted/...) sit
// below 100.
func sessionScoped(eventID int32) bool {
	return eventID >= EventClientStartSession
}

// EncodeClientEvent builds a full-client frame for the given event. The
// session id field is omitted for connect-class events and present for
// session-class events; payload must already be serialized JSON.
func EncodeClientEvent(eventID int32, sessionID string, jsonPayload []byte) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{
		protocolVersion<<4 | headerSizeWords,
		MsgFullClient<<4 | FlagEvent,
		SerializationJSON<<4 | CompressionNone,
		0x00,
	})
	writeUint32(&buf, uint32(eventID))
	if sessionScoped(eventID) {
		writeUint32(&buf, uint32(len(sessionID)))
		buf.WriteString(sessionID)
	}
	writeUint32(&buf, uint32(len(jsonPayload)))
	buf.Write(jsonPayload)
	return buf.Bytes()
}

// EncodeClientAudio builds an audio-client frame carrying raw audio bytes for
// the given session.
func EncodeClientAudio(sessionID string, audio []byte) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{
		protocolVersion<<4 | headerSizeWords,
		MsgAudioClient<<4 | FlagEvent,
		SerializationRaw<<4 | CompressionNone,
		0x00,
	})
	writeUint32(&buf, uint32(EventClientAudioTask))
	writeUint32(&buf, uint32(len(sessionID)))
	buf.WriteString(sessionID)
	writeUint32(&buf, uint32(len(audio)))
	buf.Write(audio)
	return buf.Bytes()
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
