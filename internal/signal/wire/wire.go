// Package wire implements the binary envelope carried on the signaling
// channel. The envelope is protobuf wire format with a fixed field schema,
// encoded and decoded by hand with protowire: the variant set is closed and
// small enough that generated code would be more surface than the protocol.
package wire

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// SessionID is the 128-bit pairing key supplied by clients out-of-band.
// It is opaque to the server.
type SessionID [16]byte

// NewSessionID builds a SessionID from two 64-bit halves, high half first.
func NewSessionID(hi, lo uint64) SessionID {
	var sid SessionID
	binary.BigEndian.PutUint64(sid[:8], hi)
	binary.BigEndian.PutUint64(sid[8:], lo)
	return sid
}

// ParseSessionID parses the hex form produced by String.
func ParseSessionID(s string) (SessionID, error) {
	var sid SessionID
	b, err := hex.DecodeString(s)
	if err != nil {
		return sid, fmt.Errorf("could not parse session id: %w", err)
	}
	if len(b) != len(sid) {
		return sid, ErrBadSessionID
	}
	copy(sid[:], b)
	return sid, nil
}

func (s SessionID) String() string {
	return hex.EncodeToString(s[:])
}

// Type tags a Message variant.
type Type uint8

const (
	// TypeJoin must be the first message on a new channel and carries the
	// session id to pair under.
	TypeJoin Type = iota + 1
	// TypeReady is sent by the server to both participants once paired.
	TypeReady
	TypeOffer
	TypeAnswer
	TypeCandidate
	// TypeEstablished reports a successful direct link to the server.
	TypeEstablished
	TypeError

	maxType = TypeError
)

func (t Type) String() string {
	switch t {
	case TypeJoin:
		return "join"
	case TypeReady:
		return "ready"
	case TypeOffer:
		return "offer"
	case TypeAnswer:
		return "answer"
	case TypeCandidate:
		return "candidate"
	case TypeEstablished:
		return "established"
	case TypeError:
		return "error"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// HasPayload reports whether the variant carries an opaque payload.
func (t Type) HasPayload() bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeCandidate
}

// Message is one signaling envelope. Payload is only set for
// Offer/Answer/Candidate and is never inspected by the server; Reason is
// only set for Error.
type Message struct {
	Type    Type
	Session SessionID
	Payload []byte
	Reason  string
}

// Decode errors. Decode never panics on malformed input.
var (
	ErrTruncated      = errors.New("wire: truncated envelope")
	ErrUnknownType    = errors.New("wire: unknown message type")
	ErrBadSessionID   = errors.New("wire: session id must be 16 bytes")
	ErrUnknownField   = errors.New("wire: unexpected envelope field")
	ErrDuplicateField = errors.New("wire: duplicate envelope field")
)

// Envelope field numbers. The schema is fixed; decoders reject anything else.
const (
	fieldType    protowire.Number = 1
	fieldSession protowire.Number = 2
	fieldPayload protowire.Number = 3
	fieldReason  protowire.Number = 4
)

// Encode serializes m. It is the inverse of Decode for every valid variant.
func Encode(m Message) []byte {
	b := make([]byte, 0, 24+len(m.Payload)+len(m.Reason))
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	b = protowire.AppendTag(b, fieldSession, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Session[:])
	if m.Type.HasPayload() && len(m.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	if m.Type == TypeError && m.Reason != "" {
		b = protowire.AppendTag(b, fieldReason, protowire.BytesType)
		b = protowire.AppendString(b, m.Reason)
	}
	return b
}

// Decode parses one envelope. Malformed, truncated or out-of-schema input
// is rejected with one of the typed errors above. Every field may appear at
// most once; last-wins reparsing is not a thing a closed schema needs.
func Decode(b []byte) (Message, error) {
	var (
		m          Message
		gotType    bool
		gotSession bool
		gotPayload bool
		gotReason  bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, ErrTruncated
		}
		b = b[n:]

		switch {
		case num == fieldType && typ == protowire.VarintType:
			if gotType {
				return Message{}, ErrDuplicateField
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Message{}, ErrTruncated
			}
			b = b[n:]
			if v == 0 || v > uint64(maxType) {
				return Message{}, ErrUnknownType
			}
			m.Type = Type(v)
			gotType = true

		case num == fieldSession && typ == protowire.BytesType:
			if gotSession {
				return Message{}, ErrDuplicateField
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, ErrTruncated
			}
			b = b[n:]
			if len(v) != len(m.Session) {
				return Message{}, ErrBadSessionID
			}
			copy(m.Session[:], v)
			gotSession = true

		case num == fieldPayload && typ == protowire.BytesType:
			if gotPayload {
				return Message{}, ErrDuplicateField
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, ErrTruncated
			}
			b = b[n:]
			m.Payload = append([]byte(nil), v...)
			gotPayload = true

		case num == fieldReason && typ == protowire.BytesType:
			if gotReason {
				return Message{}, ErrDuplicateField
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, ErrTruncated
			}
			b = b[n:]
			m.Reason = string(v)
			gotReason = true

		default:
			return Message{}, ErrUnknownField
		}
	}
	if !gotType {
		return Message{}, ErrUnknownType
	}
	if !gotSession {
		return Message{}, ErrBadSessionID
	}
	if len(m.Payload) > 0 && !m.Type.HasPayload() {
		return Message{}, ErrUnknownField
	}
	if m.Reason != "" && m.Type != TypeError {
		return Message{}, ErrUnknownField
	}
	return m, nil
}
