package gossip

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameSize bounds a single encoded envelope, payload included.
const MaxFrameSize = 16 << 20

const headerSize = 4

var (
	ErrTruncated   = errors.New("gossip: truncated frame")
	ErrMalformed   = errors.New("gossip: malformed frame")
	ErrUnknownKind = errors.New("gossip: unknown message kind")
	ErrTooLarge    = errors.New("gossip: frame too large")
)

// VersionError is returned by Decode for frames from an incompatible peer.
type VersionError struct {
	Got, Want uint16
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("gossip: protocol version %d, want %d", e.Got, e.Want)
}

// wireEnvelope is the body of a frame. Version is the first element so it can
// be checked before the rest of the body is trusted.
type wireEnvelope struct {
	_       struct{} `cbor:",toarray"`
	Version uint16
	Group   string
	Name    string
	Txn     int64
	Kind    Kind
	Payload cbor.RawMessage
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = (cbor.EncOptions{Sort: cbor.SortCanonical}).EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:   16,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}).DecMode(); err != nil {
		panic(err)
	}
}

// Encode produces a length-prefixed frame for e.
func Encode(e Envelope) ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("encode: nil payload")
	}
	if e.Sender.Name == "" {
		return nil, fmt.Errorf("encode: empty sender name")
	}
	if _, ok := newPayload(e.Payload.Kind()); !ok {
		return nil, fmt.Errorf("encode: %w: %v", ErrUnknownKind, e.Payload.Kind())
	}
	payload, err := encMode.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %v payload: %w", e.Payload.Kind(), err)
	}
	body, err := encMode.Marshal(wireEnvelope{
		Version: e.Version,
		Group:   e.Sender.Group,
		Name:    e.Sender.Name,
		Txn:     e.Txn,
		Kind:    e.Payload.Kind(),
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(body) > MaxFrameSize {
		return nil, ErrTooLarge
	}
	out := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(out[:headerSize], uint32(len(body)))
	copy(out[headerSize:], body)
	return out, nil
}

// Decode parses a frame produced by Encode. Any error means the whole frame
// must be dropped.
func Decode(frame []byte) (Envelope, error) {
	if len(frame) < headerSize {
		return Envelope{}, ErrTruncated
	}
	n := binary.BigEndian.Uint32(frame[:headerSize])
	if n > MaxFrameSize {
		return Envelope{}, ErrTooLarge
	}
	body := frame[headerSize:]
	if uint32(len(body)) < n {
		return Envelope{}, ErrTruncated
	}
	if uint32(len(body)) > n {
		return Envelope{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, uint32(len(body))-n)
	}

	var fields []cbor.RawMessage
	if err := decMode.Unmarshal(body, &fields); err != nil || len(fields) == 0 {
		return Envelope{}, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}
	var version uint16
	if err := decMode.Unmarshal(fields[0], &version); err != nil {
		return Envelope{}, fmt.Errorf("%w: version: %v", ErrMalformed, err)
	}
	if version != ProtocolVersion {
		return Envelope{}, &VersionError{Got: version, Want: ProtocolVersion}
	}

	var w wireEnvelope
	if err := decMode.Unmarshal(body, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}
	if w.Name == "" {
		return Envelope{}, fmt.Errorf("%w: empty sender", ErrMalformed)
	}
	p, ok := newPayload(w.Kind)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(w.Kind))
	}
	if err := decMode.Unmarshal(w.Payload, p); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v payload: %v", ErrMalformed, w.Kind, err)
	}

	return Envelope{
		Sender:  NodeID{Group: w.Group, Name: w.Name},
		Version: w.Version,
		Txn:     w.Txn,
		Payload: deref(p),
	}, nil
}

// deref turns the pointer filled by Unmarshal back into the value type the
// rest of the code switches on.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *Hello:
		return *v
	case *Bye:
		return *v
	case *GetLastSeen:
		return *v
	case *LastSeen:
		return *v
	case *GetData:
		return *v
	case *Data:
		return *v
	case *IsOnline:
		return *v
	case *CantGetData:
		return *v
	case *ResourceCreated:
		return *v
	}
	return p
}
