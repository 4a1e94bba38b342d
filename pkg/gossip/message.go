package gossip

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ryandielhenn/zephyrsync/pkg/snapshot"
)

// ProtocolVersion must be bumped whenever a payload changes shape.
const ProtocolVersion uint16 = 3

// Broadcast is the channel every node listens on.
const Broadcast = "*"

// NodeID identifies a node. Name doubles as its unicast channel.
type NodeID struct {
	Group string
	Name  string
}

// GroupChannel is the channel shared by every node of the group.
func (n NodeID) GroupChannel() string { return "group:" + n.Group }

// Channels lists every channel the node subscribes to.
func (n NodeID) Channels() []string {
	return []string{Broadcast, n.GroupChannel(), n.Name}
}

// Addressed reports whether a message published on channel is meant for n.
func (n NodeID) Addressed(channel string) bool {
	return channel == Broadcast || channel == n.Name || channel == n.GroupChannel()
}

func (n NodeID) String() string { return n.Group + "/" + n.Name }

type Kind uint8

const (
	KindHello Kind = iota + 1
	KindBye
	KindGetLastSeen
	KindLastSeen
	KindGetData
	KindData
	KindIsOnline
	KindCantGetData
	KindResourceCreated
)

var kindNames = map[Kind]string{
	KindHello:           "HELLO",
	KindBye:             "BYE",
	KindGetLastSeen:     "GET_LAST_SEEN",
	KindLastSeen:        "LAST_SEEN",
	KindGetData:         "GET_DATA",
	KindData:            "DATA",
	KindIsOnline:        "IS_ONLINE",
	KindCantGetData:     "CANT_GET_DATA",
	KindResourceCreated: "RESOURCE_CREATED",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Payload is implemented by every message body. The concrete type fixes the
// Kind, so a payload can never disagree with its envelope.
type Payload interface {
	Kind() Kind
}

// Envelope is the unit of wire communication.
type Envelope struct {
	Sender  NodeID
	Version uint16
	Txn     int64 // chosen by the node that originated the request
	Payload Payload
}

func (e Envelope) Kind() Kind {
	if e.Payload == nil {
		return 0
	}
	return e.Payload.Kind()
}

// Hello announces a node. Group-targeted hellos get a unicast hello back.
type Hello struct {
	_ struct{} `cbor:",toarray"`
}

// Bye tells peers the node is leaving so nobody waits for it.
type Bye struct {
	_ struct{} `cbor:",toarray"`
}

// GetLastSeen asks when an identity was last active; answered by LastSeen.
type GetLastSeen struct {
	_        struct{} `cbor:",toarray"`
	Identity uuid.UUID
}

// LastSeen answers GetLastSeen. At is unix milliseconds, 0 if never seen.
type LastSeen struct {
	_        struct{} `cbor:",toarray"`
	Identity uuid.UUID
	At       int64
}

// GetData asks for the full snapshot of an identity.
type GetData struct {
	_        struct{} `cbor:",toarray"`
	Identity uuid.UUID
}

// Data carries a snapshot. Timestamps are unix milliseconds.
type Data struct {
	_        struct{} `cbor:",toarray"`
	Identity uuid.UUID
	Taken    int64
	LastSeen int64
	Blob     []byte
}

// IsOnline tells a GetData sender the identity is still active here.
type IsOnline struct {
	_        struct{} `cbor:",toarray"`
	Identity uuid.UUID
}

// CantGetData tells a GetData sender the snapshot cannot be produced.
type CantGetData struct {
	_        struct{} `cbor:",toarray"`
	Identity uuid.UUID
}

// ResourceCreated announces the newest auxiliary resource id created in the
// cluster so every node keeps the same high-water mark.
type ResourceCreated struct {
	_  struct{} `cbor:",toarray"`
	ID int64
}

func (Hello) Kind() Kind           { return KindHello }
func (Bye) Kind() Kind             { return KindBye }
func (GetLastSeen) Kind() Kind     { return KindGetLastSeen }
func (LastSeen) Kind() Kind        { return KindLastSeen }
func (GetData) Kind() Kind         { return KindGetData }
func (Data) Kind() Kind            { return KindData }
func (IsOnline) Kind() Kind        { return KindIsOnline }
func (CantGetData) Kind() Kind     { return KindCantGetData }
func (ResourceCreated) Kind() Kind { return KindResourceCreated }

// newPayload returns a pointer to the zero payload for k.
func newPayload(k Kind) (Payload, bool) {
	switch k {
	case KindHello:
		return &Hello{}, true
	case KindBye:
		return &Bye{}, true
	case KindGetLastSeen:
		return &GetLastSeen{}, true
	case KindLastSeen:
		return &LastSeen{}, true
	case KindGetData:
		return &GetData{}, true
	case KindData:
		return &Data{}, true
	case KindIsOnline:
		return &IsOnline{}, true
	case KindCantGetData:
		return &CantGetData{}, true
	case KindResourceCreated:
		return &ResourceCreated{}, true
	}
	return nil, false
}

// DataFrom wraps a snapshot for the wire.
func DataFrom(s snapshot.Snapshot) Data {
	return Data{
		Identity: s.Identity,
		Taken:    snapshot.ToMillis(s.Taken),
		LastSeen: snapshot.ToMillis(s.LastSeen),
		Blob:     s.Data,
	}
}

func (d Data) Snapshot() snapshot.Snapshot {
	return snapshot.Snapshot{
		Identity: d.Identity,
		Taken:    snapshot.FromMillis(d.Taken),
		LastSeen: snapshot.FromMillis(d.LastSeen),
		Data:     d.Blob,
	}
}
