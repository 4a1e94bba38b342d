// Package gossip defines the wire protocol nodes use to reconcile identity
// state: the versioned Envelope, its typed payloads, the frame codec and the
// Registry of peers a node currently believes to be alive.
//
// Typical usage:
//
//	frame, _ := gossip.Encode(gossip.Envelope{
//		Sender:  self,
//		Version: gossip.ProtocolVersion,
//		Txn:     txn,
//		Payload: gossip.GetLastSeen{Identity: id},
//	})
//	env, err := gossip.Decode(frame)
//
// Decode fails closed: a frame with the wrong protocol version, an unknown
// kind or a payload that does not match its kind is rejected as a whole.
package gossip
