package model

import "fmt"

// ReadType distinguishes the two chip-read payload shapes the IPICO line
// parser can yield.
type ReadType string

const (
	ReadTypeRaw  ReadType = "RAW"
	ReadTypeFSLS ReadType = "FSLS"
)

// Valid reports whether rt is one of the recognised read types.
func (rt ReadType) Valid() bool {
	switch rt {
	case ReadTypeRaw, ReadTypeFSLS:
		return true
	default:
		return false
	}
}

// Identity is the event identity (forwarder_id, reader_ip, stream_epoch,
// seq). At most one canonical event exists per identity.
type Identity struct {
	ForwarderID string
	ReaderIP    string
	StreamEpoch int64
	Seq         int64
}

func (id Identity) String() string {
	return fmt.Sprintf("%s/%s@%d#%d", id.ForwarderID, id.ReaderIP, id.StreamEpoch, id.Seq)
}

// Event is a canonical chip-read row once it has been assigned to a stream.
type Event struct {
	StreamID        StreamID
	ForwarderID     string
	ReaderIP        string
	StreamEpoch     int64
	Seq             int64
	ReaderTimestamp string
	RawReadLine     string
	ReadType        ReadType
}

// Identity returns the natural event identity for e.
func (e Event) Identity() Identity {
	return Identity{ForwarderID: e.ForwarderID, ReaderIP: e.ReaderIP, StreamEpoch: e.StreamEpoch, Seq: e.Seq}
}

// SamePayload reports whether e and other carry byte-identical payloads for
// the same identity, used to distinguish a retransmit from an integrity
// conflict.
func (e Event) SamePayload(other Event) bool {
	return e.ReaderTimestamp == other.ReaderTimestamp &&
		e.RawReadLine == other.RawReadLine &&
		e.ReadType == other.ReadType
}

// Target identifies a concrete (stream, epoch) pair that a receiver
// selection resolves to.
type Target struct {
	StreamID    StreamID
	StreamEpoch int64
}
