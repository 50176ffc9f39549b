package wire

import (
	"encoding/json"
	"fmt"

	"racetiming/ipicoforward/internal/model"
)

// Kind discriminates the closed set of wire message variants. Every message
// is a JSON object carrying this field; unknown kinds are a PROTOCOL_ERROR.
type Kind string

const (
	KindForwarderHello           Kind = "forwarder_hello"
	KindReceiverHello            Kind = "receiver_hello"
	KindReceiverSetSelection     Kind = "receiver_set_selection"
	KindReceiverSelectionApplied Kind = "receiver_selection_applied"
	KindForwarderEventBatch      Kind = "forwarder_event_batch"
	KindReceiverEventBatch       Kind = "receiver_event_batch"
	KindForwarderAck             Kind = "forwarder_ack"
	KindReceiverAck              Kind = "receiver_ack"
	KindReceiverSubscribe        Kind = "receiver_subscribe"
	KindEpochResetCommand        Kind = "epoch_reset_command"
	KindHeartbeat                Kind = "heartbeat"
	KindError                    Kind = "error"
)

// ResumeCursor is one entry of a forwarder_hello's resume list: the
// watermark a forwarder last had acknowledged for one of its readers.
type ResumeCursor struct {
	ReaderIP     string `json:"reader_ip"`
	StreamEpoch  int64  `json:"stream_epoch"`
	LastAckedSeq int64  `json:"last_acked_seq"`
}

// ReadEvent is the wire representation of a single chip read, used both in
// forwarder_event_batch (pre-dedup) and receiver_event_batch (canonical).
type ReadEvent struct {
	ForwarderID     string         `json:"forwarder_id"`
	ReaderIP        string         `json:"reader_ip"`
	StreamEpoch     int64          `json:"stream_epoch"`
	Seq             int64          `json:"seq"`
	ReaderTimestamp string         `json:"reader_timestamp"`
	RawReadLine     string         `json:"raw_read_line"`
	ReadType        model.ReadType `json:"read_type"`
}

// AckEntry is a high-water mark: every event with seq <= LastSeq on
// (forwarder_id/stream_id, reader_ip, stream_epoch) is acknowledged.
type AckEntry struct {
	ForwarderID string `json:"forwarder_id"`
	ReaderIP    string `json:"reader_ip"`
	StreamEpoch int64  `json:"stream_epoch"`
	LastSeq     int64  `json:"last_seq"`
}

// ForwarderHello opens a forwarder uplink session. It precedes any event
// batch from the same session.
type ForwarderHello struct {
	Kind        Kind           `json:"kind"`
	ForwarderID string         `json:"forwarder_id"`
	ReaderIPs   []string       `json:"reader_ips"`
	Resume      []ResumeCursor `json:"resume"`
}

// NewForwarderHello builds a ForwarderHello with the kind tag populated.
func NewForwarderHello(forwarderID string, readerIPs []string, resume []ResumeCursor) ForwarderHello {
	return ForwarderHello{Kind: KindForwarderHello, ForwarderID: forwarderID, ReaderIPs: readerIPs, Resume: resume}
}

// ReceiverHello opens a receiver session with its persisted selection.
type ReceiverHello struct {
	Kind          Kind                 `json:"kind"`
	ReceiverID    string               `json:"receiver_id"`
	Selection     model.Selection      `json:"selection"`
	ReplayPolicy  model.ReplayPolicy   `json:"replay_policy"`
	ReplayTargets []model.ReplayTarget `json:"replay_targets,omitempty"`
}

// NewReceiverHello builds a ReceiverHello with the kind tag populated.
func NewReceiverHello(receiverID string, sel model.Selection, policy model.ReplayPolicy, targets []model.ReplayTarget) ReceiverHello {
	return ReceiverHello{Kind: KindReceiverHello, ReceiverID: receiverID, Selection: sel, ReplayPolicy: policy, ReplayTargets: targets}
}

// ReceiverSetSelection updates a live session's selection. Only available
// on /ws/v1.1/receivers.
type ReceiverSetSelection struct {
	Kind          Kind                 `json:"kind"`
	SessionID     string               `json:"session_id"`
	Selection     model.Selection      `json:"selection"`
	ReplayPolicy  model.ReplayPolicy   `json:"replay_policy"`
	ReplayTargets []model.ReplayTarget `json:"replay_targets,omitempty"`
}

// NewReceiverSetSelection builds a ReceiverSetSelection with the kind tag populated.
func NewReceiverSetSelection(sessionID string, sel model.Selection, policy model.ReplayPolicy, targets []model.ReplayTarget) ReceiverSetSelection {
	return ReceiverSetSelection{Kind: KindReceiverSetSelection, SessionID: sessionID, Selection: sel, ReplayPolicy: policy, ReplayTargets: targets}
}

// TargetRef names a resolved (stream_id, stream_epoch) pair on the wire.
type TargetRef struct {
	StreamID    model.StreamID `json:"stream_id"`
	StreamEpoch int64          `json:"stream_epoch"`
}

// ReceiverSelectionApplied is published after every membership
// recomputation (selection update, mapping update, epoch advance). A
// session observes this strictly before any batch belonging exclusively to
// the new target set.
type ReceiverSelectionApplied struct {
	Kind      Kind        `json:"kind"`
	SessionID string      `json:"session_id"`
	Targets   []TargetRef `json:"targets"`
}

// NewReceiverSelectionApplied builds the applied-selection snapshot message.
func NewReceiverSelectionApplied(sessionID string, targets []TargetRef) ReceiverSelectionApplied {
	return ReceiverSelectionApplied{Kind: KindReceiverSelectionApplied, SessionID: sessionID, Targets: targets}
}

// ForwarderEventBatch carries a batch of reads the forwarder has journaled
// but not yet had acknowledged, tagged with an opaque logging-only batch id.
type ForwarderEventBatch struct {
	Kind      Kind        `json:"kind"`
	SessionID string      `json:"session_id"`
	BatchID   string      `json:"batch_id"`
	Events    []ReadEvent `json:"events"`
}

// ReceiverEventBatch carries canonical events fanned out to one receiver
// session, in delivery order.
type ReceiverEventBatch struct {
	Kind      Kind        `json:"kind"`
	SessionID string      `json:"session_id"`
	Events    []ReadEvent `json:"events"`
}

// NewReceiverEventBatch builds a receiver_event_batch message.
func NewReceiverEventBatch(sessionID string, events []ReadEvent) ReceiverEventBatch {
	return ReceiverEventBatch{Kind: KindReceiverEventBatch, SessionID: sessionID, Events: events}
}

// ForwarderAck acknowledges one or more (stream, epoch) high-water marks
// from the server back to a forwarder session.
type ForwarderAck struct {
	Kind      Kind       `json:"kind"`
	SessionID string     `json:"session_id"`
	Entries   []AckEntry `json:"entries"`
}

// NewForwarderAck builds a forwarder_ack message.
func NewForwarderAck(sessionID string, entries []AckEntry) ForwarderAck {
	return ForwarderAck{Kind: KindForwarderAck, SessionID: sessionID, Entries: entries}
}

// ReceiverAck acknowledges durable local-buffer acceptance of a
// receiver_event_batch.
type ReceiverAck struct {
	Kind      Kind       `json:"kind"`
	SessionID string     `json:"session_id"`
	Entries   []AckEntry `json:"entries"`
}

// NewReceiverAck builds a receiver_ack message.
func NewReceiverAck(sessionID string, entries []AckEntry) ReceiverAck {
	return ReceiverAck{Kind: KindReceiverAck, SessionID: sessionID, Entries: entries}
}

// ReceiverSubscribe adds streams to a receiver's Manual selection. Additive
// only; there is no unsubscribe.
type ReceiverSubscribe struct {
	Kind      Kind             `json:"kind"`
	SessionID string           `json:"session_id"`
	Streams   []model.StreamRef `json:"streams"`
}

// EpochResetCommand instructs a forwarder session to bump the in-memory
// epoch for one reader.
type EpochResetCommand struct {
	Kind         Kind   `json:"kind"`
	SessionID    string `json:"session_id"`
	ForwarderID  string `json:"forwarder_id"`
	ReaderIP     string `json:"reader_ip"`
	NewStreamEpoch int64 `json:"new_stream_epoch"`
}

// NewEpochResetCommand builds an epoch_reset_command message.
func NewEpochResetCommand(sessionID, forwarderID, readerIP string, newEpoch int64) EpochResetCommand {
	return EpochResetCommand{Kind: KindEpochResetCommand, SessionID: sessionID, ForwarderID: forwarderID, ReaderIP: readerIP, NewStreamEpoch: newEpoch}
}

// Heartbeat is exchanged bidirectionally every 30s; three misses (90s)
// declare the peer dead. The first heartbeat after the handshake carries
// the server-assigned session_id and authoritative device_id.
type Heartbeat struct {
	Kind      Kind   `json:"kind"`
	SessionID string `json:"session_id"`
	DeviceID  string `json:"device_id"`
}

// NewHeartbeat builds a heartbeat message.
func NewHeartbeat(sessionID, deviceID string) Heartbeat {
	return Heartbeat{Kind: KindHeartbeat, SessionID: sessionID, DeviceID: deviceID}
}

// ErrorMessage is the session-fatal (unless Retryable) error variant.
type ErrorMessage struct {
	Kind      Kind   `json:"kind"`
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// NewErrorMessage builds an error message from a Go error, deriving the
// wire code and retryability from the sentinel it wraps.
func NewErrorMessage(err error) ErrorMessage {
	code := CodeOf(err)
	return ErrorMessage{Kind: KindError, Code: code, Message: err.Error(), Retryable: code.Retryable()}
}

type peekEnvelope struct {
	Kind Kind `json:"kind"`
}

// PeekKind extracts the discriminator from a raw frame without decoding the
// rest of the payload.
func PeekKind(data []byte) (Kind, error) {
	var env peekEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrProtocolError, err)
	}
	if env.Kind == "" {
		return "", fmt.Errorf("%w: missing kind", ErrProtocolError)
	}
	return env.Kind, nil
}

// Decode dispatches a raw frame to its concrete message type by kind. This
// is the closed tagged-variant dispatcher: any kind outside the set above is
// a PROTOCOL_ERROR.
func Decode(data []byte) (any, error) {
	kind, err := PeekKind(data)
	if err != nil {
		return nil, err
	}
	var target any
	switch kind {
	case KindForwarderHello:
		target = &ForwarderHello{}
	case KindReceiverHello:
		target = &ReceiverHello{}
	case KindReceiverSetSelection:
		target = &ReceiverSetSelection{}
	case KindReceiverSelectionApplied:
		target = &ReceiverSelectionApplied{}
	case KindForwarderEventBatch:
		target = &ForwarderEventBatch{}
	case KindReceiverEventBatch:
		target = &ReceiverEventBatch{}
	case KindForwarderAck:
		target = &ForwarderAck{}
	case KindReceiverAck:
		target = &ReceiverAck{}
	case KindReceiverSubscribe:
		target = &ReceiverSubscribe{}
	case KindEpochResetCommand:
		target = &EpochResetCommand{}
	case KindHeartbeat:
		target = &Heartbeat{}
	case KindError:
		target = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrProtocolError, kind)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolError, err)
	}
	return target, nil
}

// Marshal is a thin alias over json.Marshal kept local so call sites never
// import encoding/json directly just to send a frame.
func Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}
