package model

// EpochScope narrows a race selection to the stream's current epoch or to
// every epoch the race has ever been mapped to.
type EpochScope string

const (
	EpochScopeCurrent EpochScope = "current"
	EpochScopeAll     EpochScope = "all"
)

// ReplayPolicy controls how a receiver session treats its existing cursor
// on (re)connection.
type ReplayPolicy string

const (
	// ReplayPolicyResume is the default: the persisted cursor is honoured.
	ReplayPolicyResume ReplayPolicy = "resume"
	// ReplayPolicyLiveOnly initialises the in-memory cursor to the current
	// high-water mark at selection time and skips replay.
	ReplayPolicyLiveOnly ReplayPolicy = "live_only"
	// ReplayPolicyTargeted overlays a one-shot replay of ReplayTargets on
	// top of the cursor, then falls back to the ongoing selection.
	ReplayPolicyTargeted ReplayPolicy = "targeted"
)

// Valid reports whether p is a recognised replay policy.
func (p ReplayPolicy) Valid() bool {
	switch p {
	case ReplayPolicyResume, ReplayPolicyLiveOnly, ReplayPolicyTargeted:
		return true
	default:
		return false
	}
}

// SelectionKind discriminates the two ways a receiver can declare interest.
type SelectionKind string

const (
	SelectionKindManual SelectionKind = "manual"
	SelectionKindRace   SelectionKind = "race"
)

// StreamRef names one forwarder reader a Manual selection wants, with an
// optional preferred local re-emission port.
type StreamRef struct {
	ForwarderID string `json:"forwarder_id"`
	ReaderIP    string `json:"reader_ip"`
	LocalPort   int    `json:"local_port,omitempty"`
}

// ReplayTarget names one (stream, epoch) a targeted replay_policy should
// drain once, in seq order, before falling back to live selection.
type ReplayTarget struct {
	ForwarderID string `json:"forwarder_id"`
	ReaderIP    string `json:"reader_ip"`
	StreamEpoch int64  `json:"stream_epoch"`
}

// Selection is a receiver's declaration of what it wants to receive. It is
// resolved by the server into a concrete Target set.
type Selection struct {
	Kind       SelectionKind `json:"kind"`
	Streams    []StreamRef   `json:"streams,omitempty"`
	RaceID     RaceID        `json:"race_id,omitempty"`
	EpochScope EpochScope    `json:"epoch_scope,omitempty"`
}

// ManualSelection builds a Manual selection over the given stream refs.
func ManualSelection(streams ...StreamRef) Selection {
	return Selection{Kind: SelectionKindManual, Streams: streams}
}

// RaceSelection builds a Race selection scoped as requested.
func RaceSelection(raceID RaceID, scope EpochScope) Selection {
	return Selection{Kind: SelectionKindRace, RaceID: raceID, EpochScope: scope}
}
