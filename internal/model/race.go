package model

// Race is used for name resolution and for selection-by-race. A stream can
// be mapped to different races in different epochs via EpochMapping.
type Race struct {
	RaceID       RaceID
	Name         string
	Participants []Participant
	Bibchips     []Bibchip
}

// Participant is a race entrant.
type Participant struct {
	ParticipantID string
	Name          string
	Team          string
}

// Bibchip maps a bib number to a chip identifier for a race.
type Bibchip struct {
	Bib  string
	Chip string
}

// EpochMapping records that (StreamID, StreamEpoch) carries race RaceID.
// Rows may exist before any event is persisted at that epoch ("pre-created
// next epoch").
type EpochMapping struct {
	StreamID    StreamID
	StreamEpoch int64
	RaceID      RaceID
}
