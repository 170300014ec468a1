package models

import "time"

// Participant identifies a rater. IDs are externally supplied (pre-listed
// via config) or generated on first contact; no other PII is stored.
type Participant struct {
	ID        string
	CreatedAt time.Time
}

// Study is a configured research session with a fixed song set, rating
// dimensions and an active data-collection window.
type Study struct {
	ID                        string
	NameShort                 string // unique URL-safe slug
	Name                      string
	Description               string
	AllowUnlistedParticipants bool
	DataCollectionStart       time.Time
	DataCollectionEnd         time.Time
	CreatedAt                 time.Time
}

// Song is shared across studies; MediaURL acts as the natural key during
// seeding.
type Song struct {
	ID          string
	MediaURL    string
	DisplayName string
	Description string
}

// StudyParticipantLink authorizes a participant for a closed study.
type StudyParticipantLink struct {
	StudyID       string
	ParticipantID string
}

// StudySongLink assigns a song to a study at a participant-facing position.
type StudySongLink struct {
	StudyID   string
	SongID    string
	SongIndex int
}

// RatingDimension is one perceptual axis of a study (e.g. "valence").
type RatingDimension struct {
	ID             string
	StudyID        string
	DimensionTitle string
	NumValues      int // bounded integer range, 2..20
	DimensionOrder int
	MinimalValue   int
	DefaultValue   int
	Description    string
}

// Rating is the logical rating for one (participant, study, song, dimension)
// tuple. Timestamp is client-supplied and updated on re-submission; CreatedAt
// is server-assigned and immutable.
type Rating struct {
	ID            string
	ParticipantID string
	StudyID       string
	SongID        string
	RatingName    string
	Timestamp     time.Time
	CreatedAt     time.Time
}

// RatingSegment is one ordered piece of a rating. SegmentOrder is contiguous
// from 0 within its rating and mirrors the submitted array order.
type RatingSegment struct {
	ID           string
	RatingID     string
	StartTime    float64
	EndTime      float64
	Value        int
	SegmentOrder int
}
