package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/perceptlab/audiorating/internal/models"
)

// SegmentInput is one submitted segment. Start/end are seconds into the
// song; start <= end is expected but deliberately not enforced server-side.
type SegmentInput struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Value int     `json:"value"`
}

// SubmissionRequest is the participant-facing submission body. Timestamp
// stays a string until the service has verified it carries timezone
// information.
type SubmissionRequest struct {
	Timestamp string                    `json:"timestamp"`
	Ratings   map[string][]SegmentInput `json:"ratings"`
}

// DimensionSegments is the per-dimension slice of a submission handed to the
// store in submitted order.
type DimensionSegments struct {
	RatingName string
	Segments   []SegmentInput
}

// SubmissionSet is the unit of transactional persistence: everything in it
// is committed atomically or not at all.
type SubmissionSet struct {
	ParticipantID string
	StudyID       string
	SongID        string
	Timestamp     time.Time
	Dimensions    []DimensionSegments
}

// SubmissionOutcome reports what the store did per dimension.
type SubmissionOutcome struct {
	ParticipantID  string            `json:"participant_id"`
	RatingsCreated int               `json:"ratings_created"`
	RatingsUpdated int               `json:"ratings_updated"`
	SegmentsSaved  int               `json:"segments_saved"`
	Dimensions     map[string]string `json:"dimensions"` // dimension -> "created"|"updated"
}

// SegmentView mirrors SegmentInput on the way out.
type SegmentView struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Value int     `json:"value"`
}

// RatingView is one stored rating with its ordered segments.
type RatingView struct {
	Timestamp time.Time     `json:"timestamp"`
	CreatedAt time.Time     `json:"created_at"`
	Segments  []SegmentView `json:"segments"`
}

// RatingsResult groups a participant's ratings for one song by dimension
// name. An empty map is a valid result, not an error.
type RatingsResult struct {
	ParticipantID string                 `json:"participant_id"`
	StudyName     string                 `json:"study_name_short"`
	SongIndex     int                    `json:"song_index"`
	Ratings       map[string]*RatingView `json:"ratings"`
}

// RatingStore abstracts persistence for the submission engine. SaveSubmission
// must be atomic: the participant row is created lazily and every dimension's
// delete-then-recreate runs in one transaction.
type RatingStore interface {
	GetStudySongByIndex(studyID string, songIndex int) (*models.Song, error)
	ListStudyDimensions(studyID string) ([]*models.RatingDimension, error)
	SaveSubmission(set *SubmissionSet) (*SubmissionOutcome, error)
	ListRatings(participantID, studyID, songID string) ([]*models.Rating, map[string][]*models.RatingSegment, error)
}

// RatingService implements rating submission, versioning and retrieval
// behind the access gate.
type RatingService struct {
	gate  *AccessGate
	store RatingStore
}

func NewRatingService(gate *AccessGate, store RatingStore) *RatingService {
	return &RatingService{gate: gate, store: store}
}

// Submit upserts one rating per submitted dimension for the resolved
// (participant, study, song) tuple. Re-submission replaces all prior
// segments of a dimension with exactly the new set.
func (s *RatingService) Submit(nameShort, participantID string, songIndex int, req *SubmissionRequest) (*SubmissionOutcome, error) {
	study, err := s.gate.AuthorizeParticipant(nameShort, participantID)
	if err != nil {
		return nil, err
	}
	song, err := s.store.GetStudySongByIndex(study.ID, songIndex)
	if err != nil {
		return nil, err
	}
	if song == nil {
		// Songs are fixed at seeding time; an unknown index on a valid study
		// is a misconfigured client, not a reason to auto-link.
		return nil, NewForbiddenError(fmt.Sprintf("song index %d is not part of study %q", songIndex, nameShort))
	}
	if req == nil {
		return nil, NewInvalidError("request body required")
	}
	ts, err := parseClientTimestamp(req.Timestamp)
	if err != nil {
		return nil, err
	}
	dims, err := s.validateDimensions(study, req.Ratings)
	if err != nil {
		return nil, err
	}

	outcome, err := s.store.SaveSubmission(&SubmissionSet{
		ParticipantID: participantID,
		StudyID:       study.ID,
		SongID:        song.ID,
		Timestamp:     ts,
		Dimensions:    dims,
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// Get returns the participant's stored ratings for one song grouped by
// dimension. Missing participant or ratings yield an empty result.
func (s *RatingService) Get(nameShort, participantID string, songIndex int) (*RatingsResult, error) {
	study, err := s.gate.AuthorizeParticipant(nameShort, participantID)
	if err != nil {
		return nil, err
	}
	song, err := s.store.GetStudySongByIndex(study.ID, songIndex)
	if err != nil {
		return nil, err
	}
	if song == nil {
		return nil, NewNotFoundError(fmt.Sprintf("song index %d not found in study %q", songIndex, nameShort))
	}
	ratings, segments, err := s.store.ListRatings(participantID, study.ID, song.ID)
	if err != nil {
		return nil, err
	}
	result := &RatingsResult{
		ParticipantID: participantID,
		StudyName:     nameShort,
		SongIndex:     songIndex,
		Ratings:       map[string]*RatingView{},
	}
	for _, r := range ratings {
		view := &RatingView{Timestamp: r.Timestamp, CreatedAt: r.CreatedAt, Segments: []SegmentView{}}
		for _, seg := range segments[r.ID] {
			view.Segments = append(view.Segments, SegmentView{Start: seg.StartTime, End: seg.EndTime, Value: seg.Value})
		}
		result.Ratings[r.RatingName] = view
	}
	return result, nil
}

func (s *RatingService) validateDimensions(study *models.Study, ratings map[string][]SegmentInput) ([]DimensionSegments, error) {
	if len(ratings) == 0 {
		return nil, NewInvalidError("ratings mapping cannot be empty")
	}
	configured, err := s.store.ListStudyDimensions(study.ID)
	if err != nil {
		return nil, err
	}
	known := make(map[string]*models.RatingDimension, len(configured))
	for _, d := range configured {
		known[d.DimensionTitle] = d
	}
	// Deterministic dimension order keeps store writes and outcomes stable.
	dims := make([]DimensionSegments, 0, len(ratings))
	for _, d := range configured {
		segs, ok := ratings[d.DimensionTitle]
		if !ok {
			continue
		}
		if len(segs) == 0 {
			return nil, NewInvalidError(fmt.Sprintf("dimension %q has no segments; a rating needs at least one", d.DimensionTitle))
		}
		dims = append(dims, DimensionSegments{RatingName: d.DimensionTitle, Segments: segs})
	}
	for name := range ratings {
		if _, ok := known[name]; !ok {
			return nil, NewNotFoundError(fmt.Sprintf("dimension %q is not configured for study %q", name, study.NameShort))
		}
	}
	return dims, nil
}

// parseClientTimestamp accepts only timezone-aware ISO 8601 instants and
// normalizes them to UTC.
func parseClientTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, NewInvalidError("timestamp is required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04:05.999999999"} {
		if _, err := time.Parse(layout, raw); err == nil {
			return time.Time{}, NewInvalidError(fmt.Sprintf("timestamp %q must include timezone information", raw))
		}
	}
	return time.Time{}, NewInvalidError(fmt.Sprintf("timestamp %q is not a valid ISO 8601 instant", raw))
}
