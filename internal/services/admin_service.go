package services

import (
	"fmt"
	"sort"
	"time"

	"github.com/perceptlab/audiorating/internal/models"
)

// AdminStore abstracts persistence for the researcher-facing operations.
type AdminStore interface {
	GetStudyByNameShort(nameShort string) (*models.Study, error)
	ListStudies() ([]*models.Study, error)
	ListStudySongs(studyID string) ([]*StudySong, error)
	ListStudyDimensions(studyID string) ([]*models.RatingDimension, error)
	ListStudyParticipantIDs(studyID string) ([]string, error)
	ParticipantActivity(studyID string) ([]*ParticipantActivity, error)
	GetParticipant(id string) (*models.Participant, error)
	InsertParticipant(p *models.Participant) error
	HasStudyParticipant(studyID, participantID string) (bool, error)
	LinkStudyParticipant(link *models.StudyParticipantLink) error
	UnlinkStudyParticipant(studyID, participantID string) (bool, error)
	PurgeStudy(studyID string) (*PurgeResult, error)
}

// PurgeResult reports what an operator-triggered study purge removed. Shared
// Song and Participant rows are preserved; only links go away.
type PurgeResult struct {
	NameShort        string `json:"name_short"`
	Segments         int    `json:"segments_deleted"`
	Ratings          int    `json:"ratings_deleted"`
	SongLinks        int    `json:"song_links_deleted"`
	ParticipantLinks int    `json:"participant_links_deleted"`
	Dimensions       int    `json:"dimensions_deleted"`
}

// StudyStats is the per-study dashboard aggregate.
type StudyStats struct {
	NameShort             string                 `json:"name_short"`
	Name                  string                 `json:"name"`
	AllowUnlisted         bool                   `json:"allow_unlisted_participants"`
	DataCollectionStart   time.Time              `json:"data_collection_start"`
	DataCollectionEnd     time.Time              `json:"data_collection_end"`
	SongCount             int                    `json:"song_count"`
	Dimensions            []DimensionView        `json:"rating_dimensions"`
	PreListedParticipants int                    `json:"pre_listed_participants"`
	ActiveParticipants    int                    `json:"active_participants"`
	CompletedParticipants int                    `json:"completed_participants"`
	ExpectedRatings       int                    `json:"expected_ratings_per_participant"`
	Coverage              float64                `json:"coverage"`
	Participants          []*ParticipantActivity `json:"participants"`
}

// RosterEntry is one row of the paginated participant roster.
type RosterEntry struct {
	ParticipantID   string    `json:"participant_id"`
	PreListed       bool      `json:"pre_listed"`
	RatingCount     int       `json:"rating_count"`
	SegmentCount    int       `json:"segment_count"`
	ExpectedRatings int       `json:"expected_ratings"`
	Completed       bool      `json:"completed"`
	LastActivity    time.Time `json:"last_activity"`
}

// RosterPage is a skip/limit window over the roster.
type RosterPage struct {
	NameShort string         `json:"name_short"`
	Total     int            `json:"total"`
	Skip      int            `json:"skip"`
	Limit     int            `json:"limit"`
	Entries   []*RosterEntry `json:"participants"`
}

// AssignmentOutcome reports what happened per requested participant ID.
type AssignmentOutcome struct {
	ParticipantID string `json:"participant_id"`
	Outcome       string `json:"outcome"` // created | linked | already_linked
}

// AdminService hosts read-only aggregation plus participant management and
// the destructive study purge.
type AdminService struct {
	store AdminStore
	now   func() time.Time
}

func NewAdminService(store AdminStore) *AdminService {
	return &AdminService{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Stats aggregates the dashboard view across all studies. Purely derived, no
// writes.
func (s *AdminService) Stats() ([]*StudyStats, error) {
	studies, err := s.store.ListStudies()
	if err != nil {
		return nil, err
	}
	out := make([]*StudyStats, 0, len(studies))
	for _, study := range studies {
		st, err := s.studyStats(study)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *AdminService) studyStats(study *models.Study) (*StudyStats, error) {
	songs, err := s.store.ListStudySongs(study.ID)
	if err != nil {
		return nil, err
	}
	dims, err := s.store.ListStudyDimensions(study.ID)
	if err != nil {
		return nil, err
	}
	listed, err := s.store.ListStudyParticipantIDs(study.ID)
	if err != nil {
		return nil, err
	}
	activity, err := s.store.ParticipantActivity(study.ID)
	if err != nil {
		return nil, err
	}

	expected := len(songs) * len(dims)
	completed := 0
	known := map[string]bool{}
	for _, pid := range listed {
		known[pid] = true
	}
	for _, a := range activity {
		known[a.ParticipantID] = true
		if expected > 0 && a.RatingCount >= expected {
			completed++
		}
	}
	coverage := 0.0
	if len(known) > 0 {
		coverage = float64(completed) / float64(len(known))
	}

	dimViews := make([]DimensionView, 0, len(dims))
	for _, d := range dims {
		dimViews = append(dimViews, DimensionView{
			DimensionTitle: d.DimensionTitle,
			NumValues:      d.NumValues,
			DimensionOrder: d.DimensionOrder,
			MinimalValue:   d.MinimalValue,
			DefaultValue:   d.DefaultValue,
			Description:    d.Description,
		})
	}

	return &StudyStats{
		NameShort:             study.NameShort,
		Name:                  study.Name,
		AllowUnlisted:         study.AllowUnlistedParticipants,
		DataCollectionStart:   study.DataCollectionStart,
		DataCollectionEnd:     study.DataCollectionEnd,
		SongCount:             len(songs),
		Dimensions:            dimViews,
		PreListedParticipants: len(listed),
		ActiveParticipants:    len(activity),
		CompletedParticipants: completed,
		ExpectedRatings:       expected,
		Coverage:              coverage,
		Participants:          activity,
	}, nil
}

// Roster returns a paginated participant listing with completion stats. The
// roster is the union of pre-listed participants and anyone who has rated.
func (s *AdminService) Roster(nameShort string, skip, limit int) (*RosterPage, error) {
	study, err := s.requireStudy(nameShort)
	if err != nil {
		return nil, err
	}
	if skip < 0 {
		return nil, NewInvalidError("skip cannot be negative")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	songs, err := s.store.ListStudySongs(study.ID)
	if err != nil {
		return nil, err
	}
	dims, err := s.store.ListStudyDimensions(study.ID)
	if err != nil {
		return nil, err
	}
	listed, err := s.store.ListStudyParticipantIDs(study.ID)
	if err != nil {
		return nil, err
	}
	activity, err := s.store.ParticipantActivity(study.ID)
	if err != nil {
		return nil, err
	}

	expected := len(songs) * len(dims)
	byID := map[string]*RosterEntry{}
	for _, pid := range listed {
		byID[pid] = &RosterEntry{ParticipantID: pid, PreListed: true, ExpectedRatings: expected}
	}
	for _, a := range activity {
		e, ok := byID[a.ParticipantID]
		if !ok {
			e = &RosterEntry{ParticipantID: a.ParticipantID, ExpectedRatings: expected}
			byID[a.ParticipantID] = e
		}
		e.RatingCount = a.RatingCount
		e.SegmentCount = a.SegmentCount
		e.LastActivity = a.LastActivity
		e.Completed = expected > 0 && a.RatingCount >= expected
	}

	ids := make([]string, 0, len(byID))
	for pid := range byID {
		ids = append(ids, pid)
	}
	sort.Strings(ids)

	page := &RosterPage{NameShort: nameShort, Total: len(ids), Skip: skip, Limit: limit, Entries: []*RosterEntry{}}
	for i := skip; i < len(ids) && len(page.Entries) < limit; i++ {
		page.Entries = append(page.Entries, byID[ids[i]])
	}
	return page, nil
}

// AssignParticipants pre-lists participant IDs on a study. With mustBeNew
// set, any ID that already exists anywhere in the database is a conflict and
// nothing is written.
func (s *AdminService) AssignParticipants(nameShort string, participantIDs []string, mustBeNew bool) ([]*AssignmentOutcome, error) {
	study, err := s.requireStudy(nameShort)
	if err != nil {
		return nil, err
	}
	if len(participantIDs) == 0 {
		return nil, NewInvalidError("participant_ids cannot be empty")
	}
	seen := map[string]bool{}
	for _, pid := range participantIDs {
		if pid == "" {
			return nil, NewInvalidError("participant_ids contains an empty entry")
		}
		if seen[pid] {
			return nil, NewInvalidError(fmt.Sprintf("duplicate participant id %q in request", pid))
		}
		seen[pid] = true
	}

	if mustBeNew {
		for _, pid := range participantIDs {
			existing, err := s.store.GetParticipant(pid)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				return nil, NewConflictError(fmt.Sprintf("participant %q already exists", pid))
			}
		}
	}

	out := make([]*AssignmentOutcome, 0, len(participantIDs))
	for _, pid := range participantIDs {
		existing, err := s.store.GetParticipant(pid)
		if err != nil {
			return nil, err
		}
		outcome := "linked"
		if existing == nil {
			if err := s.store.InsertParticipant(&models.Participant{ID: pid, CreatedAt: s.now()}); err != nil {
				return nil, err
			}
			outcome = "created"
		}
		linked, err := s.store.HasStudyParticipant(study.ID, pid)
		if err != nil {
			return nil, err
		}
		if linked {
			outcome = "already_linked"
		} else {
			if err := s.store.LinkStudyParticipant(&models.StudyParticipantLink{StudyID: study.ID, ParticipantID: pid}); err != nil {
				return nil, err
			}
		}
		out = append(out, &AssignmentOutcome{ParticipantID: pid, Outcome: outcome})
	}
	return out, nil
}

// UnassignParticipant removes a participant's study link. The participant
// record itself is retained.
func (s *AdminService) UnassignParticipant(nameShort, participantID string) error {
	study, err := s.requireStudy(nameShort)
	if err != nil {
		return err
	}
	removed, err := s.store.UnlinkStudyParticipant(study.ID, participantID)
	if err != nil {
		return err
	}
	if !removed {
		return NewNotFoundError(fmt.Sprintf("participant %q is not assigned to study %q", participantID, nameShort))
	}
	return nil
}

// PurgeStudy destructively removes all data belonging to one study while
// preserving shared Song and Participant rows.
func (s *AdminService) PurgeStudy(nameShort string) (*PurgeResult, error) {
	study, err := s.requireStudy(nameShort)
	if err != nil {
		return nil, err
	}
	res, err := s.store.PurgeStudy(study.ID)
	if err != nil {
		return nil, err
	}
	res.NameShort = nameShort
	return res, nil
}

func (s *AdminService) requireStudy(nameShort string) (*models.Study, error) {
	study, err := s.store.GetStudyByNameShort(nameShort)
	if err != nil {
		return nil, err
	}
	if study == nil {
		return nil, NewNotFoundError(fmt.Sprintf("study %q not found", nameShort))
	}
	return study, nil
}
