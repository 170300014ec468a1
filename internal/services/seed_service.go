package services

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/perceptlab/audiorating/internal/models"
	"github.com/perceptlab/audiorating/internal/studycfg"
)

// SeedStore abstracts persistence for the one-shot config bootstrap.
type SeedStore interface {
	GetStudyByNameShort(nameShort string) (*models.Study, error)
	InsertStudy(study *models.Study) error
	GetParticipant(id string) (*models.Participant, error)
	InsertParticipant(p *models.Participant) error
	HasStudyParticipant(studyID, participantID string) (bool, error)
	LinkStudyParticipant(link *models.StudyParticipantLink) error
	GetSongByMediaURL(mediaURL string) (*models.Song, error)
	InsertSong(song *models.Song) error
	HasStudySong(studyID, songID string) (bool, error)
	LinkStudySong(link *models.StudySongLink) error
	InsertDimension(dim *models.RatingDimension) error

	ListStudies() ([]*models.Study, error)
	ListStudySongs(studyID string) ([]*StudySong, error)
	ListStudyDimensions(studyID string) ([]*models.RatingDimension, error)
	ListStudyParticipantIDs(studyID string) ([]string, error)
	ParticipantActivity(studyID string) ([]*ParticipantActivity, error)
}

// ParticipantActivity aggregates one participant's progress within a study.
type ParticipantActivity struct {
	ParticipantID string    `json:"participant_id"`
	RatingCount   int       `json:"rating_count"`
	SegmentCount  int       `json:"segment_count"`
	LastActivity  time.Time `json:"last_activity"`
}

// SeedService materializes validated study definitions into the database.
// Studies already present by name_short are left untouched: this is a
// bootstrap, not a sync.
type SeedService struct {
	store           SeedStore
	log             *zap.Logger
	frontendBaseURL string
	now             func() time.Time
	idGen           func() string
}

func NewSeedService(store SeedStore, log *zap.Logger, frontendBaseURL string) *SeedService {
	return &SeedService{
		store:           store,
		log:             log,
		frontendBaseURL: frontendBaseURL,
		now:             func() time.Time { return time.Now().UTC() },
		idGen:           uuid.NewString,
	}
}

// Seed reconciles the config against persisted state and returns the number
// of studies created.
func (s *SeedService) Seed(cfg *studycfg.StudiesConfig) (int, error) {
	created := 0
	for _, def := range cfg.Studies {
		existing, err := s.store.GetStudyByNameShort(def.NameShort)
		if err != nil {
			return created, err
		}
		if existing != nil {
			s.log.Info("study already exists, leaving untouched", zap.String("study", def.NameShort))
			continue
		}
		if err := s.createStudy(&def); err != nil {
			return created, fmt.Errorf("seed study %q: %w", def.NameShort, err)
		}
		created++
	}
	return created, nil
}

func (s *SeedService) createStudy(def *studycfg.StudyDef) error {
	study := &models.Study{
		ID:                        s.idGen(),
		NameShort:                 def.NameShort,
		Name:                      def.Name,
		Description:               def.Description,
		AllowUnlistedParticipants: def.AllowUnlistedParticipants,
		DataCollectionStart:       def.DataCollectionStart,
		DataCollectionEnd:         def.DataCollectionEnd,
		CreatedAt:                 s.now(),
	}
	if err := s.store.InsertStudy(study); err != nil {
		return err
	}
	s.log.Info("creating study",
		zap.String("study", def.NameShort),
		zap.Int("songs", len(def.SongsToRate)),
		zap.Int("dimensions", len(def.RatingDimensions)),
		zap.Int("pre_listed_participants", len(def.StudyParticipantIDs)))

	for _, pid := range def.StudyParticipantIDs {
		existing, err := s.store.GetParticipant(pid)
		if err != nil {
			return err
		}
		if existing == nil {
			if err := s.store.InsertParticipant(&models.Participant{ID: pid, CreatedAt: s.now()}); err != nil {
				return err
			}
			s.log.Info("created pre-listed participant", zap.String("participant", pid))
		}
		linked, err := s.store.HasStudyParticipant(study.ID, pid)
		if err != nil {
			return err
		}
		if !linked {
			if err := s.store.LinkStudyParticipant(&models.StudyParticipantLink{StudyID: study.ID, ParticipantID: pid}); err != nil {
				return err
			}
		}
	}

	for idx, sd := range def.SongsToRate {
		song, err := s.store.GetSongByMediaURL(sd.MediaURL)
		if err != nil {
			return err
		}
		if song == nil {
			song = &models.Song{
				ID:          s.idGen(),
				MediaURL:    sd.MediaURL,
				DisplayName: sd.DisplayName,
				Description: sd.Description,
			}
			if err := s.store.InsertSong(song); err != nil {
				return err
			}
			s.log.Info("created song", zap.String("media_url", sd.MediaURL))
		}
		linked, err := s.store.HasStudySong(study.ID, song.ID)
		if err != nil {
			return err
		}
		if !linked {
			if err := s.store.LinkStudySong(&models.StudySongLink{StudyID: study.ID, SongID: song.ID, SongIndex: idx}); err != nil {
				return err
			}
		}
	}

	for idx, dd := range def.RatingDimensions {
		dim := &models.RatingDimension{
			ID:             s.idGen(),
			StudyID:        study.ID,
			DimensionTitle: dd.DimensionTitle,
			NumValues:      dd.NumValues,
			DimensionOrder: idx,
			MinimalValue:   dd.MinimalValue,
			DefaultValue:   dd.DefaultValue,
			Description:    dd.Description,
		}
		if err := s.store.InsertDimension(dim); err != nil {
			return err
		}
	}
	return nil
}

// ReportContents logs a structured summary of the database: per-study songs,
// dimensions and, for closed studies, pre-listed participants who have not
// yet completed every expected rating, with an invitation link each.
func (s *SeedService) ReportContents() error {
	studies, err := s.store.ListStudies()
	if err != nil {
		return err
	}
	s.log.Info("database summary", zap.Int("studies", len(studies)))
	for _, study := range studies {
		songs, err := s.store.ListStudySongs(study.ID)
		if err != nil {
			return err
		}
		dims, err := s.store.ListStudyDimensions(study.ID)
		if err != nil {
			return err
		}
		songNames := make([]string, 0, len(songs))
		for _, sng := range songs {
			songNames = append(songNames, fmt.Sprintf("%s (%s)", sng.Song.DisplayName, sng.Song.MediaURL))
		}
		dimNames := make([]string, 0, len(dims))
		for _, d := range dims {
			dimNames = append(dimNames, fmt.Sprintf("%s (%d values)", d.DimensionTitle, d.NumValues))
		}
		s.log.Info("study",
			zap.String("name_short", study.NameShort),
			zap.Bool("allow_unlisted_participants", study.AllowUnlistedParticipants),
			zap.Time("data_collection_start", study.DataCollectionStart),
			zap.Time("data_collection_end", study.DataCollectionEnd),
			zap.Strings("songs", songNames),
			zap.Strings("dimensions", dimNames))

		if study.AllowUnlistedParticipants {
			continue
		}
		incomplete, err := s.incompleteParticipants(study, len(songs)*len(dims))
		if err != nil {
			return err
		}
		for _, pid := range incomplete {
			s.log.Info("participant has not completed all ratings",
				zap.String("study", study.NameShort),
				zap.String("participant", pid),
				zap.String("invitation_link", s.InvitationLink(study.NameShort, pid)))
		}
	}
	return nil
}

func (s *SeedService) incompleteParticipants(study *models.Study, expectedRatings int) ([]string, error) {
	listed, err := s.store.ListStudyParticipantIDs(study.ID)
	if err != nil {
		return nil, err
	}
	activity, err := s.store.ParticipantActivity(study.ID)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(activity))
	for _, a := range activity {
		counts[a.ParticipantID] = a.RatingCount
	}
	var out []string
	for _, pid := range listed {
		if counts[pid] < expectedRatings {
			out = append(out, pid)
		}
	}
	return out, nil
}

// InvitationLink builds the participant-facing entry URL for a study.
func (s *SeedService) InvitationLink(nameShort, participantID string) string {
	if s.frontendBaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s?pid=%s", s.frontendBaseURL, nameShort, participantID)
}
