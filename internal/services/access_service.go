package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/perceptlab/audiorating/internal/models"
)

// AccessStore abstracts the lookups the access gate needs.
type AccessStore interface {
	GetStudyByNameShort(nameShort string) (*models.Study, error)
	HasStudyParticipant(studyID, participantID string) (bool, error)
}

// AccessGate applies the participant-facing authorization rules: the study
// must exist, the current time must lie inside its data-collection window,
// and closed studies only admit pre-listed participants.
type AccessGate struct {
	store AccessStore
	now   func() time.Time
}

func NewAccessGate(store AccessStore) *AccessGate {
	return &AccessGate{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// ResolveStudy returns the study for a slug or a not-found error.
func (g *AccessGate) ResolveStudy(nameShort string) (*models.Study, error) {
	if strings.TrimSpace(nameShort) == "" {
		return nil, NewInvalidError("study name required")
	}
	study, err := g.store.GetStudyByNameShort(nameShort)
	if err != nil {
		return nil, err
	}
	if study == nil {
		return nil, NewNotFoundError(fmt.Sprintf("study %q not found", nameShort))
	}
	return study, nil
}

// AuthorizeParticipant runs the full gate for one (study, participant) pair
// and returns the study on success.
func (g *AccessGate) AuthorizeParticipant(nameShort, participantID string) (*models.Study, error) {
	study, err := g.ResolveStudy(nameShort)
	if err != nil {
		return nil, err
	}
	if err := g.checkWindow(study); err != nil {
		return nil, err
	}
	if err := g.checkParticipant(study, participantID); err != nil {
		return nil, err
	}
	return study, nil
}

func (g *AccessGate) checkWindow(study *models.Study) error {
	now := g.now()
	if now.Before(study.DataCollectionStart) {
		return NewForbiddenError(fmt.Sprintf("study %q is not yet open; data collection starts at %s",
			study.NameShort, study.DataCollectionStart.UTC().Format(time.RFC3339)))
	}
	if now.After(study.DataCollectionEnd) {
		return NewForbiddenError(fmt.Sprintf("study %q is closed; data collection ended at %s",
			study.NameShort, study.DataCollectionEnd.UTC().Format(time.RFC3339)))
	}
	return nil
}

func (g *AccessGate) checkParticipant(study *models.Study, participantID string) error {
	if strings.TrimSpace(participantID) == "" {
		return NewInvalidError("participant id required")
	}
	if study.AllowUnlistedParticipants {
		return nil
	}
	listed, err := g.store.HasStudyParticipant(study.ID, participantID)
	if err != nil {
		return err
	}
	if !listed {
		return NewForbiddenError(fmt.Sprintf("participant %q is not authorized for study %q", participantID, study.NameShort))
	}
	return nil
}
