// Package studycfg parses and validates study-definition files. The loader is
// the only producer of study records; the runtime never creates studies.
package studycfg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9_]{2,50}$`)

// SongDef is one validated song entry of a study definition.
type SongDef struct {
	MediaURL    string
	DisplayName string
	Description string
}

// DimensionDef is one validated rating axis of a study definition.
type DimensionDef struct {
	DimensionTitle string
	NumValues      int
	MinimalValue   int
	DefaultValue   int
	Description    string
}

// StudyDef is a fully validated study definition ready for seeding.
type StudyDef struct {
	Name                      string
	NameShort                 string
	Description               string
	SongsToRate               []SongDef
	RatingDimensions          []DimensionDef
	StudyParticipantIDs       []string
	AllowUnlistedParticipants bool
	DataCollectionStart       time.Time
	DataCollectionEnd         time.Time
}

// StudiesConfig is the validated content of a study-definition file.
type StudiesConfig struct {
	Studies []StudyDef
}

type fileSong struct {
	MediaURL    string `json:"media_url" yaml:"media_url"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	Description string `json:"description" yaml:"description"`
}

type fileDimension struct {
	DimensionTitle string `json:"dimension_title" yaml:"dimension_title"`
	NumValues      int    `json:"num_values" yaml:"num_values"`
	MinimalValue   *int   `json:"minimal_value" yaml:"minimal_value"`
	DefaultValue   *int   `json:"default_value" yaml:"default_value"`
	Description    string `json:"description" yaml:"description"`
}

type fileStudy struct {
	Name                      string          `json:"name" yaml:"name"`
	NameShort                 string          `json:"name_short" yaml:"name_short"`
	Description               string          `json:"description" yaml:"description"`
	SongsToRate               []fileSong      `json:"songs_to_rate" yaml:"songs_to_rate"`
	RatingDimensions          []fileDimension `json:"rating_dimensions" yaml:"rating_dimensions"`
	StudyParticipantIDs       []string        `json:"study_participant_ids" yaml:"study_participant_ids"`
	AllowUnlistedParticipants *bool           `json:"allow_unlisted_participants" yaml:"allow_unlisted_participants"`
	DataCollectionStart       string          `json:"data_collection_start" yaml:"data_collection_start"`
	DataCollectionEnd         string          `json:"data_collection_end" yaml:"data_collection_end"`
}

type fileStudies struct {
	Studies []fileStudy `json:"studies" yaml:"studies"`
}

// Load reads a .yaml/.yml or .json study-definition file and validates it.
// A missing file surfaces the underlying os.ErrNotExist so the caller can
// treat it as fatal startup misconfiguration.
func Load(path string) (*StudiesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("studies configuration file %q: %w", path, err)
	}
	var raw fileStudies
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %q: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format %q (want .yaml, .yml or .json)", ext)
	}
	return validate(&raw)
}

func validate(raw *fileStudies) (*StudiesConfig, error) {
	if len(raw.Studies) == 0 {
		return nil, fmt.Errorf("studies list is empty")
	}
	cfg := &StudiesConfig{Studies: make([]StudyDef, 0, len(raw.Studies))}
	seenSlugs := map[string]bool{}
	for i, fs := range raw.Studies {
		def, err := validateStudy(&fs)
		if err != nil {
			return nil, fmt.Errorf("study %d (%q): %w", i, fs.NameShort, err)
		}
		if seenSlugs[def.NameShort] {
			return nil, fmt.Errorf("duplicate name_short %q across studies", def.NameShort)
		}
		seenSlugs[def.NameShort] = true
		cfg.Studies = append(cfg.Studies, *def)
	}
	return cfg, nil
}

func validateStudy(fs *fileStudy) (*StudyDef, error) {
	if strings.TrimSpace(fs.Name) == "" {
		return nil, fmt.Errorf("name cannot be empty")
	}
	if fs.NameShort == "" {
		return nil, fmt.Errorf("name_short cannot be empty")
	}
	if !slugPattern.MatchString(fs.NameShort) {
		return nil, fmt.Errorf("name_short %q must be 2-50 characters of lowercase letters, digits and underscores", fs.NameShort)
	}

	start, err := parseInstant(fs.DataCollectionStart, "data_collection_start")
	if err != nil {
		return nil, err
	}
	end, err := parseInstant(fs.DataCollectionEnd, "data_collection_end")
	if err != nil {
		return nil, err
	}
	if !start.Before(end) {
		return nil, fmt.Errorf("data_collection_start (%s) must be before data_collection_end (%s)",
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	songs, err := validateSongs(fs.SongsToRate)
	if err != nil {
		return nil, err
	}
	dims, err := validateDimensions(fs.RatingDimensions)
	if err != nil {
		return nil, err
	}

	seenPIDs := map[string]bool{}
	for _, pid := range fs.StudyParticipantIDs {
		if strings.TrimSpace(pid) == "" {
			return nil, fmt.Errorf("study_participant_ids contains an empty entry")
		}
		if seenPIDs[pid] {
			return nil, fmt.Errorf("duplicate participant id %q in study_participant_ids", pid)
		}
		seenPIDs[pid] = true
	}

	allowUnlisted := true
	if fs.AllowUnlistedParticipants != nil {
		allowUnlisted = *fs.AllowUnlistedParticipants
	}

	return &StudyDef{
		Name:                      fs.Name,
		NameShort:                 fs.NameShort,
		Description:               fs.Description,
		SongsToRate:               songs,
		RatingDimensions:          dims,
		StudyParticipantIDs:       append([]string(nil), fs.StudyParticipantIDs...),
		AllowUnlistedParticipants: allowUnlisted,
		DataCollectionStart:       start,
		DataCollectionEnd:         end,
	}, nil
}

func validateSongs(songs []fileSong) ([]SongDef, error) {
	if len(songs) == 0 {
		return nil, fmt.Errorf("songs_to_rate cannot be empty")
	}
	out := make([]SongDef, 0, len(songs))
	seenURL := map[string]bool{}
	seenName := map[string]bool{}
	for _, s := range songs {
		if strings.TrimSpace(s.MediaURL) == "" {
			return nil, fmt.Errorf("songs_to_rate entry is missing media_url")
		}
		if seenURL[s.MediaURL] {
			return nil, fmt.Errorf("duplicate media_url %q in songs_to_rate", s.MediaURL)
		}
		seenURL[s.MediaURL] = true
		name := s.DisplayName
		if name == "" {
			name = displayNameFromURL(s.MediaURL)
		}
		if seenName[name] {
			return nil, fmt.Errorf("duplicate display_name %q in songs_to_rate", name)
		}
		seenName[name] = true
		out = append(out, SongDef{MediaURL: s.MediaURL, DisplayName: name, Description: s.Description})
	}
	return out, nil
}

func validateDimensions(dims []fileDimension) ([]DimensionDef, error) {
	if len(dims) == 0 {
		return nil, fmt.Errorf("rating_dimensions cannot be empty")
	}
	out := make([]DimensionDef, 0, len(dims))
	seen := map[string]bool{}
	for _, d := range dims {
		if strings.TrimSpace(d.DimensionTitle) == "" {
			return nil, fmt.Errorf("rating_dimensions entry is missing dimension_title")
		}
		if seen[d.DimensionTitle] {
			return nil, fmt.Errorf("duplicate dimension_title %q in rating_dimensions", d.DimensionTitle)
		}
		seen[d.DimensionTitle] = true
		if d.NumValues < 2 {
			return nil, fmt.Errorf("num_values %d for dimension %q must be at least 2", d.NumValues, d.DimensionTitle)
		}
		if d.NumValues > 20 {
			return nil, fmt.Errorf("num_values %d for dimension %q cannot exceed 20", d.NumValues, d.DimensionTitle)
		}
		def := DimensionDef{
			DimensionTitle: d.DimensionTitle,
			NumValues:      d.NumValues,
			Description:    d.Description,
		}
		if d.MinimalValue != nil {
			def.MinimalValue = *d.MinimalValue
		}
		if d.DefaultValue != nil {
			def.DefaultValue = *d.DefaultValue
		} else {
			def.DefaultValue = def.MinimalValue
		}
		if def.Description == "" {
			def.Description = d.DimensionTitle
		}
		out = append(out, def)
	}
	return out, nil
}

// parseInstant requires a timezone-aware ISO-8601 instant and normalizes it
// to UTC.
func parseInstant(v, field string) (time.Time, error) {
	if strings.TrimSpace(v) == "" {
		return time.Time{}, fmt.Errorf("%s is required", field)
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s %q is not a valid ISO 8601 instant with timezone (e.g. 2024-01-01T00:00:00Z): %w", field, v, err)
	}
	return t.UTC(), nil
}

func displayNameFromURL(mediaURL string) string {
	name := mediaURL
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndex(name, "."); i > 0 {
		name = name[:i]
	}
	return name
}
