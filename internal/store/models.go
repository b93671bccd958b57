package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Inspection statuses.
const (
	StatusNeedReview  = "NEED_REVIEW"
	StatusApproved    = "APPROVED"
	StatusArchiving   = "ARCHIVING"
	StatusArchived    = "ARCHIVED"
	StatusDeactivated = "DEACTIVATED"
	StatusFailArchive = "FAIL_ARCHIVE"
)

// Editable scalar fields, addressed by their JSON names.
const (
	FieldPlateNumber    = "plateNumber"
	FieldInspectionDate = "inspectionDate"
	FieldOverallRating  = "overallRating"
)

// SectionNames lists the JSON sections of an inspection in column order.
var SectionNames = []string{
	"identityDetails",
	"vehicleData",
	"equipmentChecklist",
	"inspectionSummary",
	"detailedAssessment",
	"bodyPaintThickness",
}

var scalarFields = map[string]struct{}{
	FieldPlateNumber:    {},
	FieldInspectionDate: {},
	FieldOverallRating:  {},
}

func IsSection(name string) bool {
	for _, section := range SectionNames {
		if section == name {
			return true
		}
	}
	return false
}

func IsScalarField(name string) bool {
	_, ok := scalarFields[name]
	return ok
}

// Content is the reviewer-editable part of an inspection.
type Content struct {
	PlateNumber    string
	InspectionDate time.Time
	OverallRating  string
	Sections       map[string]map[string]any
}

// Document flattens content into the nested map the diff and merge engines
// work on. Sections are always present, possibly empty.
func (c Content) Document() map[string]any {
	doc := map[string]any{
		FieldPlateNumber:    c.PlateNumber,
		FieldInspectionDate: c.InspectionDate.Format(DateLayout),
		FieldOverallRating:  c.OverallRating,
	}
	for _, name := range SectionNames {
		section := c.Sections[name]
		if section == nil {
			section = map[string]any{}
		}
		doc[name] = section
	}
	return doc
}

const DateLayout = "2006-01-02"

// ParseInspectionDate accepts a calendar date or an RFC 3339 timestamp and
// returns the calendar date as midnight UTC. Timestamps are read in UTC; use
// ParseInspectionDateIn to pick the business timezone.
func ParseInspectionDate(value string) (time.Time, error) {
	return ParseInspectionDateIn(value, time.UTC)
}

// ParseInspectionDateIn is ParseInspectionDate with RFC 3339 timestamps
// converted into loc before truncation. Date-only values are taken as
// written in any zone.
func ParseInspectionDateIn(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if parsed, err := time.Parse(DateLayout, value); err == nil {
		return parsed, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("inspectionDate must be YYYY-MM-DD or RFC 3339: %q", value)
	}
	return CalendarDate(parsed, loc), nil
}

// CalendarDate returns the day t falls on in loc, as midnight UTC. A nil
// location means UTC.
func CalendarDate(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	year, month, day := t.In(loc).Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// CanonicalInspectionDate rewrites value as YYYY-MM-DD.
func CanonicalInspectionDate(value string, loc *time.Location) (string, error) {
	date, err := ParseInspectionDateIn(value, loc)
	if err != nil {
		return "", err
	}
	return date.Format(DateLayout), nil
}

// ContentFromDocument is the inverse of Content.Document.
func ContentFromDocument(doc map[string]any) (Content, error) {
	var content Content
	var ok bool
	if content.PlateNumber, ok = doc[FieldPlateNumber].(string); !ok {
		return Content{}, fmt.Errorf("%s must be a string", FieldPlateNumber)
	}
	if content.OverallRating, ok = doc[FieldOverallRating].(string); !ok {
		return Content{}, fmt.Errorf("%s must be a string", FieldOverallRating)
	}
	rawDate, ok := doc[FieldInspectionDate].(string)
	if !ok {
		return Content{}, fmt.Errorf("%s must be a string", FieldInspectionDate)
	}
	date, err := ParseInspectionDate(rawDate)
	if err != nil {
		return Content{}, err
	}
	content.InspectionDate = date

	content.Sections = make(map[string]map[string]any, len(SectionNames))
	for _, name := range SectionNames {
		raw, present := doc[name]
		if !present || raw == nil {
			content.Sections[name] = map[string]any{}
			continue
		}
		section, ok := raw.(map[string]any)
		if !ok {
			return Content{}, fmt.Errorf("section %s must be an object", name)
		}
		content.Sections[name] = section
	}
	return content, nil
}

// Archival holds the outputs of a successful archival pipeline run.
type Archival struct {
	ReportURL   string
	ReportHash  string
	AnchorTxRef string
	AssetRef    string
}

type InspectionRecord struct {
	ID            string
	PrettyID      string
	BranchCode    string
	Status        string
	InspectorID   string
	ReviewerID    *string
	Content       Content
	Archival      Archival
	ArchivedAt    *time.Time
	DeactivatedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ChangeLogEntry is one staged field-level edit. Entries are never updated.
type ChangeLogEntry struct {
	ID        int64
	RecordID  string
	ActorID   string
	Path      []string
	OldValue  any
	NewValue  any
	CreatedAt time.Time
}

// PathKey returns a stable grouping key for the entry path.
func (e ChangeLogEntry) PathKey() string {
	encoded, _ := json.Marshal(e.Path)
	return string(encoded)
}

type SequenceCounter struct {
	BranchCode   string
	DatePrefix   string
	NextSequence int64
}

// RecordPatch describes a conditional update. Status is always written; the
// other fields are only touched when their Set flag (or pointer) says so.
type RecordPatch struct {
	Status           string
	Content          *Content
	SetReviewer      bool
	ReviewerID       *string
	Archival         *Archival
	SetArchivedAt    bool
	ArchivedAt       *time.Time
	SetDeactivatedAt bool
	DeactivatedAt    *time.Time
}

// Apply mirrors the SQL update on an in-memory record.
func (p RecordPatch) Apply(record *InspectionRecord) {
	record.Status = p.Status
	if p.Content != nil {
		record.Content = *p.Content
	}
	if p.SetReviewer {
		record.ReviewerID = p.ReviewerID
	}
	if p.Archival != nil {
		record.Archival = *p.Archival
	}
	if p.SetArchivedAt {
		record.ArchivedAt = p.ArchivedAt
	}
	if p.SetDeactivatedAt {
		record.DeactivatedAt = p.DeactivatedAt
	}
}
