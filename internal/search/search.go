// Package search indexes inspection records and answers lookup queries,
// preferring Meilisearch and falling back to PostgreSQL.
package search

import (
	"context"
	"strings"

	"inspection/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID            string `json:"id"`
	PrettyID      string `json:"prettyId"`
	PlateNumber   string `json:"plateNumber"`
	Status        string `json:"status"`
	BranchCode    string `json:"branchCode"`
	OverallRating string `json:"overallRating,omitempty"`
	VehicleType   string `json:"vehicleType,omitempty"`
	Snippet       string `json:"snippet,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	Status     string
	BranchCode string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push inspections into a search index.
type Indexer interface {
	IndexInspection(doc InspectionDocument) error
	IndexInspections(docs []InspectionDocument) error
}

// InspectionDocument is the data we index for an inspection.
type InspectionDocument struct {
	ID             string `json:"id"`
	PrettyID       string `json:"prettyId"`
	BranchCode     string `json:"branchCode"`
	Status         string `json:"status"`
	PlateNumber    string `json:"plateNumber"`
	PlateCompact   string `json:"plateCompact"`
	OverallRating  string `json:"overallRating"`
	InspectionDate string `json:"inspectionDate"`
	VehicleType    string `json:"vehicleType"`
	UpdatedAt      int64  `json:"updatedAt"`
}

// DocumentFromRecord projects a record onto its index document.
func DocumentFromRecord(record store.InspectionRecord) InspectionDocument {
	doc := InspectionDocument{
		ID:             record.ID,
		PrettyID:       record.PrettyID,
		BranchCode:     record.BranchCode,
		Status:         record.Status,
		PlateNumber:    record.Content.PlateNumber,
		PlateCompact:   compactPlate(record.Content.PlateNumber),
		OverallRating:  record.Content.OverallRating,
		InspectionDate: record.Content.InspectionDate.Format(store.DateLayout),
		UpdatedAt:      record.UpdatedAt.Unix(),
	}
	if vehicle := record.Content.Sections["vehicleData"]; vehicle != nil {
		if kind, ok := vehicle["tipeKendaraan"].(string); ok {
			doc.VehicleType = kind
		}
	}
	return doc
}

// compactPlate lets "B1234XYZ" find "B 1234 XYZ".
func compactPlate(plate string) string {
	return strings.ToUpper(strings.Join(strings.Fields(plate), ""))
}
