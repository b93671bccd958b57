package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"inspection/api/internal/logger"
)

const idxInspections = "inspections"

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	log     *logger.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the index. An
// unreachable server is tolerated; the health loop picks it up later.
func NewMeili(url, apiKey string, log *logger.Logger) *Meili {
	if log == nil {
		log = logger.Nop()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		log:    log.With("component", "Meilisearch"),
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.log.Warn("Meilisearch unavailable", "url", url, "error", err.Error())
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxInspections,
		PrimaryKey: "id",
	}); err != nil {
		m.log.Debug("Create index (may already exist)", "index", idxInspections, "error", err.Error())
	}

	index := m.client.Index(idxInspections)
	filterable := []interface{}{"status", "branchCode"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn("Update filterable attributes failed", "index", idxInspections, "error", err.Error())
	}
	searchable := []string{"prettyId", "plateNumber", "plateCompact", "vehicleType", "overallRating"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("Update searchable attributes failed", "index", idxInspections, "error", err.Error())
	}
	sortable := []string{"updatedAt"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		m.log.Warn("Update sortable attributes failed", "index", idxInspections, "error", err.Error())
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("Meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 20
	}
	request := &meili.SearchRequest{
		IndexUID:              idxInspections,
		Query:                 q.Text,
		Limit:                 limit,
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"plateNumber", "prettyId", "vehicleType"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if filters := meiliFilters(q); len(filters) > 0 {
		request.Filter = filters
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{request},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func meiliFilters(q Query) []string {
	var filters []string
	if q.Status != "" {
		filters = append(filters, fmt.Sprintf("status = %q", q.Status))
	}
	if q.BranchCode != "" {
		filters = append(filters, fmt.Sprintf("branchCode = %q", q.BranchCode))
	}
	return filters
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		ID:            decodeString(hit, "id"),
		PrettyID:      decodeString(hit, "prettyId"),
		PlateNumber:   decodeString(hit, "plateNumber"),
		Status:        decodeString(hit, "status"),
		BranchCode:    decodeString(hit, "branchCode"),
		OverallRating: decodeString(hit, "overallRating"),
		VehicleType:   decodeString(hit, "vehicleType"),
		Snippet: firstNonBlank(
			decodeFormattedString(hit, "plateNumber"),
			decodeFormattedString(hit, "prettyId"),
			decodeFormattedString(hit, "vehicleType"),
		),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// decodeFormattedString returns the highlighted value only when the query
// actually matched inside it.
func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	value, _ := formatted[key].(string)
	if !strings.Contains(value, "<mark>") {
		return ""
	}
	return strings.TrimSpace(value)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) IndexInspection(doc InspectionDocument) error {
	_, err := m.client.Index(idxInspections).AddDocuments([]InspectionDocument{doc}, nil)
	return err
}

func (m *Meili) IndexInspections(docs []InspectionDocument) error {
	if len(docs) == 0 {
		return nil
	}
	_, err := m.client.Index(idxInspections).AddDocuments(docs, nil)
	return err
}
