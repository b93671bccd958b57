package search

import (
	"context"

	"inspection/api/internal/logger"
	"inspection/api/internal/store"
)

// Index is a search backend that can also be written to.
type Index interface {
	Searcher
	Indexer
}

// Service is the facade that tries the index first and falls back to
// Postgres.
type Service struct {
	index    Index
	fallback Searcher
	log      *logger.Logger
}

// NewService creates a search service. index may be nil when Meilisearch is
// not configured.
func NewService(index Index, fallback Searcher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{index: index, fallback: fallback, log: log.With("component", "SearchService")}
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

// Search tries the index if healthy, otherwise falls back to Postgres.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.indexReady() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("Index search failed, falling back to postgres", "error", err.Error())
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("Postgres search failed", "error", err.Error())
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexRecord indexes an inspection (fire-and-forget).
func (s *Service) IndexRecord(record store.InspectionRecord) {
	if !s.indexReady() {
		return
	}
	doc := DocumentFromRecord(record)
	go func() {
		if err := s.index.IndexInspection(doc); err != nil {
			s.log.Warn("Index inspection failed", "record_id", doc.ID, "error", err.Error())
		}
	}()
}

// ReindexAll pushes every inspection from loader into the index.
func (s *Service) ReindexAll(ctx context.Context, loader func(context.Context) ([]InspectionDocument, error)) {
	if !s.indexReady() || loader == nil {
		return
	}
	docs, err := loader(ctx)
	if err != nil {
		s.log.Warn("Reindex load failed", "error", err.Error())
		return
	}
	if err := s.index.IndexInspections(docs); err != nil {
		s.log.Warn("Reindex failed", "error", err.Error())
		return
	}
	s.log.Info("Reindexed inspections", "count", len(docs))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
