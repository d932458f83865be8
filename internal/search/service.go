package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexCanvas indexes a canvas (fire-and-forget to Meilisearch).
func (s *Service) IndexCanvas(c CanvasRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexCanvas(c); err != nil {
			log.Printf("search: index canvas %s: %v", c.ID, err)
		}
	}()
}

// IndexText indexes a text object (fire-and-forget to Meilisearch).
func (s *Service) IndexText(t TextRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexText(t); err != nil {
			log.Printf("search: index text %s: %v", t.ID, err)
		}
	}()
}

// DeleteCanvas removes a canvas from the search index (fire-and-forget).
func (s *Service) DeleteCanvas(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteCanvas(id); err != nil {
			log.Printf("search: delete canvas %s: %v", id, err)
		}
	}()
}

// DeleteText removes a text object from the search index (fire-and-forget).
func (s *Service) DeleteText(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteText(id); err != nil {
			log.Printf("search: delete text %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into
// Meilisearch. Called during bootstrap when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	canvases, texts, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexCanvases(canvases); err != nil {
		log.Printf("search: reindex canvases: %v", err)
	}
	if err := s.meili.IndexTexts(texts); err != nil {
		log.Printf("search: reindex texts: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
