package search

import (
	"context"

	"go.uber.org/zap"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili Searcher
	index contentIndexer
	pgfts Searcher
	log   *zap.Logger
}

type contentIndexer interface {
	IndexContent(record ContentRecord) error
	IndexContents(records []ContentRecord) error
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{log: log}
	if meili != nil {
		s.meili, s.index = meili, meili
	}
	if pgfts != nil {
		s.pgfts = pgfts
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back to pgfts", zap.Error(err))
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(q)
	if err != nil {
		s.log.Error("pgfts search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexContent pushes freshly flushed content into Meilisearch. Documents
// are searchable through PG FTS regardless, so an unavailable index is not
// an error. Its signature matches collab.SaveHook.
func (s *Service) IndexContent(ctx context.Context, documentID, content string) error {
	if s.index == nil || !s.meili.Healthy() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.index.IndexContent(ContentRecord{ID: documentID, Content: content})
}

// ReindexAllFromPG pushes every stored document into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context, pgfts *PgFTS) {
	if s.index == nil || !s.meili.Healthy() || pgfts == nil {
		return
	}
	records, err := pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.log.Warn("reindex load failed", zap.Error(err))
		return
	}
	if err := s.index.IndexContents(records); err != nil {
		s.log.Warn("reindex documents failed", zap.Error(err))
		return
	}
	s.log.Info("search index rebuilt", zap.Int("documents", len(records)))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
