package search

import "github.com/rs/zerolog"

// Service tries the primary engine first and falls back when it is
// unavailable. Indexing is fire-and-forget: Postgres remains the source of
// truth, the index is a convenience.
type Service struct {
	primary  Searcher
	fallback Searcher
	indexer  Indexer
	log      zerolog.Logger
}

// NewService creates a search service. primary and indexer may be nil when
// Meilisearch is not configured.
func NewService(primary Searcher, fallback Searcher, indexer Indexer, log zerolog.Logger) *Service {
	return &Service{primary: primary, fallback: fallback, indexer: indexer, log: log}
}

func (s *Service) Search(q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("search: primary engine failed, falling back")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(q)
	if err != nil {
		s.log.Error().Err(err).Msg("search: fallback engine failed")
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) IndexRequest(r RequestRecord) {
	if s.indexer == nil {
		return
	}
	go func() {
		if err := s.indexer.IndexRequest(r); err != nil {
			s.log.Warn().Err(err).Str("id", r.ID).Msg("search: index request")
		}
	}()
}

func (s *Service) IndexDecision(d DecisionRecord) {
	if s.indexer == nil {
		return
	}
	go func() {
		if err := s.indexer.IndexDecision(d); err != nil {
			s.log.Warn().Err(err).Str("id", d.ID).Msg("search: index decision")
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
