package search

import (
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
)

const (
	idxRequests  = "caseflow_requests"
	idxDecisions = "caseflow_decisions"
)

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     zerolog.Logger
}

// NewMeili creates a Meilisearch client and configures indexes. The client
// starts unhealthy if the initial connection fails; a background loop
// re-checks and reconfigures on recovery.
func NewMeili(url, apiKey string, log zerolog.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
		log:    log,
	}

	if _, err := client.Health(); err != nil {
		log.Warn().Err(err).Str("url", url).Msg("search: meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxRequests,
			filterable: []string{"stage", "priority", "currency"},
			searchable: []string{"reference", "status", "amount"},
		},
		{
			uid:        idxDecisions,
			filterable: []string{"requestId", "decision", "stage"},
			searchable: []string{"comment"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idx.uid, PrimaryKey: "id"}); err != nil {
			m.log.Debug().Err(err).Str("index", idx.uid).Msg("search: create index (may already exist)")
		}
		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			m.log.Warn().Err(err).Str("index", idx.uid).Msg("search: update filterable attributes")
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			m.log.Warn().Err(err).Str("index", idx.uid).Msg("search: update searchable attributes")
		}
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
				m.log.Info().Msg("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
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

func (m *Meili) IndexRequest(r RequestRecord) error {
	_, err := m.client.Index(idxRequests).AddDocuments([]RequestRecord{r}, nil)
	return err
}

func (m *Meili) IndexDecision(d DecisionRecord) error {
	_, err := m.client.Index(idxDecisions).AddDocuments([]DecisionRecord{d}, nil)
	return err
}

func (m *Meili) DeleteRequest(id string) error {
	_, err := m.client.Index(idxRequests).DeleteDocument(id, nil)
	return err
}

func (m *Meili) Search(q Query) ([]Result, int, error) {
	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 20
	}

	var results []Result
	total := 0

	if q.FilterType == "" || q.FilterType == ResultRequest {
		req := &meili.SearchRequest{Limit: limit}
		if q.FilterStage != "" {
			req.Filter = "stage = " + strings.ReplaceAll(q.FilterStage, `"`, "")
		}
		resp, err := m.client.Index(idxRequests).Search(q.Text, req)
		if err != nil {
			return nil, 0, err
		}
		for _, hit := range resp.Hits {
			var doc map[string]interface{}
			if err := hit.Decode(&doc); err != nil {
				continue
			}
			results = append(results, Result{
				Type:      ResultRequest,
				ID:        str(doc["id"]),
				RequestID: str(doc["id"]),
				Title:     str(doc["reference"]),
				Snippet:   str(doc["status"]),
				Stage:     str(doc["stage"]),
			})
		}
		total += int(resp.EstimatedTotalHits)
	}

	if q.FilterType == "" || q.FilterType == ResultDecision {
		resp, err := m.client.Index(idxDecisions).Search(q.Text, &meili.SearchRequest{Limit: limit})
		if err != nil {
			return nil, 0, err
		}
		for _, hit := range resp.Hits {
			var doc map[string]interface{}
			if err := hit.Decode(&doc); err != nil {
				continue
			}
			results = append(results, Result{
				Type:      ResultDecision,
				ID:        str(doc["id"]),
				RequestID: str(doc["requestId"]),
				Title:     str(doc["decision"]),
				Snippet:   str(doc["comment"]),
				Stage:     str(doc["stage"]),
			})
		}
		total += int(resp.EstimatedTotalHits)
	}

	return results, total, nil
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}
