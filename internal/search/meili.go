package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxCanvases = "easel_canvases"
	idxTexts    = "easel_texts"
)

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. The caller
// proceeds without it when the initial connection fails; the health loop
// reconfigures on recovery.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
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
		primaryKey string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxCanvases,
			primaryKey: "id",
			filterable: []string{"id"},
			searchable: []string{"name"},
		},
		{
			uid:        idxTexts,
			primaryKey: "id",
			filterable: []string{"canvasId"},
			searchable: []string{"text"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: idx.primaryKey,
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterableInterface := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterableInterface[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
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
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries both indexes (or a filtered subset) and merges results.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	targetIndexes := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxCanvases, ResultCanvas},
		{idxTexts, ResultText},
	}

	for _, ti := range targetIndexes {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		if q.FilterCanvasID != "" && ti.rtyp == ResultCanvas {
			// A canvas-scoped search only makes sense over its objects.
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              ti.uid,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		}
		if q.FilterCanvasID != "" {
			sr.Filter = []string{fmt.Sprintf("canvasId = %q", q.FilterCanvasID)}
		}
		queries = append(queries, sr)
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxCanvases:
		return ResultCanvas
	case idxTexts:
		return ResultText
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")

	switch rtyp {
	case ResultCanvas:
		r.Title = firstNonBlank(decodeFormattedString(hit, "name"), decodeString(hit, "name"))
		r.CanvasID = r.ID
	case ResultText:
		r.CanvasID = decodeString(hit, "canvasId")
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "text"), decodeString(hit, "text"))
	}
	return r
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

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexCanvas adds or updates a canvas in the search index.
func (m *Meili) IndexCanvas(c CanvasRecord) error {
	_, err := m.client.Index(idxCanvases).AddDocuments([]CanvasRecord{c}, nil)
	return err
}

// IndexText adds or updates a text object in the search index.
func (m *Meili) IndexText(t TextRecord) error {
	_, err := m.client.Index(idxTexts).AddDocuments([]TextRecord{t}, nil)
	return err
}

// DeleteCanvas removes a canvas from the search index.
func (m *Meili) DeleteCanvas(id string) error {
	_, err := m.client.Index(idxCanvases).DeleteDocument(id, nil)
	return err
}

// DeleteText removes a text object from the search index.
func (m *Meili) DeleteText(id string) error {
	_, err := m.client.Index(idxTexts).DeleteDocument(id, nil)
	return err
}

// IndexCanvases bulk-indexes canvases.
func (m *Meili) IndexCanvases(canvases []CanvasRecord) error {
	if len(canvases) == 0 {
		return nil
	}
	_, err := m.client.Index(idxCanvases).AddDocuments(canvases, nil)
	return err
}

// IndexTexts bulk-indexes text objects.
func (m *Meili) IndexTexts(texts []TextRecord) error {
	if len(texts) == 0 {
		return nil
	}
	_, err := m.client.Index(idxTexts).AddDocuments(texts, nil)
	return err
}
