package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultCanvas ResultType = "canvas"
	ResultText   ResultType = "text"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	CanvasID string     `json:"canvasId"`
}

// Query describes a search request.
type Query struct {
	Text           string
	FilterType     ResultType // empty = all types
	FilterCanvasID string
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexCanvas(c CanvasRecord) error
	IndexText(t TextRecord) error
	DeleteCanvas(id string) error
	DeleteText(id string) error
}

// CanvasRecord is the data we index for a canvas.
type CanvasRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TextRecord is the data we index for a text object.
type TextRecord struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	CanvasID string `json:"canvasId"`
}
