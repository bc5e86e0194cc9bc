package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultRequest  ResultType = "request"
	ResultDecision ResultType = "decision"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	RequestID string     `json:"requestId"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	Stage     string     `json:"stage,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text        string
	FilterType  ResultType // empty = all types
	FilterStage string
	Limit       int
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
	IndexRequest(r RequestRecord) error
	IndexDecision(d DecisionRecord) error
	DeleteRequest(id string) error
}

// RequestRecord is the data indexed for a withdrawal request.
type RequestRecord struct {
	ID        string `json:"id"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Stage     string `json:"stage"`
	Priority  string `json:"priority"`
	Currency  string `json:"currency"`
	Amount    string `json:"amount"`
}

// DecisionRecord is the data indexed for an audit trail entry.
type DecisionRecord struct {
	ID        string `json:"id"`
	RequestID string `json:"requestId"`
	Decision  string `json:"decision"`
	Comment   string `json:"comment"`
	Stage     string `json:"stage"`
}
