package search

// Result is a single message hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	ChannelID string `json:"channelId"`
	ServerID  string `json:"serverId,omitempty"`
	AuthorID  string `json:"authorId"`
	Snippet   string `json:"snippet"`
	CreatedAt int64  `json:"createdAt"`
}

// Query describes a message search request.
type Query struct {
	Text            string
	FilterChannelID string
	FilterServerID  string
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text message search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// MessageRecord is the data we index per message.
type MessageRecord struct {
	ID        string `json:"id"`
	ChannelID string `json:"channelId"`
	ServerID  string `json:"serverId"`
	AuthorID  string `json:"authorId"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}
