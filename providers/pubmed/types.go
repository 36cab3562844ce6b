// Package pubmed implements the literature-search provider against the
// NCBI E-utilities API.
package pubmed

// ESearchResponse is the JSON answer of ESearch for the ID search.
type ESearchResponse struct {
	ESearchResult struct {
		Count  string   `json:"count"`
		IdList []string `json:"idlist"`
	} `json:"esearchresult"`
}

// ESummaryResponse is the JSON answer of ESummary for article details.
type ESummaryResponse struct {
	Result map[string]any `json:"result"`
}

// ESummaryDoc is one document record inside an ESummary result, decoded from
// the per-id entries of ESummaryResponse.Result.
type ESummaryDoc struct {
	UID         string `json:"uid"`
	Title       string `json:"title"`
	PubDate     string `json:"pubdate"`
	Source      string `json:"source"`
	PmcRefCount any    `json:"pmcrefcount"`
	ELocationID string `json:"elocationid"`
	Authors     []struct {
		Name string `json:"name"`
	} `json:"authors"`
	ArticleIDs []struct {
		IDType string `json:"idtype"`
		Value  string `json:"value"`
	} `json:"articleids"`
}
