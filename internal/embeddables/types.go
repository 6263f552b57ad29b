package embeddables

import (
	"bytes"

	"github.com/goccy/go-json"
)

// Entry is one respondent record as returned by the entries-page-views endpoint.
type Entry struct {
	EntryID      string     `json:"entry_id"`
	ProjectID    string     `json:"project_id"`
	EmbeddableID string     `json:"embeddable_id"`
	ContactID    string     `json:"contact_id,omitempty"`
	CreatedAt    string     `json:"created_at"`
	UpdatedAt    string     `json:"updated_at"`
	EntryData    RawData    `json:"entry_data,omitempty"`
	PageViews    []PageView `json:"page_views,omitempty"`
}

// PageView is one visit recorded in an entry's history.
type PageView struct {
	Timestamp string `json:"timestamp"`
	PageID    string `json:"page_id"`
	PageKey   string `json:"page_key"`
	PageIndex int    `json:"page_index"`
	URL       string `json:"url,omitempty"`
}

// RawData holds the entry_data field, which the API sends either as a JSON object or
// as a string containing JSON.
type RawData []byte

func (r *RawData) UnmarshalJSON(b []byte) error {
	*r = append((*r)[:0], b...)
	return nil
}

func (r RawData) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// Object returns the entry data as a JSON document, unwrapping string-encoded JSON.
// It returns nil when the data is absent or not valid JSON.
func (r RawData) Object() []byte {
	trimmed := bytes.TrimSpace(r)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil
		}
		trimmed = bytes.TrimSpace([]byte(inner))
		if len(trimmed) == 0 {
			return nil
		}
	}

	if !json.Valid(trimmed) {
		return nil
	}
	return trimmed
}
