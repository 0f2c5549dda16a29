// Package filters turns a free-text chat query into date and metadata
// filters and compiles them into a vector-store filter expression.
package filters

import "context"

// DateFilter narrows retrieval by time. At most one kind is populated:
// an exact day (DateStr), a month with optional year, a bare year, or an
// inclusive range (StartDate..EndDate). Dates are YYYY-MM-DD.
type DateFilter struct {
	DateStr   string `json:"date_str,omitempty"`
	Month     int    `json:"month,omitempty"`
	Year      int    `json:"year,omitempty"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
}

// IsZero reports whether no field is set.
func (d *DateFilter) IsZero() bool {
	return d == nil || *d == DateFilter{}
}

// IsRange reports whether the filter is an inclusive date range.
func (d *DateFilter) IsRange() bool {
	return d != nil && d.StartDate != "" && d.EndDate != ""
}

// MetadataFilter narrows retrieval by record metadata. Fields coexist.
type MetadataFilter struct {
	Environment string `json:"environment,omitempty"`
	Status      string `json:"status,omitempty"`
	IsCorrect   *bool  `json:"is_correct,omitempty"`
}

// IsZero reports whether no field is set.
func (m *MetadataFilter) IsZero() bool {
	return m == nil || (m.Environment == "" && m.Status == "" && m.IsCorrect == nil)
}

// Extraction is the result of analysing a query. Query is the text to embed
// for retrieval; it equals the input unless a strategy rewrote it.
type Extraction struct {
	Date     *DateFilter     `json:"date_filters,omitempty"`
	Metadata *MetadataFilter `json:"metadata_filters,omitempty"`
	Query    string          `json:"query"`
}

// Empty reports whether the extraction carries no filters.
func (e Extraction) Empty() bool {
	return e.Date.IsZero() && e.Metadata.IsZero()
}

// Extractor derives filters from a query. Implementations never fail: on any
// internal problem they return an Extraction with no filters and the
// original query.
type Extractor interface {
	Extract(ctx context.Context, query string) Extraction
}

// Allowed values for the metadata fields.
var (
	Environments = []string{"production", "development", "staging", "test"}
	Statuses     = []string{"success", "failed", "error", "pending"}
)

