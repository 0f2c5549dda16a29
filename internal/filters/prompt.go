package filters

import (
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/chatflow/internal/engine"
)

const systemPromptTemplate = `You extract search filters from questions about a log of past AI interactions. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Today is %s (%s).

Date filters (set at most one kind, or null):
- "date_str": a single day as YYYY-MM-DD, including "today" and "yesterday".
- "start_date" and "end_date": an inclusive range as YYYY-MM-DD, for phrases like "last week", "this month", "last 3 days".
- "month" (1-12) with optional "year": a named month.
- "year": a bare year.

Metadata filters (each optional, or null):
- "environment": one of %s.
- "status": one of %s. Map "failure", "failing" and similar to "failed".
- "is_correct": true when the user asks for correct results, false for incorrect or wrong ones.

Rewrite the question into "rewritten_query": a short search phrase with the filter words removed. If nothing can be removed, repeat the question.`

// BuildSystemPrompt renders the extraction instructions anchored at now.
func BuildSystemPrompt(now time.Time) string {
	return fmt.Sprintf(systemPromptTemplate,
		now.Format(dateLayout),
		now.Weekday(),
		quoteList(Environments),
		quoteList(Statuses),
	)
}

func quoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = `"` + v + `"`
	}
	return strings.Join(quoted, ", ")
}

func extractionSchema() *engine.Schema {
	return &engine.Schema{
		Name: "chat_filters",
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"date_filters": {
				Type:        "object",
				Description: "Date constraint or null",
				Properties: map[string]engine.SchemaProperty{
					"date_str":   {Type: "string", Description: "Exact day, YYYY-MM-DD"},
					"month":      {Type: "integer", Description: "Month number 1-12"},
					"year":       {Type: "integer", Description: "Four digit year"},
					"start_date": {Type: "string", Description: "Range start, YYYY-MM-DD"},
					"end_date":   {Type: "string", Description: "Range end, YYYY-MM-DD"},
				},
			},
			"metadata_filters": {
				Type:        "object",
				Description: "Metadata constraints or null",
				Properties: map[string]engine.SchemaProperty{
					"environment": {Type: "string", Enum: Environments},
					"status":      {Type: "string", Enum: Statuses},
					"is_correct":  {Type: "boolean"},
				},
			},
			"rewritten_query": {Type: "string", Description: "Search phrase without filter words"},
		},
		Required: []string{"date_filters", "metadata_filters", "rewritten_query"},
	}
}
