package memory

import (
	"fmt"
	"strings"

	"github.com/becomeliminal/nim-recall/core"
)

// Render formats a result as the context blob handed to a response
// generator. Interaction texts are already bounded by the character budget;
// the blob adds one short header line per item.
func Render(res *Result) string {
	if res == nil || len(res.Items) == 0 {
		return "No prior interactions with this customer."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Prior interactions with customer %s (most relevant first):\n", res.CustomerID)
	for i, it := range res.Items {
		rec := it.Interaction
		fmt.Fprintf(&b, "%d. [%s %s %s, relevance %.2f]",
			i+1,
			rec.Timestamp.UTC().Format("2006-01-02 15:04"),
			rec.Channel,
			rec.Direction,
			it.Score,
		)
		if u := rec.Attribute(core.AttrUrgency); u != "" {
			fmt.Fprintf(&b, " urgency=%s", u)
		}
		b.WriteString("\n   ")
		b.WriteString(strings.ReplaceAll(strings.TrimSpace(rec.Text), "\n", "\n   "))
		b.WriteByte('\n')
	}
	if res.Degraded {
		b.WriteString("(Semantic search unavailable; ranked by recency and importance.)\n")
	}
	return b.String()
}
