package diagnosis

import (
	"fmt"
	"strings"
)

const systemPrompt = `You are a strategy consultant applying the IRIS diagnostic method:
- Internal assessment: capabilities, maturity, strengths and gaps.
- Reality check: market conditions, competitors and external forces.
- Insight generation: patterns, opportunities and risks that follow from the analysis.
- Strategic recommendations: concrete next steps ordered by impact.

Reply with a single JSON object and nothing else, shaped as:
{"executiveSummary": "two or three sentences",
 "sections": [
  {"name": "Internal Assessment", "insights": ["..."]},
  {"name": "Market Reality", "insights": ["..."]},
  {"name": "Key Insights", "insights": ["..."]},
  {"name": "Recommendations", "insights": ["..."]}
 ]}`

func userPrompt(title string, clientName string) string {
	var builder strings.Builder
	builder.WriteString("Produce an IRIS strategic diagnosis for this consultancy engagement.\n\n")
	fmt.Fprintf(&builder, "Engagement: %s\n", title)
	if clientName != "" {
		fmt.Fprintf(&builder, "Client: %s\n", clientName)
	}
	builder.WriteString("\nCover the current state of the organization, its market context, the main opportunities and risks, and a prioritized action list.")
	return builder.String()
}
