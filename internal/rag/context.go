package rag

import (
	"fmt"
	"strings"
)

// FormatContext renders market data as a deterministic text block for
// prompt injection. Pure function: same input, same output.
func FormatContext(md *MarketData) string {
	if md == nil || (len(md.Keywords) == 0 && len(md.Listings) == 0) {
		return ""
	}

	var b strings.Builder

	if len(md.Keywords) > 0 {
		b.WriteString("Relevant market keywords:\n")
		for _, m := range md.Keywords {
			b.WriteString(fmt.Sprintf("- %s (search volume %d, competition %.2f)\n",
				m.Keyword.Text, m.Keyword.SearchVolume, m.Keyword.Competition))
		}
	}

	if len(md.Listings) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Similar high-performing listings:\n")
		for _, m := range md.Listings {
			title := m.Listing.TitleOptimized
			if title == "" {
				title = m.Listing.TitleOriginal
			}
			b.WriteString(fmt.Sprintf("- %q (score %.0f", title, m.Listing.OptimizationScore))
			if tags := m.Listing.TagsOptimized; len(tags) > 0 {
				sample := tags
				if len(sample) > 5 {
					sample = sample[:5]
				}
				b.WriteString(", tags: " + strings.Join(sample, ", "))
			}
			b.WriteString(")\n")
		}
	}

	return b.String()
}
