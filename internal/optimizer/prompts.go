package optimizer

import (
	"fmt"
	"strings"

	"github.com/mstanton/listwise/internal/rag"
	"github.com/mstanton/listwise/internal/store"
)

const systemPrompt = `You are an expert marketplace SEO copywriter. ` +
	`You optimize handmade-goods listings for search ranking and conversion. ` +
	`Answer with exactly the format requested and nothing else.`

func extractPrompt(title string) string {
	return fmt.Sprintf(`Identify the primary search keyword and the product type for this listing title.

Title: %s

Respond with a JSON object: {"base_keyword": "...", "product_type": "..."}`, title)
}

func titlePrompt(l *store.Listing, md *rag.MarketData) string {
	var b strings.Builder
	if ctx := rag.FormatContext(md); ctx != "" {
		b.WriteString(ctx)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, `Rewrite this listing title for marketplace search.

Current title: %s
Base keyword: %s
Product type: %s

Rules:
- Front-load the base keyword.
- Separate phrases with " | ".
- Target 120-140 characters.
- Respond with the title only, no label or quotes.`,
		l.TitleOriginal, l.BaseKeyword, l.ProductType)
	return b.String()
}

func tagsPrompt(l *store.Listing, md *rag.MarketData) string {
	var b strings.Builder
	if ctx := rag.FormatContext(md); ctx != "" {
		b.WriteString(ctx)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, `Generate exactly 13 search tags for this listing.

Title: %s
Base keyword: %s
Product type: %s
Current tags: %s

Rules:
- Exactly 13 tags.
- Each tag at most 20 characters.
- Multi-word tags beat single words.
- Respond with a JSON array of 13 strings.`,
		l.TitleOriginal, l.BaseKeyword, l.ProductType, strings.Join(l.TagsOriginal, ", "))
	return b.String()
}

func descriptionPrompt(l *store.Listing, intro string, md *rag.MarketData) string {
	var b strings.Builder
	if ctx := rag.FormatContext(md); ctx != "" {
		b.WriteString(ctx)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, `Rewrite the opening paragraph of this listing description.

Title: %s
Base keyword: %s
Current opening: %s

Rules:
- Two to four sentences, naturally including the base keyword.
- Keep the seller's voice.
- Respond with the paragraph only.`,
		l.TitleOriginal, l.BaseKeyword, intro)
	return b.String()
}

func analysisPrompt(l *store.Listing) string {
	return fmt.Sprintf(`Assess the quality of this marketplace listing.

Title: %s
Tags: %s
Description: %s

Respond with a JSON object:
{"score": 0-100, "notes": "...", "recommendations": ["...", "..."]}`,
		l.TitleOptimized, strings.Join(l.TagsOptimized, ", "), firstRunes(l.DescriptionOptimized, 400))
}

// firstRunes returns at most n runes of s.
func firstRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
