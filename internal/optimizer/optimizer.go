// Package optimizer rewrites listing titles, tags, and descriptions
// using generated text grounded in retrieved market context.
package optimizer

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mstanton/listwise/internal/genclient"
	"github.com/mstanton/listwise/internal/llmjson"
	"github.com/mstanton/listwise/internal/rag"
	"github.com/mstanton/listwise/internal/store"
)

const (
	// AlgorithmVersion is stamped on every optimization history record.
	AlgorithmVersion = "v2.1"

	// TagCount is the marketplace tag slot count.
	TagCount = 13
	// TagMaxLen is the marketplace per-tag character limit.
	TagMaxLen = 20
	// TitleMaxLen is the marketplace title character limit.
	TitleMaxLen = 140

	// introMaxChars caps the description intro split when the text has
	// no paragraph break.
	introMaxChars = 200

	marketKeywordCount = 5
	marketListingCount = 3

	neutralScore = 50
)

// labelPrefix matches a short leading "Label:" the model sometimes
// prepends despite instructions ("Title:", "New Title:", ...).
var labelPrefix = regexp.MustCompile(`^[A-Za-z][A-Za-z ]{0,24}:\s*`)

// fillerTags pads the tag list when the generated and original tags
// together fall short of the marketplace slot count.
var fillerTags = []string{
	"handmade gift", "gift for her", "gift for him", "unique gift",
	"birthday gift", "home decor", "custom made", "personalized gift",
	"handcrafted", "artisan made", "gift idea", "small batch",
	"made to order",
}

// Generator produces text completions.
type Generator interface {
	Generate(ctx context.Context, req genclient.GenerateRequest) (string, error)
}

// Retriever supplies market context for a query.
type Retriever interface {
	RetrieveMarketData(ctx context.Context, query string, keywordCount, listingCount int) *rag.MarketData
}

// Analysis is a quality assessment of an optimized listing.
type Analysis struct {
	Score           float64  `json:"score"`
	Notes           string   `json:"notes"`
	Recommendations []string `json:"recommendations"`
}

// Optimizer rewrites listings. Every step degrades to the original
// text on generation or parse failure, so a run always produces a
// complete listing.
type Optimizer struct {
	gen       Generator
	retriever Retriever
	store     store.Storage
	logger    *zap.Logger
}

// New creates an Optimizer. retriever and st may be nil for callers
// that only use the per-field helpers.
func New(gen Generator, retriever Retriever, st store.Storage, logger *zap.Logger) *Optimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Optimizer{
		gen:       gen,
		retriever: retriever,
		store:     st,
		logger:    logger,
	}
}

// productVocab is the fallback product-type vocabulary used when
// extraction output cannot be parsed.
var productVocab = []string{
	"mug", "cup", "bowl", "plate", "vase", "shirt", "t-shirt", "hoodie",
	"sweatshirt", "hat", "scarf", "bag", "tote", "poster", "print",
	"sticker", "decal", "necklace", "ring", "earrings", "bracelet",
	"candle", "blanket", "pillow", "journal", "notebook", "keychain",
	"magnet", "ornament", "coaster", "apron", "art",
}

type extraction struct {
	BaseKeyword string `json:"base_keyword"`
	ProductType string `json:"product_type"`
}

// ExtractKeywordAndProduct identifies the primary search keyword and
// product type for a title. When generation or parsing fails it falls
// back to a heuristic: the product type is the first vocabulary word
// found in the title, and the base keyword is the leading words of the
// title.
func (o *Optimizer) ExtractKeywordAndProduct(ctx context.Context, title string) (string, string) {
	raw, err := o.gen.Generate(ctx, genclient.GenerateRequest{
		Prompt: extractPrompt(title),
		System: systemPrompt,
	})
	if err == nil {
		var ex extraction
		if perr := llmjson.Object(raw, &ex); perr == nil {
			ex.BaseKeyword = strings.TrimSpace(ex.BaseKeyword)
			ex.ProductType = strings.TrimSpace(ex.ProductType)
			if ex.BaseKeyword != "" && ex.ProductType != "" {
				return ex.BaseKeyword, ex.ProductType
			}
		}
	} else {
		o.logger.Warn("keyword extraction failed, using heuristic", zap.Error(err))
	}
	return heuristicExtract(title)
}

func heuristicExtract(title string) (string, string) {
	lower := strings.ToLower(title)
	productType := ""
	for _, p := range productVocab {
		if strings.Contains(lower, p) {
			productType = p
			break
		}
	}
	words := strings.Fields(title)
	n := 3
	if len(words) < n {
		n = len(words)
	}
	baseKeyword := strings.ToLower(strings.Join(words[:n], " "))
	if productType == "" && len(words) > 0 {
		productType = strings.ToLower(words[len(words)-1])
	}
	return baseKeyword, productType
}

// OptimizeTitle rewrites the listing title against market context. On
// generation failure the original title is kept. The result never
// exceeds TitleMaxLen characters.
func (o *Optimizer) OptimizeTitle(ctx context.Context, l *store.Listing, md *rag.MarketData) string {
	out, err := o.gen.Generate(ctx, genclient.GenerateRequest{
		Prompt: titlePrompt(l, md),
		System: systemPrompt,
	})
	if err != nil {
		o.logger.Warn("title generation failed, keeping original",
			zap.String("marketplace_id", l.MarketplaceID), zap.Error(err))
		out = l.TitleOriginal
	}
	out = strings.TrimSpace(strings.Trim(strings.TrimSpace(out), `"`))
	out = labelPrefix.ReplaceAllString(out, "")
	if out == "" {
		out = l.TitleOriginal
	}
	return truncateTitle(out)
}

func truncateTitle(s string) string {
	runes := []rune(s)
	if len(runes) <= TitleMaxLen {
		return s
	}
	return string(runes[:TitleMaxLen-3]) + "..."
}

// OptimizeTags generates the full marketplace tag set. The result
// always has exactly TagCount tags, each at most TagMaxLen characters:
// shortfalls are backfilled first from unused original tags, then from
// generic filler tags. On generation or parse failure the original
// tags seed the set instead of generated ones.
func (o *Optimizer) OptimizeTags(ctx context.Context, l *store.Listing, md *rag.MarketData) []string {
	var generated []string
	raw, err := o.gen.Generate(ctx, genclient.GenerateRequest{
		Prompt: tagsPrompt(l, md),
		System: systemPrompt,
	})
	if err != nil {
		o.logger.Warn("tag generation failed, keeping originals",
			zap.String("marketplace_id", l.MarketplaceID), zap.Error(err))
	} else if perr := llmjson.Array(raw, &generated); perr != nil {
		o.logger.Warn("tag output unparseable, keeping originals",
			zap.String("marketplace_id", l.MarketplaceID), zap.Error(perr))
		generated = nil
	}
	if generated == nil {
		generated = l.TagsOriginal
	}
	return normalizeTags(generated, l.TagsOriginal)
}

// normalizeTags enforces the marketplace tag contract: exactly
// TagCount deduplicated tags of at most TagMaxLen characters.
func normalizeTags(primary, backfill []string) []string {
	out := make([]string, 0, TagCount)
	seen := make(map[string]bool, TagCount)
	add := func(tag string) {
		if len(out) >= TagCount {
			return
		}
		tag = strings.TrimSpace(tag)
		runes := []rune(tag)
		if len(runes) > TagMaxLen {
			tag = strings.TrimSpace(string(runes[:TagMaxLen]))
		}
		if tag == "" {
			return
		}
		key := strings.ToLower(tag)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, tag)
	}
	for _, t := range primary {
		add(t)
	}
	for _, t := range backfill {
		add(t)
	}
	for _, t := range fillerTags {
		add(t)
	}
	return out
}

// OptimizeDescription rewrites only the opening paragraph of the
// description, preserving the rest verbatim. The intro is everything
// before the first blank line, or the first introMaxChars characters
// when there is no paragraph break. On generation failure the original
// description is returned unchanged.
func (o *Optimizer) OptimizeDescription(ctx context.Context, l *store.Listing, md *rag.MarketData) string {
	desc := l.DescriptionOriginal
	if strings.TrimSpace(desc) == "" {
		return desc
	}
	intro, body := splitIntro(desc)
	out, err := o.gen.Generate(ctx, genclient.GenerateRequest{
		Prompt: descriptionPrompt(l, intro, md),
		System: systemPrompt,
	})
	if err != nil {
		o.logger.Warn("description generation failed, keeping original",
			zap.String("marketplace_id", l.MarketplaceID), zap.Error(err))
		return desc
	}
	newIntro := labelPrefix.ReplaceAllString(strings.TrimSpace(out), "")
	if newIntro == "" {
		return desc
	}
	if body == "" {
		return newIntro
	}
	return newIntro + "\n\n" + body
}

func splitIntro(desc string) (intro, body string) {
	if i := strings.Index(desc, "\n\n"); i >= 0 {
		return strings.TrimSpace(desc[:i]), strings.TrimSpace(desc[i+2:])
	}
	runes := []rune(desc)
	if len(runes) <= introMaxChars {
		return strings.TrimSpace(desc), ""
	}
	// Break on the last space inside the window so the intro ends on a
	// whole word.
	cut := introMaxChars
	if sp := strings.LastIndex(string(runes[:introMaxChars]), " "); sp > 0 {
		cut = sp
	}
	return strings.TrimSpace(string(runes[:cut])), strings.TrimSpace(string(runes[cut:]))
}

// AnalyzeListing scores the optimized listing. On generation or parse
// failure it returns a neutral assessment rather than an error so a
// batch run never stalls on analysis.
func (o *Optimizer) AnalyzeListing(ctx context.Context, l *store.Listing) Analysis {
	raw, err := o.gen.Generate(ctx, genclient.GenerateRequest{
		Prompt: analysisPrompt(l),
		System: systemPrompt,
	})
	if err == nil {
		var a Analysis
		if perr := llmjson.Object(raw, &a); perr == nil {
			if a.Score < 0 {
				a.Score = 0
			}
			if a.Score > 100 {
				a.Score = 100
			}
			return a
		}
	} else {
		o.logger.Warn("listing analysis failed, using neutral score",
			zap.String("marketplace_id", l.MarketplaceID), zap.Error(err))
	}
	return Analysis{
		Score: neutralScore,
		Notes: "automated analysis unavailable; neutral score assigned",
	}
}

// OptimizeListing runs the full pipeline over one listing: keyword
// extraction, market retrieval (skipped when shared context is
// supplied), title, tags, description, analysis, and persistence. The
// input listing is not mutated. Persistence failures are logged but
// the optimized listing is still returned.
func (o *Optimizer) OptimizeListing(ctx context.Context, listing *store.Listing, shared *rag.MarketData) (*store.Listing, error) {
	if listing == nil {
		return nil, fmt.Errorf("optimize listing: nil listing")
	}
	out := *listing
	out.TagsOriginal = append([]string(nil), listing.TagsOriginal...)

	if out.BaseKeyword == "" || out.ProductType == "" {
		out.BaseKeyword, out.ProductType = o.ExtractKeywordAndProduct(ctx, out.TitleOriginal)
	}

	md := shared
	if md == nil && o.retriever != nil {
		md = o.retriever.RetrieveMarketData(ctx, out.BaseKeyword+" "+out.ProductType, marketKeywordCount, marketListingCount)
	}

	out.TitleOptimized = o.OptimizeTitle(ctx, &out, md)
	out.TagsOptimized = o.OptimizeTags(ctx, &out, md)
	out.DescriptionOptimized = o.OptimizeDescription(ctx, &out, md)

	analysis := o.AnalyzeListing(ctx, &out)
	out.OptimizationScore = analysis.Score
	out.Notes = analysis.Notes
	out.Status = store.StatusOptimized
	out.UpdatedAt = time.Now().UTC()

	o.persist(ctx, listing, &out, analysis)
	return &out, nil
}

// OptimizeListingByID loads a listing from storage and optimizes it
// with freshly retrieved market context.
func (o *Optimizer) OptimizeListingByID(ctx context.Context, id int64) (*store.Listing, error) {
	if o.store == nil {
		return nil, fmt.Errorf("optimize listing %d: no storage configured", id)
	}
	listing, err := o.store.GetListing(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("optimize listing %d: %w", id, err)
	}
	return o.OptimizeListing(ctx, listing, nil)
}

func (o *Optimizer) persist(ctx context.Context, before, after *store.Listing, analysis Analysis) {
	if o.store == nil {
		return
	}
	if err := o.store.UpsertListing(ctx, after); err != nil {
		o.logger.Error("failed to persist optimized listing",
			zap.String("marketplace_id", after.MarketplaceID), zap.Error(err))
		return
	}
	h := &store.OptimizationHistory{
		ListingID:        after.ID,
		OptimizationType: "full",
		AlgorithmVersion: AlgorithmVersion,
		Changes: map[string]interface{}{
			"title_before":       before.TitleOriginal,
			"title_after":        after.TitleOptimized,
			"tags_before":        strings.Join(before.TagsOriginal, ","),
			"tags_after":         strings.Join(after.TagsOptimized, ","),
			"desc_length_before": len(before.DescriptionOriginal),
			"desc_length_after":  len(after.DescriptionOptimized),
		},
		Metrics: map[string]interface{}{
			"score":           analysis.Score,
			"recommendations": strings.Join(sortedCopy(analysis.Recommendations), "; "),
		},
	}
	if err := o.store.AddOptimizationHistory(ctx, h); err != nil {
		o.logger.Error("failed to record optimization history",
			zap.Int64("listing_id", after.ID), zap.Error(err))
	}
}

func sortedCopy(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}
