package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/mstanton/listwise/internal/store"
)

// MCP error codes
const (
	ErrorCodeInvalidParams    = -32602 // Invalid method parameters
	ErrorCodeInternalError    = -32603 // Internal JSON-RPC error
	ErrorCodeListingNotFound  = -32001 // Referenced listing does not exist
	ErrorCodeNothingToProcess = -32002 // No listings matched the batch selection
)

// handleOptimizeListing handles the optimize_listing tool invocation
func (s *Server) handleOptimizeListing(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	id := int64(getIntDefault(args, "listing_id", 0))
	if id <= 0 {
		return nil, newMCPError(ErrorCodeInvalidParams, "listing_id parameter is required", map[string]interface{}{
			"param":  "listing_id",
			"reason": "missing or not a positive integer",
		})
	}

	s.ensureIndexed(ctx)

	listing, err := s.optimizer.OptimizeListingByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newMCPError(ErrorCodeListingNotFound, "listing not found", map[string]interface{}{
				"listing_id": id,
			})
		}
		return nil, newMCPError(ErrorCodeInternalError, "optimization failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	return mcp.NewToolResultText(formatJSON(listingResponse(listing))), nil
}

// handleOptimizeBatch handles the optimize_batch tool invocation
func (s *Server) handleOptimizeBatch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		args = map[string]interface{}{}
	}

	status := store.ListingStatus(getStringDefault(args, "status", string(store.StatusPending)))
	switch status {
	case store.StatusPending, store.StatusOptimized, store.StatusApproved, store.StatusRejected, store.StatusUpdated:
	default:
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid status", map[string]interface{}{
			"param": "status",
			"value": string(status),
		})
	}

	limit := getIntDefault(args, "limit", 50)
	if limit < 1 || limit > 500 {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 500", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}

	listings, err := s.storage.ListListings(ctx, status, limit, 0)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to load listings", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if len(listings) == 0 {
		return nil, newMCPError(ErrorCodeNothingToProcess, "no listings matched", map[string]interface{}{
			"status": string(status),
		})
	}

	s.ensureIndexed(ctx)

	optimized := s.processor.OptimizeListings(ctx, listings, s.optimizer)

	stats := s.cache.Stats()
	response := map[string]interface{}{
		"requested":       len(listings),
		"optimized":       len(optimized),
		"failed":          len(listings) - len(optimized),
		"cache_hits":      stats.Hits,
		"cache_misses":    stats.Misses,
		"cache_hit_ratio": fmt.Sprintf("%.2f", stats.HitRatio),
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleIndexCorpus handles the index_corpus tool invocation
func (s *Server) handleIndexCorpus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		args = map[string]interface{}{}
	}

	keywordLimit := getIntDefault(args, "keyword_limit", 0)
	if keywordLimit <= 0 {
		keywordLimit = s.cfg.Index.KeywordLimit
	}
	listingLimit := getIntDefault(args, "listing_limit", 0)
	if listingLimit <= 0 {
		listingLimit = s.cfg.Index.ListingLimit
	}

	keywords, err := s.retriever.IndexKeywords(ctx, keywordLimit)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "keyword indexing failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	listings, err := s.retriever.IndexListings(ctx, listingLimit)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "listing indexing failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	response := map[string]interface{}{
		"keywords_indexed": keywords,
		"listings_indexed": listings,
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleGetStats handles the get_stats tool invocation
func (s *Server) handleGetStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats := s.cache.Stats()
	keywords, listings := s.retriever.IndexSize()

	response := map[string]interface{}{
		"server": map[string]interface{}{
			"name":    ServerName,
			"version": ServerVersion,
		},
		"cache": map[string]interface{}{
			"hits":      stats.Hits,
			"misses":    stats.Misses,
			"evictions": stats.Evictions,
			"size":      stats.Size,
			"max_size":  stats.MaxSize,
			"hit_ratio": fmt.Sprintf("%.2f", stats.HitRatio),
		},
		"index": map[string]interface{}{
			"keywords": keywords,
			"listings": listings,
		},
		"storage": map[string]interface{}{
			"db_path":    s.cfg.DBPath,
			"driver":     store.DriverName,
			"build_mode": store.BuildMode,
		},
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// ensureIndexed lazily populates the retrieval index the first time a
// tool needs market context. Indexing failures degrade retrieval to
// empty context rather than failing the tool call.
func (s *Server) ensureIndexed(ctx context.Context) {
	keywords, listings := s.retriever.IndexSize()
	if keywords > 0 || listings > 0 {
		return
	}
	if _, err := s.retriever.IndexKeywords(ctx, s.cfg.Index.KeywordLimit); err != nil {
		s.logger.Warn("keyword indexing failed, retrieval context will be empty", zap.Error(err))
	}
	if _, err := s.retriever.IndexListings(ctx, s.cfg.Index.ListingLimit); err != nil {
		s.logger.Warn("listing indexing failed, retrieval context will be empty", zap.Error(err))
	}
}

func listingResponse(l *store.Listing) map[string]interface{} {
	return map[string]interface{}{
		"listing_id":            l.ID,
		"marketplace_id":        l.MarketplaceID,
		"status":                string(l.Status),
		"base_keyword":          l.BaseKeyword,
		"product_type":          l.ProductType,
		"title_optimized":       l.TitleOptimized,
		"tags_optimized":        l.TagsOptimized,
		"description_optimized": l.DescriptionOptimized,
		"optimization_score":    l.OptimizationScore,
		"notes":                 l.Notes,
	}
}

// Helper functions

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}
