package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// optimizeListingTool returns the tool definition for optimize_listing
func optimizeListingTool() mcp.Tool {
	return mcp.Tool{
		Name:        "optimize_listing",
		Description: "Run the full optimization pipeline over a single stored listing: keyword extraction, market retrieval, title, tags, description, and quality analysis",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"listing_id": map[string]interface{}{
					"type":        "integer",
					"description": "Database ID of the listing to optimize",
				},
			},
			Required: []string{"listing_id"},
		},
	}
}

// optimizeBatchTool returns the tool definition for optimize_batch
func optimizeBatchTool() mcp.Tool {
	return mcp.Tool{
		Name:        "optimize_batch",
		Description: "Cluster stored listings by embedding similarity and optimize each cluster with shared market context",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"status": map[string]interface{}{
					"type":        "string",
					"description": "Optimize only listings in this workflow status",
					"enum":        []string{"pending", "optimized", "approved", "rejected", "updated"},
					"default":     "pending",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of listings to optimize (1-500)",
					"default":     50,
					"minimum":     1,
					"maximum":     500,
				},
			},
		},
	}
}

// indexCorpusTool returns the tool definition for index_corpus
func indexCorpusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "index_corpus",
		Description: "Embed the keyword corpus and listing catalog into the in-memory retrieval index",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"keyword_limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum keywords to index (0 uses the configured limit)",
					"default":     0,
				},
				"listing_limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum listings to index (0 uses the configured limit)",
					"default":     0,
				},
			},
		},
	}
}

// getStatsTool returns the tool definition for get_stats
func getStatsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_stats",
		Description: "Report embedding cache effectiveness, retrieval index size, and storage details",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
