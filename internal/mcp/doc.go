// Package mcp implements the Model Context Protocol (MCP) server for Listwise.
//
// The server exposes four tools to MCP clients:
//   - optimize_listing: run the full optimization pipeline over one listing
//   - optimize_batch: cluster stored listings and optimize them with shared
//     market context
//   - index_corpus: embed the keyword corpus and listing catalog into the
//     retrieval index
//   - get_stats: report cache, index, and storage statistics
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// The server listens on stdin for protocol messages and writes responses
// to stdout, so all logging goes to stderr.
//
// # Tool: optimize_listing
//
// Optimize a single stored listing by database ID:
//
//	Request:  {"listing_id": 42}
//	Response: {"listing_id": 42, "title_optimized": "...", "tags_optimized": [...], ...}
//
// The pipeline extracts the base keyword and product type, retrieves
// market context from the embedding index, rewrites the title, tags, and
// description opening, scores the result, and persists both the listing
// and an audit history record. Every generation step degrades to the
// original text when the local generation service is unavailable.
//
// # Tool: optimize_batch
//
// Optimize a set of listings selected by workflow status:
//
//	Request:  {"status": "pending", "limit": 50}
//	Response: {"requested": 50, "optimized": 48, "failed": 2, ...}
//
// Listings are clustered by embedding similarity so each cluster shares
// one market-context retrieval, and clusters run concurrently on a
// bounded worker pool.
//
// # Tool: index_corpus
//
// Populate the in-memory retrieval index from storage:
//
//	Request:  {"keyword_limit": 500, "listing_limit": 200}
//	Response: {"keywords_indexed": 500, "listings_indexed": 200}
//
// # Tool: get_stats
//
// Report embedding cache counters, retrieval index size, and storage
// configuration. Takes no arguments.
package mcp
