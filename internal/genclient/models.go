package genclient

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// embeddingFallbacks are well-known embedding models tried, in order,
// when neither the configured model nor a same-family variant is served.
var embeddingFallbacks = []string{
	"nomic-embed-text",
	"mxbai-embed-large",
	"all-minilm",
}

// resolveModels checks the configured model names against the service's
// model list and substitutes the closest available variant when a name
// is absent. If the listing itself fails, the configured names stand.
func (c *Client) resolveModels(ctx context.Context) {
	available, err := c.AvailableModels(ctx)
	if err != nil {
		c.logger.Warn("could not list models, keeping configured names",
			zap.String("generation_model", c.genModel),
			zap.String("embedding_model", c.embModel),
			zap.Error(err))
		return
	}
	if len(available) == 0 {
		c.logger.Warn("service reports no models")
		return
	}

	if resolved := resolveModel(c.genModel, available, nil); resolved != c.genModel {
		c.logger.Info("substituted generation model",
			zap.String("requested", c.genModel),
			zap.String("using", resolved))
		c.genModel = resolved
	}

	if resolved := resolveModel(c.embModel, available, embeddingFallbacks); resolved != c.embModel {
		c.logger.Info("substituted embedding model",
			zap.String("requested", c.embModel),
			zap.String("using", resolved))
		c.embModel = resolved
	}
}

// resolveModel returns requested when it is served, otherwise the first
// available variant of the same family (name before any ':' tag), then
// the first served fallback, and finally the requested name unchanged.
func resolveModel(requested string, available, fallbacks []string) string {
	for _, name := range available {
		if name == requested {
			return requested
		}
	}

	family := modelFamily(requested)
	if family != "" {
		for _, name := range available {
			if modelFamily(name) == family {
				return name
			}
		}
	}

	for _, fb := range fallbacks {
		fbFamily := modelFamily(fb)
		for _, name := range available {
			if modelFamily(name) == fbFamily {
				return name
			}
		}
	}

	return requested
}

// modelFamily strips the variant tag: "llama3.1:8b" -> "llama3.1".
func modelFamily(name string) string {
	if i := strings.Index(name, ":"); i >= 0 {
		return name[:i]
	}
	return name
}
