package openai

import (
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/aula-cloud/asistente/internal/domain"
)

// classifyAPIError maps provider failures onto the domain taxonomy.
// 429 responses become ErrRateLimited (long cooldown before retry);
// everything else becomes ErrProviderUnavailable (short backoff, bounded
// attempts).
func classifyAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("API error %d: %s: %w",
				apiErr.HTTPStatusCode, apiErr.Message, domain.ErrRateLimited)
		}
		return fmt.Errorf("API error %d: %s: %w",
			apiErr.HTTPStatusCode, apiErr.Message, domain.ErrProviderUnavailable)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("API error %d: %s: %w",
				reqErr.HTTPStatusCode, string(reqErr.Body), domain.ErrRateLimited)
		}
		return fmt.Errorf("API error %d: %s: %w",
			reqErr.HTTPStatusCode, string(reqErr.Body), domain.ErrProviderUnavailable)
	}

	// Network-level failure, no HTTP response at all.
	return fmt.Errorf("request failed: %w: %w", domain.ErrProviderUnavailable, err)
}
