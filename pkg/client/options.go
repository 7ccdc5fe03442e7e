package client

import "net/http"

// Option configures the Client.
type Option interface {
	apply(*Client)
}

// optionFunc adapts a function to the Option interface.
type optionFunc func(*Client)

func (f optionFunc) apply(c *Client) { f(c) }

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(key string) Option {
	return optionFunc(func(c *Client) {
		c.apiKey = key
	})
}

// WithHTTPClient replaces the underlying HTTP client. Use it to set timeouts
// or a custom transport. Streaming calls hold the connection open for the
// whole answer, so avoid a short overall timeout.
func WithHTTPClient(h *http.Client) Option {
	return optionFunc(func(c *Client) {
		c.httpc = h
	})
}
