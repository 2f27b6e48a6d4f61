package ethrpc

import (
	"log/slog"
	"net/http"
	"strings"
)

type Option func(*Client)

type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

func WithStreaming(nodeWebsocketURL string) Option {
	return func(c *Client) {
		nodeWSURL := nodeWebsocketURL
		nodeWSURL = strings.Replace(nodeWSURL, "http://", "ws://", 1)
		nodeWSURL = strings.Replace(nodeWSURL, "https://", "wss://", 1)
		c.nodeWSURL = nodeWSURL
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.SetHTTPClient(h)
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// 0: semi-strict transactions – validates only transaction V, R, S values (default)
// 1: disabled, no validation
// 2: strict block and transactions – validates block hash, sender address, and transaction signatures
func WithStrictness(strictness StrictnessLevel) Option {
	return func(c *Client) {
		c.strictness = strictness
	}
}

func WithDefaultValidation() Option {
	return func(c *Client) {
		c.strictness = StrictnessLevel_Default
	}
}

func WithStrictValidation() Option {
	return func(c *Client) {
		c.strictness = StrictnessLevel_Strict
	}
}
