package app

import "net/http"

// NewProxyServer creates a plain caching forward proxy without the API.
func NewProxyServer(cfg Config) (*http.Server, func(), error) {
	return newServer(cfg, false)
}
