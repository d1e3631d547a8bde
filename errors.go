package vellum

import (
	"errors"

	"goviewer.io/vellum/internal/agent"
	"goviewer.io/vellum/internal/integrity"
)

var (
	// ErrAgentUnavailable is returned by agent-backed operations in a
	// degraded session. Callers keep working without caching.
	ErrAgentUnavailable = agent.ErrUnavailable

	// ErrAgentTimeout is returned when a message sent to the agent receives
	// no correlated response within the configured request timeout.
	ErrAgentTimeout = agent.ErrTimeout

	// ErrMisconfiguredEndpoint is returned when a binary-module endpoint
	// served markup instead of the binary payload, typically a server
	// returning an error page.
	ErrMisconfiguredEndpoint = integrity.ErrMisconfiguredEndpoint

	// ErrMalformedModule is returned when a payload fails the binary-module
	// magic check for any reason other than served markup.
	ErrMalformedModule = integrity.ErrMalformedModule

	// ErrControllerClosed is returned by operations invoked after Close.
	ErrControllerClosed = errors.New("controller closed")
)
