package agent

import "goviewer.io/vellum/models"

// MessageType identifies a request or its correlated response on the agent
// channel.
type MessageType string

const (
	MsgGetCacheStatus   MessageType = "GET_CACHE_STATUS"
	MsgClearCache       MessageType = "CLEAR_CACHE"
	MsgPreloadResources MessageType = "PRELOAD_RESOURCES"

	MsgCacheStatus        MessageType = "CACHE_STATUS"
	MsgCacheCleared       MessageType = "CACHE_CLEARED"
	MsgResourcesPreloaded MessageType = "RESOURCES_PRELOADED"
)

// responseFor maps each request type to its correlated response type. The
// agent echoes exactly one response of the matching type per request.
var responseFor = map[MessageType]MessageType{
	MsgGetCacheStatus:   MsgCacheStatus,
	MsgClearCache:       MsgCacheCleared,
	MsgPreloadResources: MsgResourcesPreloaded,
}

// Request is one message to the agent. Each request carries its own
// single-use reply channel so concurrent exchanges cannot cross-talk.
type Request struct {
	Type MessageType

	// CacheType names the partition for CLEAR_CACHE.
	CacheType string

	// URLs is the preload set for PRELOAD_RESOURCES.
	URLs []string

	reply chan Response
}

// Response is the agent's answer to one Request.
type Response struct {
	Type MessageType

	Status    models.CacheStatus
	Cleared   int
	Preloaded int
	Failed    []string
	Err       error
}
