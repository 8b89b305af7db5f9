// Automod component for caching arbitrary data (as strings) with a fixed TTL and purging.
//
// The engine uses it for webhook snapshots (to tell new webhooks from existing ones), and the dispatcher for remembering recently applied actions.
package cachestore
