// Package provider defines the model abstraction shared by every LLM vendor
// adapter plus the tiered Router that selects a concrete provider per query.
// Adapters normalize vendor SDK types into Request/Response; the Router owns
// provider health, latency tracking and fallback chains so callers never talk
// to a vendor SDK directly.
package provider
