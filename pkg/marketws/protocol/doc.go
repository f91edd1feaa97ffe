// Package protocol defines the normalized message model exchanged with the
// market's real-time socket API.
//
// Two wire dialects exist. They differ only in the JSON key carrying the route
// ("type" for the legacy dialect, "route" for the current one). Inbound frames
// are accepted under either key and normalized into an Envelope; the dialect of
// the connection is stamped onto the envelope after parsing and is never part
// of the serialized bytes.
package protocol
