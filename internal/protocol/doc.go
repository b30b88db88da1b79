// Package protocol owns the MAVLink schema and message model.
//
// Ownership boundary:
// - field types and wire widths
// - message definitions (wire order, crc_extra, sizes)
// - message sets (name/id/enum registries, atomic merge)
// - message instances (validated field store, payload codec)
//
// Framing, checksums on the wire, and signing live in protocol/frame.
// Schema file loading lives in protocol/schema.
package protocol
