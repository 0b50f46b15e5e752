// Package inventory decodes the line protocol spoken by an RFID reader during
// tag inventory.
//
// Raw chunks from the transport are split into lines by a FrameSplitter,
// classified by ParseRecord and fed through a Decoder, which tracks the scan
// state, deduplicates tags per inventory cycle in a Registry and emits Events
// according to the TagType chosen at construction:
//
//   - Proximity (ISO14443A): every accepted tag record emits EventTagFound.
//   - Vicinity (ISO15693): tags are aggregated over a Scanning cycle; the end
//     of inventory emits EventInventoryComplete followed by one
//     EventReadTagData per unique tag in discovery order.
//
// A Decoder is not safe for concurrent use. All chunks, triggers and events
// are expected to flow through a single goroutine.
package inventory
