// Package mailbox owns the card-local message transport between the
// management endpoint and the user endpoint.
//
// Ownership boundary:
// - TX and RX channels with their queues, in-flight message and worker
// - hardware (64-byte packet FIFO) and software (byte-stream slot) transports
// - request/response correlation, notifications and listener dispatch
// - per-message TTL supervision and peer liveness
//
// Layering:
// - packets (internal/protocol/packet) -> messages (channel) -> post/request/listen (Mailbox)
//
// Collaborators (bring-up, sensors, flashing) only use Post, Notify,
// Request and Listen; they never touch channels or registers.
package mailbox
