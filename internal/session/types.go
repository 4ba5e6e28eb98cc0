package session

// DecodedMessage is produced by a Session's reader (Framer, spec §4.3) and
// consumed exactly once by a worker pool goroutine (spec §3).
type DecodedMessage struct {
	ID      uint16
	Length  int64
	Payload []byte
	Session *Session
}

// OutboundMessage is built by Session.Send/SendRaw and consumed by the
// session's writer task (spec §3).
type OutboundMessage struct {
	ID     uint16
	Length int64
	Framed []byte // header + body, ready for one Write call
}
