package session

// Dispatch receives frames for one channel-id as they arrive off a Session's
// reader goroutine. Implementations must not block: the reader loop calls
// these synchronously and a slow dispatch stalls every other channel on the
// same session.
type Dispatch interface {
	OnChunk(data []byte)
	OnChoke()
	OnError(code int, reason string)
}
