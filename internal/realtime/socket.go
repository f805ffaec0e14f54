package realtime

import (
	"context"
	"errors"
	"fmt"
)

// Dialer opens connections to a push server.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is one duplex connection. ReadMessage is called from a single goroutine; WriteMessage and
// Close may be called concurrently with it and with each other.
type Conn interface {
	// ReadMessage blocks for the next frame. After closure it returns an error, a *CloseError when
	// the peer sent a close frame.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

// CloseError is returned by Conn.ReadMessage when the peer closed the connection with a close frame.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("realtime: connection closed (code %d): %s", e.Code, e.Reason)
}

// CloseInfo is passed to disconnect handlers. Code and Reason are set when the peer sent a close frame.
type CloseInfo struct {
	Code   int
	Reason string
	Err    error
}

func closeInfoFrom(err error) CloseInfo {
	info := CloseInfo{Err: err}
	var ce *CloseError
	if errors.As(err, &ce) {
		info.Code = ce.Code
		info.Reason = ce.Reason
	}
	return info
}
