package mailbox

import "errors"

var (
	ErrTransport      = errors.New("mailbox: transport error")
	ErrProtocol       = errors.New("mailbox: protocol violation")
	ErrTooLarge       = errors.New("mailbox: message too large")
	ErrTimeout        = errors.New("mailbox: message timed out")
	ErrShutdown       = errors.New("mailbox: shut down")
	ErrPeerDead       = errors.New("mailbox: peer not responding")
	ErrInvalidMessage = errors.New("mailbox: invalid message")
	ErrNoHardware     = errors.New("mailbox: no hardware register block")
	ErrNotStarted     = errors.New("mailbox: not started")
	ErrReplyTooSmall  = errors.New("mailbox: reply buffer too small")
)
