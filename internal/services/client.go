package services

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/cardmbx/internal/mailbox"
	"github.com/danmuck/cardmbx/internal/protocol/request"
	"github.com/danmuck/cardmbx/internal/protocol/tlv"
)

var ErrStatus = errors.New("services: peer returned failure status")

const defaultReplyBuffer = 64 << 10

// Client issues collaborator requests to the peer endpoint.
type Client struct {
	Mailbox     *mailbox.Mailbox
	Transport   mailbox.TransportKind
	TTL         time.Duration
	Attempts    int
	ReplyBuffer int
}

// Call sends one envelope and returns the peer's reply.
func (c *Client) Call(ctx context.Context, op request.Opcode, data []byte) ([]byte, error) {
	size := c.ReplyBuffer
	if size <= 0 {
		size = defaultReplyBuffer
	}
	reply := make([]byte, size)
	env := request.Envelope{Opcode: op, Data: data}
	n, err := c.Mailbox.RequestWithRetry(ctx, env.Marshal(), reply, c.TTL, c.Transport, c.Attempts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return reply[:n], nil
}

// Notify sends one envelope without waiting for a reply.
func (c *Client) Notify(ctx context.Context, op request.Opcode, data []byte) error {
	env := request.Envelope{Flags: request.FlagNoResponse, Opcode: op, Data: data}
	return c.Mailbox.Notify(ctx, env.Marshal(), c.Transport)
}

func checkStatus(op request.Opcode, reply []byte) error {
	code, err := request.DecodeStatus(reply)
	if err != nil {
		return err
	}
	if code != StatusOK {
		return fmt.Errorf("%w: %s code=%d", ErrStatus, op, code)
	}
	return nil
}

func (c *Client) TestReady(ctx context.Context) error {
	reply, err := c.Call(ctx, request.OpTestReady, nil)
	if err != nil {
		return err
	}
	return checkStatus(request.OpTestReady, reply)
}

func (c *Client) HotReset(ctx context.Context) error {
	reply, err := c.Call(ctx, request.OpHotReset, nil)
	if err != nil {
		return err
	}
	return checkStatus(request.OpHotReset, reply)
}

// fieldsReply decodes a TLV reply, treating a bare status word as a
// failure report.
func fieldsReply(op request.Opcode, reply []byte) ([]tlv.Field, error) {
	if len(reply) == request.StatusLen {
		if err := checkStatus(op, reply); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return tlv.DecodeFields(reply)
}

func (c *Client) PeerData(ctx context.Context, kind request.PeerDataKind) (request.BoardInfo, error) {
	q := request.PeerDataQuery{Kind: kind}
	reply, err := c.Call(ctx, request.OpPeerData, q.Marshal())
	if err != nil {
		return request.BoardInfo{}, err
	}
	fields, err := fieldsReply(request.OpPeerData, reply)
	if err != nil {
		return request.BoardInfo{}, err
	}
	var info request.BoardInfo
	info.MergeFields(fields)
	return info, nil
}

func (c *Client) UserProbe(ctx context.Context) (request.BoardInfo, error) {
	reply, err := c.Call(ctx, request.OpUserProbe, nil)
	if err != nil {
		return request.BoardInfo{}, err
	}
	fields, err := fieldsReply(request.OpUserProbe, reply)
	if err != nil {
		return request.BoardInfo{}, err
	}
	var info request.BoardInfo
	info.MergeFields(fields)
	return info, nil
}

// NotifyMgmtState tells the peer the management endpoint's state.
func (c *Client) NotifyMgmtState(ctx context.Context, state uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, state)
	return c.Notify(ctx, request.OpMgmtState, data)
}
