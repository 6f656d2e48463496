package rpc

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// ErrDenied is returned when the server rejects a call.
var ErrDenied = errors.New("rpc call denied")

// EncodeCall serializes a call header and prepends the record marking
// header of a single, final fragment.
//
// Parameters:
//   - call: Call header; procedure arguments are not supported
//
// Returns:
//   - []byte: Fragment ready to be written to a stream connection
//   - error: Encoding error
func EncodeCall(call *CallMessage) ([]byte, error) {
	var body bytes.Buffer
	if _, err := xdr.Marshal(&body, call); err != nil {
		return nil, fmt.Errorf("marshal RPC call: %w", err)
	}

	frame := make([]byte, 4, 4+body.Len())
	binary.BigEndian.PutUint32(frame, lastFragment|uint32(body.Len()))
	return append(frame, body.Bytes()...), nil
}

// ReadReply reads one record fragment from r and decodes its reply header.
//
// A denied reply is returned as ErrDenied. An accepted reply whose
// accept status is not SUCCESS is returned along with an error.
func ReadReply(r io.Reader) (*ReplyMessage, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read fragment header: %w", err)
	}

	size := binary.BigEndian.Uint32(header[:]) &^ lastFragment
	if size > maxReplySize {
		return nil, fmt.Errorf("reply fragment too large: %d bytes", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read fragment body: %w", err)
	}

	// XID, MsgType and ReplyState are common to accepted and denied replies
	if len(body) < 12 {
		return nil, fmt.Errorf("reply too short: %d bytes", len(body))
	}
	if msgType := binary.BigEndian.Uint32(body[4:8]); msgType != RPCReply {
		return nil, fmt.Errorf("expected REPLY (1), got %d", msgType)
	}
	if state := binary.BigEndian.Uint32(body[8:12]); state != RPCMsgAccepted {
		return &ReplyMessage{
			XID:        binary.BigEndian.Uint32(body[0:4]),
			MsgType:    RPCReply,
			ReplyState: state,
		}, ErrDenied
	}

	reply := &ReplyMessage{}
	if _, err := xdr.Unmarshal(bytes.NewReader(body), reply); err != nil {
		return nil, fmt.Errorf("unmarshal RPC reply: %w", err)
	}
	if reply.AcceptStat != RPCSuccess {
		return reply, fmt.Errorf("rpc call not successful: accept status %d", reply.AcceptStat)
	}

	return reply, nil
}

// Ping sends an NFS NULL call over conn and waits for a successful reply
// with a matching XID.
//
// The context deadline, if any, becomes the connection deadline; a
// cancelled context aborts the exchange.
func Ping(ctx context.Context, conn net.Conn, xid uint32) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("set deadline: %w", err)
		}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	frame, err := EncodeCall(NewNullCall(xid))
	if err != nil {
		return err
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write NULL call: %w", err)
	}

	reply, err := ReadReply(conn)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
			return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return err
	}
	if reply.XID != xid {
		return fmt.Errorf("reply XID mismatch: sent %d, got %d", xid, reply.XID)
	}

	return nil
}
