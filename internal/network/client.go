package network

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	quic "github.com/quic-go/quic-go"

	"txrelay/internal/peer"
	"txrelay/internal/proto"
)

const SchemeQUIC = "quic"

var ErrRemote = errors.New("remote error")

// Client pushes envelopes to quic:// peers. Each call is a single attempt;
// retrying is left to the caller.
type Client struct {
	pool     *clientPool
	tlsConf  *tls.Config
	quicConf *quic.Config
}

func NewClient(opts TLSOptions) (*Client, error) {
	tlsConf, err := ClientTLSConfig(opts)
	if err != nil {
		return nil, err
	}
	return &Client{
		pool:     newClientPool(clientConnIdle),
		tlsConf:  tlsConf,
		quicConf: quicConfig(),
	}, nil
}

// Exchange writes req as one frame on a fresh stream and reads one frame back.
func (c *Client) Exchange(ctx context.Context, addr string, req []byte) ([]byte, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	conn, err := c.pool.get(ctx, addr, c.tlsConf, c.quicConf)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		c.pool.drop(addr, conn, "open stream failed")
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}
	if err := proto.WriteFrame(stream, req); err != nil {
		stream.CancelRead(0)
		_ = stream.Close()
		c.pool.drop(addr, conn, "write failed")
		return nil, err
	}
	// half-close so the server sees the end of the request
	if err := stream.Close(); err != nil {
		c.pool.drop(addr, conn, "close write failed")
		return nil, err
	}
	resp, err := proto.ReadFrameWithTypeCap(stream, proto.SoftMaxFrameSize, proto.TypeCap)
	if err != nil {
		c.pool.drop(addr, conn, "read failed")
		return nil, err
	}
	c.pool.touch(addr, conn)
	return resp, nil
}

// Push delivers an encoded envelope to p. A peer that already holds the
// transaction merges it and acknowledges like a fresh insert.
func (c *Client) Push(ctx context.Context, p peer.Peer, encoded []byte) error {
	if p.URI == nil || p.URI.Scheme != SchemeQUIC {
		return fmt.Errorf("quic client cannot reach %q", p.String())
	}
	msg, err := json.Marshal(proto.PushMsg{
		Type:     proto.MsgTypePush,
		Version:  proto.ProtoVersion,
		Envelope: base64.StdEncoding.EncodeToString(encoded),
	})
	if err != nil {
		return err
	}
	resp, err := c.Exchange(ctx, p.URI.Host, msg)
	if err != nil {
		return err
	}
	return DecodeAck(resp)
}

// DecodeAck turns a push reply into nil or an error.
func DecodeAck(resp []byte) error {
	switch proto.PeekType(resp) {
	case proto.MsgTypePushAck:
		return nil
	case proto.MsgTypeError:
		var em proto.ErrorMsg
		if err := json.Unmarshal(resp, &em); err != nil {
			return fmt.Errorf("%w: undecodable error reply", ErrRemote)
		}
		return fmt.Errorf("%w: %s: %s", ErrRemote, em.Code, em.Error)
	default:
		return fmt.Errorf("%w: unexpected reply type %s", ErrRemote, proto.PeekType(resp))
	}
}

func (c *Client) Close() error {
	c.pool.closeAll()
	return nil
}
