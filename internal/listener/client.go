package listener

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/openmined/onefilesync/internal/envelope"
)

// Client speaks the agent side of the protocol: one sealed message per
// connection, then it half-closes and reads the sealed reply.
type Client struct {
	addr     string
	envelope *envelope.Envelope
	timeout  time.Duration
}

// NewClient returns a Client for the listener at addr. A zero timeout leaves
// the connection without a deadline.
func NewClient(addr string, env *envelope.Envelope, timeout time.Duration) *Client {
	return &Client{addr: addr, envelope: env, timeout: timeout}
}

// Exchange sends plaintext and returns the decrypted reply. An empty string
// with a nil error means the listener closed without replying.
func (c *Client) Exchange(ctx context.Context, plaintext string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	if c.timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return "", err
		}
	}

	sealed, err := c.envelope.Seal(ctx, plaintext)
	if err != nil {
		return "", err
	}
	if err := c.sendRaw(conn, sealed); err != nil {
		return "", err
	}

	reply, err := io.ReadAll(conn)
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	if len(reply) == 0 {
		return "", nil
	}
	return c.envelope.Open(ctx, reply)
}

// Request is Exchange followed by ParseResponse.
func (c *Client) Request(ctx context.Context, plaintext string) (Response, error) {
	reply, err := c.Exchange(ctx, plaintext)
	if err != nil {
		return Response{}, err
	}
	return ParseResponse(reply)
}

func (c *Client) sendRaw(conn net.Conn, data []byte) error {
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if hc, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := hc.CloseWrite(); err != nil {
			return fmt.Errorf("close write: %w", err)
		}
	}
	return nil
}
