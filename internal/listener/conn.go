package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/openmined/onefilesync/internal/envelope"
)

var (
	// ErrPeerReset is a read aborted by a TCP reset from the agent.
	ErrPeerReset = errors.New("connection reset by peer")

	// ErrReadTimeout is a read that outlived the connection deadline.
	ErrReadTimeout = errors.New("read timed out")

	// ErrMessageTooLarge is a message longer than max_message_bytes.
	ErrMessageTooLarge = errors.New("message exceeds size limit")
)

// serveConn runs one connection from accept to close:
// read until the peer closes its write side, decrypt, dispatch, encrypt,
// write once, close. A request already read is answered even if ctx is
// cancelled meanwhile; the envelope timeout still bounds it.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	ctx = context.WithoutCancel(ctx)

	peer := conn.RemoteAddr().String()
	log := s.logger.With("conn", uuid.NewString(), "peer", peer)
	log.Debug("connection accepted")

	if s.cfg.ConnTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(s.cfg.ConnTimeout)); err != nil {
			log.Warn("unable to set connection deadline", "error", err)
		}
	}

	data, err := readMessage(conn, s.cfg.MaxMessageBytes)
	var resp Response
	switch {
	case errors.Is(err, ErrMessageTooLarge):
		// read the rest so closing after the reply does not reset the peer
		discarded, _ := io.Copy(io.Discard, conn)
		log.Error("message too large", "limit", humanize.IBytes(uint64(s.cfg.MaxMessageBytes)), "discarded", humanize.IBytes(uint64(discarded)))
		resp = Response{Kind: NoValidData}
	case err != nil:
		log.Error("read failed, dropping connection", "error", err)
		return
	default:
		log.Debug("message received", "size", humanize.IBytes(uint64(len(data))))
		resp = s.respond(ctx, log, peer, data)
	}

	if !resp.HasReply() {
		log.Debug("closing without reply")
		return
	}

	sealed, err := s.envelope.Seal(ctx, resp.String())
	if err != nil {
		log.Error("unable to encrypt response", "response", resp.Kind, "error", err)
		return
	}

	if _, err := conn.Write(sealed); err != nil {
		log.Error("response send error", "error", err)
		return
	}
	log.Debug("responded", "response", resp.Kind, "size", humanize.IBytes(uint64(len(sealed))))
}

func (s *Server) respond(ctx context.Context, log *slog.Logger, peer string, data []byte) Response {
	plaintext, err := s.envelope.Open(ctx, data)
	if err != nil {
		if errors.Is(err, envelope.ErrDecrypt) {
			log.Error("no valid data decrypted, is the token the same on listener and agent?", "error", err)
		} else {
			log.Error("unable to open message", "error", err)
		}
		return Response{Kind: NoValidData}
	}

	return s.engine.Handle(ctx, peer, ParseCommand(plaintext))
}

// readMessage consumes r until EOF. There is no length prefix: the message
// ends when the peer closes its write side.
func readMessage(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, classifyReadError(err)
	}
	if int64(len(data)) > limit {
		return nil, ErrMessageTooLarge
	}
	return data, nil
}

func classifyReadError(err error) error {
	if errors.Is(err, syscall.ECONNRESET) {
		return fmt.Errorf("%w: %w", ErrPeerReset, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrReadTimeout, err)
	}
	return err
}
