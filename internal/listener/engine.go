package listener

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"github.com/openmined/onefilesync/internal/config"
	"github.com/openmined/onefilesync/internal/integrity"
	"github.com/openmined/onefilesync/internal/transfer"
	"github.com/spf13/afero"
)

// Engine decides the response to a single agent command. It keeps no state
// between requests; the file on disk is the only thing it consults.
type Engine struct {
	fs     afero.Fs
	target string
	grace  time.Duration
	files  *transfer.Manager
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewEngine returns an Engine for cfg.SyncFile. A nil clock or logger falls
// back to the real clock and slog.Default.
func NewEngine(cfg *config.Config, fs afero.Fs, files *transfer.Manager, clock clockwork.Clock, logger *slog.Logger) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		fs:     fs,
		target: cfg.SyncFile,
		grace:  cfg.GracePeriod,
		files:  files,
		clock:  clock,
		logger: logger,
	}
}

// Handle runs cmd from peer and returns what to send back.
func (e *Engine) Handle(ctx context.Context, peer string, cmd Command) Response {
	log := e.logger.With("peer", peer)

	switch cmd.Kind {
	case CommandRequestDigest:
		log.Debug("command received", "command", cmd.Kind)
		return e.currentDigest(log)

	case CommandFileSend:
		log.Info("agent file changed, receiving file from agent")
		return e.receive(ctx, log, cmd)

	case CommandFileRequest:
		log.Info("listener file changed, agent requesting file")
		return e.send(ctx, log)

	case CommandAckReceivedOK:
		log.Info("agent received file OK")
		return Response{Kind: NoReply}

	case CommandAckReceivedError:
		log.Error("agent failed to receive file")
		return Response{Kind: NoReply}

	case CommandEmpty:
		log.Error("no valid data in request")
		return Response{Kind: NoValidData}

	default:
		log.Error("unknown command", "command", cmd.Name)
		return Response{Kind: NoReply}
	}
}

func (e *Engine) currentDigest(log *slog.Logger) Response {
	recent, err := e.changedRecently()
	if err != nil {
		log.Error("unable to stat sync file", "error", err)
		return Response{Kind: NoValidData}
	}
	if recent {
		log.Debug("listener file changed recently", "grace", e.grace)
		return Response{Kind: RecentlyChanged}
	}

	digest, err := integrity.FileDigest(e.fs, e.target)
	if err != nil {
		log.Error("unable to get digest of sync file", "error", err)
		return Response{Kind: NoValidData}
	}

	log.Debug("returning current digest", "digest", digest)
	return Response{Kind: CurrentDigest, Digest: digest}
}

// changedRecently reports whether the target was modified less than the grace
// period ago.
func (e *Engine) changedRecently() (bool, error) {
	info, err := e.fs.Stat(e.target)
	if err != nil {
		return false, &integrity.IOFailureError{Path: e.target, Err: err}
	}
	return e.clock.Now().Sub(info.ModTime()) < e.grace, nil
}

func (e *Engine) receive(ctx context.Context, log *slog.Logger, cmd Command) Response {
	if cmd.Digest == "" {
		log.Error("file send without digest")
		return Response{Kind: ReceivedError}
	}
	log.Debug("received digest", "digest", cmd.Digest, "payload", humanize.IBytes(uint64(len(cmd.Payload))))

	err := e.files.Receive(ctx, cmd.Payload, cmd.Digest)
	switch {
	case err == nil:
		log.Info("received file OK")
		return Response{Kind: ReceivedOK}
	case errors.Is(err, transfer.ErrVerificationFailed), errors.Is(err, transfer.ErrInvalidPayload):
		log.Error("received file is invalid, not overwriting local file", "error", err)
	default:
		log.Error("unable to store received file", "error", err)
	}
	return Response{Kind: ReceivedError}
}

func (e *Engine) send(ctx context.Context, log *slog.Logger) Response {
	digest, payload, err := e.files.Snapshot(ctx)
	if err != nil {
		log.Error("unable to read sync file", "error", err)
		return Response{Kind: NoValidData}
	}
	log.Debug("sending digest and file to agent", "digest", digest, "payload", humanize.IBytes(uint64(len(payload))))
	return Response{Kind: FileSend, Digest: digest, Payload: payload}
}
