package listener

import (
	"fmt"
	"strings"

	"github.com/openmined/onefilesync/internal/integrity"
)

// Response tokens sent back to the agent.
const (
	TokenCurrentDigest   = "LISTENERCURRENTMD5"
	TokenRecentlyChanged = "LISTENERFILECHANGEDRECENTLY"
	TokenListenerSend    = "LISTENERFILESEND"
	TokenReceivedOK      = "LISTENERRECEIVEDFILEOK"
	TokenReceivedError   = "LISTENERRECEIVEDFILEERROR"
	TokenNoValidData     = "NOVALIDDATA"
)

// ResponseKind identifies the listener's answer to a command.
type ResponseKind int

const (
	// NoReply means the connection is closed without writing anything.
	NoReply ResponseKind = iota
	CurrentDigest
	RecentlyChanged
	FileSend
	ReceivedOK
	ReceivedError
	NoValidData
)

func (k ResponseKind) String() string {
	switch k {
	case NoReply:
		return "no reply"
	case CurrentDigest:
		return TokenCurrentDigest
	case RecentlyChanged:
		return TokenRecentlyChanged
	case FileSend:
		return TokenListenerSend
	case ReceivedOK:
		return TokenReceivedOK
	case ReceivedError:
		return TokenReceivedError
	case NoValidData:
		return TokenNoValidData
	default:
		return fmt.Sprintf("ResponseKind(%d)", int(k))
	}
}

// Response is the outcome of one command. Digest and Payload are set only
// for the kinds that carry them.
type Response struct {
	Kind    ResponseKind
	Digest  integrity.Digest
	Payload string
}

// HasReply reports whether anything is written back to the peer.
func (r Response) HasReply() bool {
	return r.Kind != NoReply
}

// String renders the plaintext sent to the peer.
func (r Response) String() string {
	switch r.Kind {
	case NoReply:
		return ""
	case CurrentDigest:
		return TokenCurrentDigest + " " + r.Digest.String()
	case FileSend:
		return TokenListenerSend + " " + r.Digest.String() + " " + r.Payload
	default:
		return r.Kind.String()
	}
}

// ParseResponse is the agent-side inverse of Response.String.
func ParseResponse(plaintext string) (Response, error) {
	fields := strings.Fields(plaintext)
	if len(fields) == 0 {
		return Response{Kind: NoReply}, nil
	}

	switch fields[0] {
	case TokenCurrentDigest:
		if len(fields) < 2 {
			return Response{}, fmt.Errorf("%s without digest", TokenCurrentDigest)
		}
		return Response{Kind: CurrentDigest, Digest: integrity.Digest(fields[1])}, nil
	case TokenListenerSend:
		if len(fields) < 2 {
			return Response{}, fmt.Errorf("%s without digest", TokenListenerSend)
		}
		r := Response{Kind: FileSend, Digest: integrity.Digest(fields[1])}
		if len(fields) > 2 {
			r.Payload = fields[2]
		}
		return r, nil
	case TokenRecentlyChanged:
		return Response{Kind: RecentlyChanged}, nil
	case TokenReceivedOK:
		return Response{Kind: ReceivedOK}, nil
	case TokenReceivedError:
		return Response{Kind: ReceivedError}, nil
	case TokenNoValidData:
		return Response{Kind: NoValidData}, nil
	default:
		return Response{}, fmt.Errorf("unrecognized response %q", fields[0])
	}
}
