package listener

import (
	"strings"

	"github.com/openmined/onefilesync/internal/integrity"
)

// Command tokens sent by the agent.
const (
	TokenRequestDigest    = "REQMD5"
	TokenFileSend         = "FILESEND"
	TokenFileRequest      = "FILEREQUEST"
	TokenAgentReceivedOK  = "AGENTRECEIVEDFILEOK"
	TokenAgentReceivedErr = "AGENTRECEIVEDFILEERROR"
)

// CommandKind identifies an agent command after parsing.
type CommandKind int

const (
	CommandEmpty CommandKind = iota
	CommandRequestDigest
	CommandFileSend
	CommandFileRequest
	CommandAckReceivedOK
	CommandAckReceivedError
	CommandUnknown
)

func (k CommandKind) String() string {
	switch k {
	case CommandEmpty:
		return "empty"
	case CommandRequestDigest:
		return TokenRequestDigest
	case CommandFileSend:
		return TokenFileSend
	case CommandFileRequest:
		return TokenFileRequest
	case CommandAckReceivedOK:
		return TokenAgentReceivedOK
	case CommandAckReceivedError:
		return TokenAgentReceivedErr
	default:
		return "unknown"
	}
}

// Command is one parsed agent message. Digest and Payload are only set for
// CommandFileSend.
type Command struct {
	Kind    CommandKind
	Name    string
	Args    []string
	Digest  integrity.Digest
	Payload string
}

// ParseCommand splits a decrypted message into its command token and arguments.
func ParseCommand(plaintext string) Command {
	fields := strings.Fields(plaintext)
	if len(fields) == 0 {
		return Command{Kind: CommandEmpty}
	}

	cmd := Command{Name: fields[0], Args: fields[1:]}
	switch cmd.Name {
	case TokenRequestDigest:
		cmd.Kind = CommandRequestDigest
	case TokenFileSend:
		cmd.Kind = CommandFileSend
		if len(cmd.Args) > 0 {
			cmd.Digest = integrity.Digest(cmd.Args[0])
		}
		if len(cmd.Args) > 1 {
			cmd.Payload = cmd.Args[1]
		}
	case TokenFileRequest:
		cmd.Kind = CommandFileRequest
	case TokenAgentReceivedOK:
		cmd.Kind = CommandAckReceivedOK
	case TokenAgentReceivedErr:
		cmd.Kind = CommandAckReceivedError
	default:
		cmd.Kind = CommandUnknown
	}
	return cmd
}

// String renders the command back into wire plaintext.
func (c Command) String() string {
	if c.Kind == CommandEmpty {
		return ""
	}
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// FileSendCommand builds the plaintext an agent sends to push its file.
func FileSendCommand(digest integrity.Digest, payload string) string {
	return TokenFileSend + " " + digest.String() + " " + payload
}
