// Package command holds the parsed client command model and the
// replicated inner command that travels through consensus.
package command

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/amberkv/amberkv/pkg/resp"
)

// SetOption restricts a SET to the absent/present precondition, or is
// unset.
type SetOption int

const (
	SetOptionNone SetOption = iota
	SetOptionNX             // only set if the key is currently absent
	SetOptionXX             // only set if the key currently exists
)

// Verb tags a ClientCmd's variant.
type Verb int

const (
	VerbGet Verb = iota
	VerbSet
	VerbDel
	VerbPing
	VerbUnknown
)

// ClientCmd is the parsed, semantically typed form of a client request.
type ClientCmd struct {
	Verb      Verb
	Key       []byte
	Value     []byte
	Option    SetOption
	UnknownBy string // raw verb or reason, for diagnostics on VerbUnknown
}

// FromValue parses a decoded RESP frame into a ClientCmd. The frame must
// be a top-level Array of BulkString elements; anything else, any
// arity/option mismatch, or an unrecognised verb yields VerbUnknown.
func FromValue(v resp.Value) ClientCmd {
	if v.Kind != resp.KindArray || len(v.Array) == 0 {
		return ClientCmd{Verb: VerbUnknown, UnknownBy: "expected non-empty array"}
	}
	parts := make([][]byte, 0, len(v.Array))
	for _, elem := range v.Array {
		if elem.Kind != resp.KindBulkString || elem.Bulk == nil {
			return ClientCmd{Verb: VerbUnknown, UnknownBy: "expected bulk string elements"}
		}
		parts = append(parts, elem.Bulk)
	}

	verb := strings.ToUpper(string(parts[0]))
	switch verb {
	case "GET":
		if len(parts) != 2 {
			return ClientCmd{Verb: VerbUnknown, UnknownBy: "GET requires exactly 1 key"}
		}
		return ClientCmd{Verb: VerbGet, Key: parts[1]}
	case "SET":
		if len(parts) != 3 && len(parts) != 4 {
			return ClientCmd{Verb: VerbUnknown, UnknownBy: "SET requires key and value, optionally NX|XX"}
		}
		opt := SetOptionNone
		if len(parts) == 4 {
			switch strings.ToUpper(string(parts[3])) {
			case "NX":
				opt = SetOptionNX
			case "XX":
				opt = SetOptionXX
			default:
				return ClientCmd{Verb: VerbUnknown, UnknownBy: "unknown SET option"}
			}
		}
		return ClientCmd{Verb: VerbSet, Key: parts[1], Value: parts[2], Option: opt}
	case "DEL":
		if len(parts) != 2 {
			return ClientCmd{Verb: VerbUnknown, UnknownBy: "DEL requires exactly 1 key"}
		}
		return ClientCmd{Verb: VerbDel, Key: parts[1]}
	case "PING":
		if len(parts) != 1 {
			return ClientCmd{Verb: VerbUnknown, UnknownBy: "PING takes no arguments"}
		}
		return ClientCmd{Verb: VerbPing}
	default:
		return ClientCmd{Verb: VerbUnknown, UnknownBy: fmt.Sprintf("unknown command %q", verb)}
	}
}

// RequestId is a 128-bit value minted per submitted write, correlating
// an in-flight client write with its eventually committed log entry.
type RequestId uuid.UUID

// NewRequestId mints a fresh RequestId.
func NewRequestId() RequestId { return RequestId(uuid.New()) }

func (id RequestId) String() string { return uuid.UUID(id).String() }

// InnerKind tags an InnerCmd's variant. Get exists for uniformity with
// ClientCmd but must never reach the apply path: reads are served
// locally and never replicated.
type InnerKind int

const (
	InnerGet InnerKind = iota
	InnerSet
	InnerDel
)

// InnerCmd is the replicated command: the unit that is serialised,
// proposed to Raft, and applied identically on every replica.
type InnerCmd struct {
	RequestId RequestId
	Kind      InnerKind
	Key       []byte
	Value     []byte
	Option    SetOption
}

// ErrUnknownCommand is returned by New when cmd is VerbUnknown.
type ErrUnknownCommand struct{ Reason string }

func (e *ErrUnknownCommand) Error() string { return fmt.Sprintf("unknown command: %s", e.Reason) }

// New mints an InnerCmd from a parsed ClientCmd, allocating a fresh
// RequestId. Only VerbSet and VerbDel are admitted: VerbPing and VerbGet
// are served locally by the connection handler and never submitted, so
// New rejects them, as it does VerbUnknown.
func New(cmd ClientCmd) (InnerCmd, error) {
	switch cmd.Verb {
	case VerbSet:
		return InnerCmd{RequestId: NewRequestId(), Kind: InnerSet, Key: cmd.Key, Value: cmd.Value, Option: cmd.Option}, nil
	case VerbDel:
		return InnerCmd{RequestId: NewRequestId(), Kind: InnerDel, Key: cmd.Key}, nil
	case VerbGet:
		return InnerCmd{}, &ErrUnknownCommand{Reason: "GET is served locally and must not be submitted to sync"}
	default:
		reason := cmd.UnknownBy
		if reason == "" {
			reason = "unrecognised command"
		}
		return InnerCmd{}, &ErrUnknownCommand{Reason: reason}
	}
}

// wire format: a stable, self-describing little-endian binary encoding.
// All replicas must decode byte-identically; changing this layout is a
// cluster-coordinated upgrade.
//
// byte 0:     kind (0=Get 1=Set 2=Del)
// byte 1:     option (0=None 1=NX 2=XX), meaningful only for Set
// bytes 2-17: request id, raw 16 bytes
// bytes 18-21: key length (uint32 LE)
// bytes N...:  key bytes
// next 4:     value length (uint32 LE), 0 for Del
// next M:     value bytes

// Encode renders cmd into the stable wire format.
func (c InnerCmd) Encode() []byte {
	buf := make([]byte, 0, 2+16+4+len(c.Key)+4+len(c.Value))
	buf = append(buf, byte(c.Kind), byte(c.Option))
	buf = append(buf, c.RequestId[:]...)
	buf = appendUint32LE(buf, uint32(len(c.Key)))
	buf = append(buf, c.Key...)
	buf = appendUint32LE(buf, uint32(len(c.Value)))
	buf = append(buf, c.Value...)
	return buf
}

// Decode parses the stable wire format produced by Encode.
func Decode(b []byte) (InnerCmd, error) {
	if len(b) < 2+16+4 {
		return InnerCmd{}, fmt.Errorf("command: truncated inner command header (%d bytes)", len(b))
	}
	var c InnerCmd
	c.Kind = InnerKind(b[0])
	c.Option = SetOption(b[1])
	copy(c.RequestId[:], b[2:18])
	off := 18

	keyLen, off, err := readUint32LE(b, off)
	if err != nil {
		return InnerCmd{}, err
	}
	if off+int(keyLen) > len(b) {
		return InnerCmd{}, fmt.Errorf("command: truncated key (want %d bytes)", keyLen)
	}
	c.Key = bytes.Clone(b[off : off+int(keyLen)])
	off += int(keyLen)

	valLen, off, err := readUint32LE(b, off)
	if err != nil {
		return InnerCmd{}, err
	}
	if off+int(valLen) > len(b) {
		return InnerCmd{}, fmt.Errorf("command: truncated value (want %d bytes)", valLen)
	}
	c.Value = bytes.Clone(b[off : off+int(valLen)])

	if c.Kind != InnerGet && c.Kind != InnerSet && c.Kind != InnerDel {
		return InnerCmd{}, fmt.Errorf("command: unrecognised inner kind %d", c.Kind)
	}
	return c, nil
}

func appendUint32LE(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func readUint32LE(b []byte, off int) (uint32, int, error) {
	if off+4 > len(b) {
		return 0, off, fmt.Errorf("command: truncated length prefix")
	}
	v := uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
	return v, off + 4, nil
}
