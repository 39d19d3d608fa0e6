// Package snap implements the account range part of the snap/1 wire
// protocol: request and response packets, a server answering them from
// local state tries, and in-process peers the sync engine can talk to.
package snap

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/eth2030/snapsync/sync"
)

// Protocol identification.
const (
	ProtocolName    = "snap"
	ProtocolVersion = 1
)

// Message codes of the account range exchange.
const (
	GetAccountRangeMsg = 0x00
	AccountRangeMsg    = 0x01
)

// Serving limits.
const (
	// MaxAccountRangeResponse caps the number of accounts in one response.
	MaxAccountRangeResponse = 4096

	// softResponseLimit caps the byte budget a requester may ask for.
	softResponseLimit = 2 * 1024 * 1024

	// maxMessageSize bounds an encoded message on the wire.
	maxMessageSize = 10 * 1024 * 1024
)

// Protocol errors.
var (
	ErrMsgTooLarge     = errors.New("snap: message too large")
	ErrUnexpectedCode  = errors.New("snap: unexpected message code")
	ErrDecode          = errors.New("snap: invalid message")
	ErrMismatchedID    = errors.New("snap: response id does not match request")
	ErrHandlerStopped  = errors.New("snap: handler stopped")
	ErrRequestThrottle = errors.New("snap: request throttled")
)

// Msg is one framed protocol message.
type Msg struct {
	Code    uint64
	Size    uint32
	Payload []byte
}

// GetAccountRangePacket requests the accounts of the inclusive hash range
// [Origin, Limit] from the trie at Root, up to about Bytes of payload.
type GetAccountRangePacket struct {
	ID     uint64
	Root   common.Hash
	Origin common.Hash
	Limit  common.Hash
	Bytes  uint64
}

// AccountRangePacket answers a GetAccountRangePacket. Account bodies use the
// slim encoding; Proof holds the boundary proof nodes.
type AccountRangePacket struct {
	ID       uint64
	Accounts []*sync.AccountData
	Proof    [][]byte
}

// NewGetAccountRangePacket builds the wire request for a sync request.
func NewGetAccountRangePacket(req *sync.Request) *GetAccountRangePacket {
	return &GetAccountRangePacket{
		ID:     req.ID,
		Root:   req.Root,
		Origin: req.Range.Start,
		Limit:  req.Range.Limit(),
		Bytes:  uint64(req.ResponseBytes),
	}
}

// Response converts the packet into the sync engine's response type.
func (p *AccountRangePacket) Response() *sync.Response {
	return &sync.Response{Accounts: p.Accounts, Proof: p.Proof}
}

// encodeMsg frames val under code.
func encodeMsg(code uint64, val interface{}) (Msg, error) {
	payload, err := rlp.EncodeToBytes(val)
	if err != nil {
		return Msg{}, fmt.Errorf("encode msg %#x: %w", code, err)
	}
	if len(payload) > maxMessageSize {
		return Msg{}, fmt.Errorf("%w: %d bytes", ErrMsgTooLarge, len(payload))
	}
	return Msg{Code: code, Size: uint32(len(payload)), Payload: payload}, nil
}

// decodeMsg decodes the payload of msg into val after checking its code.
func decodeMsg(msg Msg, code uint64, val interface{}) error {
	if msg.Code != code {
		return fmt.Errorf("%w: have %#x, want %#x", ErrUnexpectedCode, msg.Code, code)
	}
	if msg.Size > maxMessageSize || len(msg.Payload) > maxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMsgTooLarge, msg.Size)
	}
	if err := rlp.DecodeBytes(msg.Payload, val); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}
