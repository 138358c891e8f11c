// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package shimipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// PeerID identifies a process in the IPC graph.
type PeerID uint32

// PeerIDSize is the size of the identification value a connecting peer
// writes right after connecting.
const PeerIDSize = 4

// Kind is the message kind tag carried in every header.
type Kind uint32

const (
	KindResp Kind = iota
	KindConnBack
	KindDummy
	KindChildExit
	KindLease
	KindOffer
	KindSublease
	KindQuery
	KindQueryAll
	KindAnswer
	KindPidKill
	KindPidGetStatus
	KindPidRetStatus
	KindPidGetMeta
	KindPidRetMeta
	KindSysvFindKey
	KindSysvTellKey
	KindSysvDelRes
	KindSysvMsgSnd
	KindSysvMsgRcv
	KindSysvSemOp
	KindSysvSemCtl
	KindSysvSemRet

	kindCount
)

var kindNames = [kindCount]string{
	KindResp:         "RESP",
	KindConnBack:     "CONNBACK",
	KindDummy:        "DUMMY",
	KindChildExit:    "CHILDEXIT",
	KindLease:        "LEASE",
	KindOffer:        "OFFER",
	KindSublease:     "SUBLEASE",
	KindQuery:        "QUERY",
	KindQueryAll:     "QUERYALL",
	KindAnswer:       "ANSWER",
	KindPidKill:      "PID_KILL",
	KindPidGetStatus: "PID_GETSTATUS",
	KindPidRetStatus: "PID_RETSTATUS",
	KindPidGetMeta:   "PID_GETMETA",
	KindPidRetMeta:   "PID_RETMETA",
	KindSysvFindKey:  "SYSV_FINDKEY",
	KindSysvTellKey:  "SYSV_TELLKEY",
	KindSysvDelRes:   "SYSV_DELRES",
	KindSysvMsgSnd:   "SYSV_MSGSND",
	KindSysvMsgRcv:   "SYSV_MSGRCV",
	KindSysvSemOp:    "SYSV_SEMOP",
	KindSysvSemCtl:   "SYSV_SEMCTL",
	KindSysvSemRet:   "SYSV_SEMRET",
}

// Valid reports whether k belongs to the known set of kinds.
func (k Kind) Valid() bool { return k < kindCount }

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("Kind(%d)", uint32(k))
	}
	return kindNames[k]
}

// ParseKind returns the kind with the given name, as printed by String.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if strings.EqualFold(n, name) {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("shimipc: unknown message kind %q", name)
}

// Header layout, little endian:
//
//	kind u32 | size u64 | src u32 | dst u32 | seq u64
const (
	offKind = 0
	offSize = 4
	offSrc  = 12
	offDst  = 16
	offSeq  = 20

	// MinimalSize is the size of the fixed message header.
	MinimalSize = 28

	respPayloadSize = 4
)

// DefaultMaxMessageSize bounds the size a peer may announce in a header.
const DefaultMaxMessageSize = 16 << 20

var (
	ErrBadSize     = errors.New("shimipc: invalid message size")
	ErrShortHeader = errors.New("shimipc: short message header")
)

// Message is a decoded IPC message.
type Message struct {
	Kind    Kind
	Size    uint64 // header + payload
	Src     PeerID
	Dst     PeerID
	Seq     uint64 // 0 means no reply is expected
	Payload []byte
}

// NewMessage creates a message of the given kind addressed to dst.
func NewMessage(kind Kind, src, dst PeerID, seq uint64, payload []byte) *Message {
	return &Message{
		Kind:    kind,
		Size:    uint64(MinimalSize + len(payload)),
		Src:     src,
		Dst:     dst,
		Seq:     seq,
		Payload: payload,
	}
}

// NewResponse creates the RESP message answering sequence seq.
func NewResponse(src, dst PeerID, seq uint64, retval int32) *Message {
	payload := make([]byte, respPayloadSize)
	binary.LittleEndian.PutUint32(payload, uint32(retval))
	return NewMessage(KindResp, src, dst, seq, payload)
}

// Retval returns the result code carried by a RESP message.
func (m *Message) Retval() (int32, error) {
	if m.Kind != KindResp {
		return 0, fmt.Errorf("shimipc: message kind %v carries no retval", m.Kind)
	}
	if len(m.Payload) < respPayloadSize {
		return 0, fmt.Errorf("shimipc: short response payload (%d bytes)", len(m.Payload))
	}
	return int32(binary.LittleEndian.Uint32(m.Payload)), nil
}

func (m *Message) String() string {
	return fmt.Sprintf("code=%v size=%d src=%d dst=%d seq=%d", m.Kind, m.Size, m.Src, m.Dst, m.Seq)
}

// MarshalBinary encodes the message in its wire form.
func (m *Message) MarshalBinary() ([]byte, error) {
	size := uint64(MinimalSize + len(m.Payload))
	if m.Size != 0 && m.Size != size {
		return nil, fmt.Errorf("shimipc: message size %d does not match payload (want %d): %w", m.Size, size, ErrBadSize)
	}
	buf := make([]byte, size)
	putHeader(buf, m.Kind, size, m.Src, m.Dst, m.Seq)
	copy(buf[MinimalSize:], m.Payload)
	return buf, nil
}

// UnmarshalBinary decodes a complete wire message. The payload aliases data.
func (m *Message) UnmarshalBinary(data []byte) error {
	if len(data) < MinimalSize {
		return ErrShortHeader
	}
	size := headerSize(data)
	if size != uint64(len(data)) {
		return fmt.Errorf("shimipc: header size %d, got %d bytes: %w", size, len(data), ErrBadSize)
	}
	m.Kind = Kind(binary.LittleEndian.Uint32(data[offKind:]))
	m.Size = size
	m.Src = PeerID(binary.LittleEndian.Uint32(data[offSrc:]))
	m.Dst = PeerID(binary.LittleEndian.Uint32(data[offDst:]))
	m.Seq = binary.LittleEndian.Uint64(data[offSeq:])
	m.Payload = data[MinimalSize:]
	return nil
}

func putHeader(buf []byte, kind Kind, size uint64, src, dst PeerID, seq uint64) {
	binary.LittleEndian.PutUint32(buf[offKind:], uint32(kind))
	binary.LittleEndian.PutUint64(buf[offSize:], size)
	binary.LittleEndian.PutUint32(buf[offSrc:], uint32(src))
	binary.LittleEndian.PutUint32(buf[offDst:], uint32(dst))
	binary.LittleEndian.PutUint64(buf[offSeq:], seq)
}

// headerSize reads the total_size field; hdr must hold a full header.
func headerSize(hdr []byte) uint64 {
	return binary.LittleEndian.Uint64(hdr[offSize:])
}

func encodePeerID(id PeerID) []byte {
	var b [PeerIDSize]byte
	binary.LittleEndian.PutUint32(b[:], uint32(id))
	return b[:]
}

func decodePeerID(b []byte) PeerID {
	return PeerID(binary.LittleEndian.Uint32(b))
}
