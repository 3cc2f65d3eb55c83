// Package protocol defines the UDP wire protocol shared with the game client:
// one-byte type tags, fixed-layout packet bodies, and the reliability framing
// that sits between the tag and the body for reliable kinds.
package protocol

import "fmt"

// PacketType is the one-byte tag at the start of every datagram.
// The ordinals are part of the wire contract with the client mod.
type PacketType byte

const (
	Handshake              PacketType = 1
	PlayerConnected        PacketType = 3
	PlayerDisconnected     PacketType = 4
	Ping                   PacketType = 5
	Pong                   PacketType = 6
	FullSyncRequest        PacketType = 10
	NoteSaveData           PacketType = 11
	InitialSaveDataRequest PacketType = 12
	FileProgressFlags      PacketType = 13
	AbilityProgress        PacketType = 14
	HoneycombScore         PacketType = 15
	MumboScore             PacketType = 16
	HoneycombCollected     PacketType = 17
	MumboTokenCollected    PacketType = 18
	PuppetUpdate           PacketType = 20
	PuppetSyncRequest      PacketType = 21
	PlayerPosition         PacketType = 50
	JiggyCollected         PacketType = 51
	NoteCollected          PacketType = 52
	NoteCollectedPos       PacketType = 53
	LevelOpened            PacketType = 54
	PlayerInfoRequest      PacketType = 55
	PlayerInfoResponse     PacketType = 56
	PlayerListUpdate       PacketType = 57
	ReliableAck            PacketType = 60
)

var typeNames = map[PacketType]string{
	Handshake:              "Handshake",
	PlayerConnected:        "PlayerConnected",
	PlayerDisconnected:     "PlayerDisconnected",
	Ping:                   "Ping",
	Pong:                   "Pong",
	FullSyncRequest:        "FullSyncRequest",
	NoteSaveData:           "NoteSaveData",
	InitialSaveDataRequest: "InitialSaveDataRequest",
	FileProgressFlags:      "FileProgressFlags",
	AbilityProgress:        "AbilityProgress",
	HoneycombScore:         "HoneycombScore",
	MumboScore:             "MumboScore",
	HoneycombCollected:     "HoneycombCollected",
	MumboTokenCollected:    "MumboTokenCollected",
	PuppetUpdate:           "PuppetUpdate",
	PuppetSyncRequest:      "PuppetSyncRequest",
	PlayerPosition:         "PlayerPosition",
	JiggyCollected:         "JiggyCollected",
	NoteCollected:          "NoteCollected",
	NoteCollectedPos:       "NoteCollectedPos",
	LevelOpened:            "LevelOpened",
	PlayerInfoRequest:      "PlayerInfoRequest",
	PlayerInfoResponse:     "PlayerInfoResponse",
	PlayerListUpdate:       "PlayerListUpdate",
	ReliableAck:            "ReliableAck",
}

func (t PacketType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", byte(t))
}

// Known reports whether the tag maps to a named packet kind.
// Unrecognized tags are logged and dropped by the dispatcher, never fatal.
func (t PacketType) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// Reliable reports whether the kind uses the sequence/ack/retransmit protocol.
// For reliable kinds the first 4 bytes of the body are a little-endian sequence
// number; everything after it is the kind's body proper.
//
// ReliableAck itself is unreliable by definition.
func (t PacketType) Reliable() bool {
	switch t {
	case JiggyCollected,
		NoteCollected,
		NoteCollectedPos,
		NoteSaveData,
		FileProgressFlags,
		AbilityProgress,
		HoneycombScore,
		MumboScore,
		HoneycombCollected,
		MumboTokenCollected,
		LevelOpened,
		FullSyncRequest:
		return true
	}
	return false
}
