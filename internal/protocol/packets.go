package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrMalformedPayload is wrapped by every decode failure so the dispatcher can
// classify the drop without inspecting the message.
var ErrMalformedPayload = errors.New("malformed payload")

// NoteSaveSlotSize is the fixed size of a single note-save slot.
const NoteSaveSlotSize = 32

// NoteSaveSlots is the number of per-level note-save slots in a lobby.
const NoteSaveSlots = 9

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

func readI32LE(data []byte, offset int) (int32, error) {
	if offset+4 > len(data) {
		return 0, malformed("need 4 bytes at offset %d, have %d", offset, len(data))
	}
	return int32(binary.LittleEndian.Uint32(data[offset:])), nil
}

func readI16LE(data []byte, offset int) (int16, error) {
	if offset+2 > len(data) {
		return 0, malformed("need 2 bytes at offset %d, have %d", offset, len(data))
	}
	return int16(binary.LittleEndian.Uint16(data[offset:])), nil
}

// readString reads a 4-byte big-endian length prefix followed by UTF-8 bytes.
func readString(data []byte, offset int) (string, int, error) {
	if offset+4 > len(data) {
		return "", 0, malformed("string length prefix truncated at offset %d", offset)
	}
	n := int(binary.BigEndian.Uint32(data[offset:]))
	offset += 4
	if offset+n > len(data) {
		return "", 0, malformed("string of %d bytes overruns payload of %d", n, len(data))
	}
	raw := data[offset : offset+n]
	if !utf8.Valid(raw) {
		return "", 0, malformed("string is not valid UTF-8")
	}
	return string(raw), offset + n, nil
}

func appendU32BE(buf []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, v)
}

func appendI32BE(buf []byte, v int32) []byte {
	return binary.BigEndian.AppendUint32(buf, uint32(v))
}

// LoginPacket is the Handshake body: three length-prefixed UTF-8 strings.
type LoginPacket struct {
	LobbyName string
	Password  string
	Username  string
}

func DecodeLogin(data []byte) (LoginPacket, error) {
	var p LoginPacket
	var err error
	offset := 0

	if p.LobbyName, offset, err = readString(data, offset); err != nil {
		return p, fmt.Errorf("login lobby_name: %w", err)
	}
	if p.Password, offset, err = readString(data, offset); err != nil {
		return p, fmt.Errorf("login password: %w", err)
	}
	if p.Username, _, err = readString(data, offset); err != nil {
		return p, fmt.Errorf("login username: %w", err)
	}
	return p, nil
}

// JiggyPacket is the client JiggyCollected body, two little-endian i32.
type JiggyPacket struct {
	JiggyEnumID    int32
	CollectedValue int32
}

func DecodeJiggy(data []byte) (JiggyPacket, error) {
	var p JiggyPacket
	var err error
	if p.JiggyEnumID, err = readI32LE(data, 0); err != nil {
		return p, err
	}
	if p.CollectedValue, err = readI32LE(data, 4); err != nil {
		return p, err
	}
	return p, nil
}

// EncodeJiggyBroadcast widens to big-endian and prepends the collector's id.
func (p JiggyPacket) EncodeBroadcast(playerID uint32) []byte {
	buf := make([]byte, 0, 12)
	buf = appendU32BE(buf, playerID)
	buf = appendI32BE(buf, p.JiggyEnumID)
	buf = appendI32BE(buf, p.CollectedValue)
	return buf
}

// NotePacket is the legacy NoteCollected body:
// mapId(4 LE) + levelId(4 LE) + isDynamic(1) + noteIndex(4 LE).
type NotePacket struct {
	MapID     int32
	LevelID   int32
	IsDynamic bool
	NoteIndex int32
}

func DecodeNote(data []byte) (NotePacket, error) {
	var p NotePacket
	if len(data) < 13 {
		return p, malformed("note packet: expected 13 bytes, got %d", len(data))
	}
	p.MapID = int32(binary.LittleEndian.Uint32(data[0:]))
	p.LevelID = int32(binary.LittleEndian.Uint32(data[4:]))
	p.IsDynamic = data[8] != 0
	p.NoteIndex = int32(binary.LittleEndian.Uint32(data[9:]))
	return p, nil
}

func (p NotePacket) EncodeBroadcast(playerID uint32) []byte {
	dynamic := int32(0)
	if p.IsDynamic {
		dynamic = 1
	}
	buf := make([]byte, 0, 20)
	buf = appendU32BE(buf, playerID)
	buf = appendI32BE(buf, p.MapID)
	buf = appendI32BE(buf, p.LevelID)
	buf = appendI32BE(buf, dynamic)
	buf = appendI32BE(buf, p.NoteIndex)
	return buf
}

// NotePosPacket is the positional NoteCollectedPos body:
// mapId(4 LE) + x/y/z(2 LE i16 each). The i16 positions are widened to i32
// big-endian in the rebroadcast.
type NotePosPacket struct {
	MapID   int32
	X, Y, Z int16
}

func DecodeNotePos(data []byte) (NotePosPacket, error) {
	var p NotePosPacket
	var err error
	if p.MapID, err = readI32LE(data, 0); err != nil {
		return p, err
	}
	if p.X, err = readI16LE(data, 4); err != nil {
		return p, err
	}
	if p.Y, err = readI16LE(data, 6); err != nil {
		return p, err
	}
	if p.Z, err = readI16LE(data, 8); err != nil {
		return p, err
	}
	return p, nil
}

func (p NotePosPacket) EncodeBroadcast(playerID uint32) []byte {
	buf := make([]byte, 0, 20)
	buf = appendU32BE(buf, playerID)
	buf = appendI32BE(buf, p.MapID)
	buf = appendI32BE(buf, int32(p.X))
	buf = appendI32BE(buf, int32(p.Y))
	buf = appendI32BE(buf, int32(p.Z))
	return buf
}

// CollectiblePacket is the shared shape of HoneycombCollected and
// MumboTokenCollected: five little-endian i32.
type CollectiblePacket struct {
	MapID   int32
	ID      int32
	X, Y, Z int32
}

func DecodeCollectible(data []byte) (CollectiblePacket, error) {
	var p CollectiblePacket
	if len(data) < 20 {
		return p, malformed("collectible packet: expected 20 bytes, got %d", len(data))
	}
	p.MapID = int32(binary.LittleEndian.Uint32(data[0:]))
	p.ID = int32(binary.LittleEndian.Uint32(data[4:]))
	p.X = int32(binary.LittleEndian.Uint32(data[8:]))
	p.Y = int32(binary.LittleEndian.Uint32(data[12:]))
	p.Z = int32(binary.LittleEndian.Uint32(data[16:]))
	return p, nil
}

func (p CollectiblePacket) EncodeBroadcast(playerID uint32) []byte {
	buf := make([]byte, 0, 24)
	buf = appendU32BE(buf, playerID)
	buf = appendI32BE(buf, p.MapID)
	buf = appendI32BE(buf, p.ID)
	buf = appendI32BE(buf, p.X)
	buf = appendI32BE(buf, p.Y)
	buf = appendI32BE(buf, p.Z)
	return buf
}

// LevelOpenedPacket is two little-endian i32 from the client.
type LevelOpenedPacket struct {
	WorldID   int32
	JiggyCost int32
}

func DecodeLevelOpened(data []byte) (LevelOpenedPacket, error) {
	var p LevelOpenedPacket
	var err error
	if p.WorldID, err = readI32LE(data, 0); err != nil {
		return p, err
	}
	if p.JiggyCost, err = readI32LE(data, 4); err != nil {
		return p, err
	}
	return p, nil
}

// EncodeBroadcast carries the opener's id for live broadcasts.
func (p LevelOpenedPacket) EncodeBroadcast(playerID uint32) []byte {
	buf := make([]byte, 0, 12)
	buf = appendU32BE(buf, playerID)
	buf = appendI32BE(buf, p.WorldID)
	buf = appendI32BE(buf, p.JiggyCost)
	return buf
}

// EncodeSnapshot is the history-replay form: world_id and jiggy_cost only,
// no player id. The client mod expects this exact layout on full sync.
func (p LevelOpenedPacket) EncodeSnapshot() []byte {
	buf := make([]byte, 0, 8)
	buf = appendI32BE(buf, p.WorldID)
	buf = appendI32BE(buf, p.JiggyCost)
	return buf
}

// NoteSaveDataPacket is levelIndex(4 LE) + raw save bytes.
type NoteSaveDataPacket struct {
	LevelIndex int32
	SaveData   []byte
}

func DecodeNoteSaveData(data []byte) (NoteSaveDataPacket, error) {
	var p NoteSaveDataPacket
	var err error
	if p.LevelIndex, err = readI32LE(data, 0); err != nil {
		return p, err
	}
	p.SaveData = append([]byte(nil), data[4:]...)
	return p, nil
}

func (p NoteSaveDataPacket) Encode() []byte {
	buf := make([]byte, 0, 4+len(p.SaveData))
	buf = appendI32BE(buf, p.LevelIndex)
	return append(buf, p.SaveData...)
}

// EncodeBlobBroadcast frames an opaque savefile blob (FileProgressFlags,
// AbilityProgress, HoneycombScore, MumboScore) for rebroadcast: the sender's
// id big-endian followed by the raw bytes.
func EncodeBlobBroadcast(playerID uint32, blob []byte) []byte {
	buf := make([]byte, 0, 4+len(blob))
	buf = appendU32BE(buf, playerID)
	return append(buf, blob...)
}

// EncodePlayerEvent frames PlayerConnected / PlayerDisconnected:
// player_id BE u32 followed by a length-prefixed username.
func EncodePlayerEvent(playerID uint32, username string) []byte {
	buf := make([]byte, 0, 8+len(username))
	buf = appendU32BE(buf, playerID)
	buf = appendU32BE(buf, uint32(len(username)))
	return append(buf, username...)
}

// EncodePuppetForward frames a relayed puppet blob. The id is little-endian
// here; the in-game puppet reader consumes native N64 ordering.
func EncodePuppetForward(playerID uint32, blob []byte) []byte {
	buf := make([]byte, 0, 4+len(blob))
	buf = binary.LittleEndian.AppendUint32(buf, playerID)
	return append(buf, blob...)
}
