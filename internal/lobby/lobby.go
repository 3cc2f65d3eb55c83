// Package lobby holds the canonical per-lobby game state: append-only
// progression collections with dedup keys, and fixed-size savefile blobs with
// monotone merge rules. Every byte of save state only ever gains bits (or
// raises per-byte maxima for note totals); nothing is ever cleared.
package lobby

import "time"

// PosTolerance is the per-axis distance within which two positional notes on
// the same map are considered the same note.
const PosTolerance = 10

// Blob sizes, from the BK decomp savefile layout.
const (
	CheatFlagsSize        = 0x19
	GameFlagsSize         = 0x20
	HoneycombFlagsSize    = 0x03
	JiggyFlagsSize        = 0x0D
	TokenFlagsSize        = 0x10
	NoteTotalsSize        = 0x0F
	PuzzlesCompletedSize  = 11
	FileProgressFlagsSize = 0x25
	AbilityProgressSize   = 8
	HoneycombScoreSize    = 0x03
	MumboScoreSize        = 0x10
	NoteSaveSlotSize      = 32
	NoteSaveSlots         = 9
)

// CollectedNote is a positionally keyed note pickup.
type CollectedNote struct {
	MapID       int32  `json:"map_id"`
	X           int16  `json:"x"`
	Y           int16  `json:"y"`
	Z           int16  `json:"z"`
	CollectedBy string `json:"collected_by"`
	Timestamp   int64  `json:"timestamp"`
}

// CollectedJiggy is keyed by (level_id, jiggy_id).
type CollectedJiggy struct {
	LevelID     int32  `json:"level_id"`
	JiggyID     int32  `json:"jiggy_id"`
	CollectedBy string `json:"collected_by"`
	Timestamp   int64  `json:"timestamp"`
}

// CollectedHoneycomb is keyed by (map_id, honeycomb_id).
type CollectedHoneycomb struct {
	MapID       int32  `json:"map_id"`
	HoneycombID int32  `json:"honeycomb_id"`
	X           int32  `json:"x"`
	Y           int32  `json:"y"`
	Z           int32  `json:"z"`
	CollectedBy string `json:"collected_by"`
	Timestamp   int64  `json:"timestamp"`
}

// CollectedMumboToken is keyed by (map_id, token_id).
type CollectedMumboToken struct {
	MapID       int32  `json:"map_id"`
	TokenID     int32  `json:"token_id"`
	X           int32  `json:"x"`
	Y           int32  `json:"y"`
	Z           int32  `json:"z"`
	CollectedBy string `json:"collected_by"`
	Timestamp   int64  `json:"timestamp"`
}

// OpenedLevel is keyed by world_id alone.
type OpenedLevel struct {
	WorldID   int32  `json:"world_id"`
	JiggyCost int32  `json:"jiggy_cost"`
	OpenedBy  string `json:"opened_by"`
	Timestamp int64  `json:"timestamp"`
}

// SaveFlags are the savefile blobs shared by the whole lobby. All blobs merge
// by bitwise OR except NoteTotals, which keeps a per-byte maximum.
type SaveFlags struct {
	CheatFlags        []byte   `json:"cheat_flags"`
	GameFlags         []byte   `json:"game_flags"`
	HoneycombFlags    []byte   `json:"honeycomb_flags"`
	JiggyFlags        []byte   `json:"jiggy_flags"`
	TokenFlags        []byte   `json:"token_flags"`
	NoteTotals        []byte   `json:"note_totals"`
	PuzzlesCompleted  []byte   `json:"puzzles_completed"`
	LevelEvents       uint32   `json:"level_events"`
	FileProgressFlags []byte   `json:"file_progress_flags"`
	Moves             uint32   `json:"moves"`
	AbilityProgress   []byte   `json:"ability_progress"`
	HoneycombScore    []byte   `json:"honeycomb_score"`
	MumboScore        []byte   `json:"mumbo_score"`
	NoteSaveData      [][]byte `json:"note_save_data"`
}

func defaultSaveFlags() SaveFlags {
	slots := make([][]byte, NoteSaveSlots)
	for i := range slots {
		slots[i] = make([]byte, NoteSaveSlotSize)
	}
	return SaveFlags{
		CheatFlags:        make([]byte, CheatFlagsSize),
		GameFlags:         make([]byte, GameFlagsSize),
		HoneycombFlags:    make([]byte, HoneycombFlagsSize),
		JiggyFlags:        make([]byte, JiggyFlagsSize),
		TokenFlags:        make([]byte, TokenFlagsSize),
		NoteTotals:        make([]byte, NoteTotalsSize),
		PuzzlesCompleted:  make([]byte, PuzzlesCompletedSize),
		FileProgressFlags: make([]byte, FileProgressFlagsSize),
		AbilityProgress:   make([]byte, AbilityProgressSize),
		HoneycombScore:    make([]byte, HoneycombScoreSize),
		MumboScore:        make([]byte, MumboScoreSize),
		NoteSaveData:      slots,
	}
}

// Lobby is a named shared-state session. The caller (state layer) guards each
// Lobby with its own RWMutex; methods here assume the lock is held.
type Lobby struct {
	Name               string `json:"name"`
	Password           string `json:"password"`
	CreatedAt          int64  `json:"created_at"`
	LastActivity       int64  `json:"last_activity"`
	HasInitialSaveData bool   `json:"has_initial_save_data"`

	// Live players, id to username. Ephemeral: excluded from snapshots.
	Players map[uint32]string `json:"-"`

	CollectedNotes       []CollectedNote       `json:"collected_notes"`
	CollectedJiggies     []CollectedJiggy      `json:"collected_jiggies"`
	OpenedLevels         []OpenedLevel         `json:"opened_levels"`
	CollectedHoneycombs  []CollectedHoneycomb  `json:"collected_honeycombs"`
	CollectedMumboTokens []CollectedMumboToken `json:"collected_mumbo_tokens"`

	SaveFlags SaveFlags `json:"save_flags"`
}

// New creates an empty lobby. The password is fixed at creation; an empty
// password means the lobby is open.
func New(name, password string) *Lobby {
	now := time.Now().Unix()
	return &Lobby{
		Name:         name,
		Password:     password,
		CreatedAt:    now,
		LastActivity: now,
		Players:      make(map[uint32]string),
		SaveFlags:    defaultSaveFlags(),
	}
}

// Normalize repairs a lobby loaded from disk: missing or short blobs are
// padded to their expected sizes and the ephemeral player map is recreated.
func (l *Lobby) Normalize() {
	if l.Players == nil {
		l.Players = make(map[uint32]string)
	}
	def := defaultSaveFlags()
	pad := func(b []byte, want int) []byte {
		if len(b) >= want {
			return b[:want]
		}
		out := make([]byte, want)
		copy(out, b)
		return out
	}
	l.SaveFlags.CheatFlags = pad(l.SaveFlags.CheatFlags, CheatFlagsSize)
	l.SaveFlags.GameFlags = pad(l.SaveFlags.GameFlags, GameFlagsSize)
	l.SaveFlags.HoneycombFlags = pad(l.SaveFlags.HoneycombFlags, HoneycombFlagsSize)
	l.SaveFlags.JiggyFlags = pad(l.SaveFlags.JiggyFlags, JiggyFlagsSize)
	l.SaveFlags.TokenFlags = pad(l.SaveFlags.TokenFlags, TokenFlagsSize)
	l.SaveFlags.NoteTotals = pad(l.SaveFlags.NoteTotals, NoteTotalsSize)
	l.SaveFlags.PuzzlesCompleted = pad(l.SaveFlags.PuzzlesCompleted, PuzzlesCompletedSize)
	l.SaveFlags.FileProgressFlags = pad(l.SaveFlags.FileProgressFlags, FileProgressFlagsSize)
	l.SaveFlags.AbilityProgress = pad(l.SaveFlags.AbilityProgress, AbilityProgressSize)
	l.SaveFlags.HoneycombScore = pad(l.SaveFlags.HoneycombScore, HoneycombScoreSize)
	l.SaveFlags.MumboScore = pad(l.SaveFlags.MumboScore, MumboScoreSize)
	if len(l.SaveFlags.NoteSaveData) != NoteSaveSlots {
		l.SaveFlags.NoteSaveData = def.NoteSaveData
	} else {
		for i := range l.SaveFlags.NoteSaveData {
			l.SaveFlags.NoteSaveData[i] = pad(l.SaveFlags.NoteSaveData[i], NoteSaveSlotSize)
		}
	}
}

// UpdateActivity moves the activity clock forward. It never moves back.
func (l *Lobby) UpdateActivity() {
	now := time.Now().Unix()
	if now > l.LastActivity {
		l.LastActivity = now
	}
}

// IsIdle reports whether the lobby has seen no activity for timeout.
func (l *Lobby) IsIdle(timeout time.Duration) bool {
	return time.Now().Unix()-l.LastActivity >= int64(timeout.Seconds())
}

func (l *Lobby) AddPlayer(playerID uint32, username string) {
	l.Players[playerID] = username
	l.UpdateActivity()
}

func (l *Lobby) RemovePlayer(playerID uint32) {
	delete(l.Players, playerID)
	l.UpdateActivity()
}

func (l *Lobby) PlayerCount() int {
	return len(l.Players)
}

func absDelta(a, b int16) int16 {
	d := a - b
	if d < 0 {
		return -d
	}
	return d
}

// IsNoteCollected applies the proximity rule: same map and every axis within
// PosTolerance of an existing note.
func (l *Lobby) IsNoteCollected(mapID int32, x, y, z int16) bool {
	for _, n := range l.CollectedNotes {
		if n.MapID == mapID &&
			absDelta(n.X, x) <= PosTolerance &&
			absDelta(n.Y, y) <= PosTolerance &&
			absDelta(n.Z, z) <= PosTolerance {
			return true
		}
	}
	return false
}

// AddCollectedNote appends the note unless it dedups against an existing one.
// Returns true when the note was newly recorded.
func (l *Lobby) AddCollectedNote(mapID int32, x, y, z int16, collectedBy string) bool {
	if l.IsNoteCollected(mapID, x, y, z) {
		return false
	}
	l.CollectedNotes = append(l.CollectedNotes, CollectedNote{
		MapID:       mapID,
		X:           x,
		Y:           y,
		Z:           z,
		CollectedBy: collectedBy,
		Timestamp:   time.Now().Unix(),
	})
	l.UpdateActivity()
	return true
}

func (l *Lobby) IsJiggyCollected(levelID, jiggyID int32) bool {
	for _, j := range l.CollectedJiggies {
		if j.LevelID == levelID && j.JiggyID == jiggyID {
			return true
		}
	}
	return false
}

func (l *Lobby) AddCollectedJiggy(levelID, jiggyID int32, collectedBy string) bool {
	if l.IsJiggyCollected(levelID, jiggyID) {
		return false
	}
	l.CollectedJiggies = append(l.CollectedJiggies, CollectedJiggy{
		LevelID:     levelID,
		JiggyID:     jiggyID,
		CollectedBy: collectedBy,
		Timestamp:   time.Now().Unix(),
	})
	l.UpdateActivity()
	return true
}

func (l *Lobby) IsHoneycombCollected(mapID, honeycombID int32) bool {
	for _, h := range l.CollectedHoneycombs {
		if h.MapID == mapID && h.HoneycombID == honeycombID {
			return true
		}
	}
	return false
}

func (l *Lobby) AddCollectedHoneycomb(mapID, honeycombID, x, y, z int32, collectedBy string) bool {
	if l.IsHoneycombCollected(mapID, honeycombID) {
		return false
	}
	l.CollectedHoneycombs = append(l.CollectedHoneycombs, CollectedHoneycomb{
		MapID:       mapID,
		HoneycombID: honeycombID,
		X:           x,
		Y:           y,
		Z:           z,
		CollectedBy: collectedBy,
		Timestamp:   time.Now().Unix(),
	})
	l.UpdateActivity()
	return true
}

func (l *Lobby) IsMumboTokenCollected(mapID, tokenID int32) bool {
	for _, t := range l.CollectedMumboTokens {
		if t.MapID == mapID && t.TokenID == tokenID {
			return true
		}
	}
	return false
}

func (l *Lobby) AddCollectedMumboToken(mapID, tokenID, x, y, z int32, collectedBy string) bool {
	if l.IsMumboTokenCollected(mapID, tokenID) {
		return false
	}
	l.CollectedMumboTokens = append(l.CollectedMumboTokens, CollectedMumboToken{
		MapID:       mapID,
		TokenID:     tokenID,
		X:           x,
		Y:           y,
		Z:           z,
		CollectedBy: collectedBy,
		Timestamp:   time.Now().Unix(),
	})
	l.UpdateActivity()
	return true
}

func (l *Lobby) IsLevelOpened(worldID int32) bool {
	for _, o := range l.OpenedLevels {
		if o.WorldID == worldID {
			return true
		}
	}
	return false
}

func (l *Lobby) AddOpenedLevel(worldID, jiggyCost int32, openedBy string) bool {
	if l.IsLevelOpened(worldID) {
		return false
	}
	l.OpenedLevels = append(l.OpenedLevels, OpenedLevel{
		WorldID:   worldID,
		JiggyCost: jiggyCost,
		OpenedBy:  openedBy,
		Timestamp: time.Now().Unix(),
	})
	l.UpdateActivity()
	return true
}

// mergeOr ORs src into dst up to the shorter length. Oversize client blobs are
// truncated to the server-side size; short ones merge what they carry.
func mergeOr(dst, src []byte) bool {
	changed := false
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		old := dst[i]
		dst[i] |= src[i]
		if dst[i] != old {
			changed = true
		}
	}
	return changed
}

// mergeMax raises each dst byte to at least the corresponding src byte.
func mergeMax(dst, src []byte) bool {
	changed := false
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		if src[i] > dst[i] {
			dst[i] = src[i]
			changed = true
		}
	}
	return changed
}

func (l *Lobby) touchIf(changed bool) bool {
	if changed {
		l.UpdateActivity()
	}
	return changed
}

// FlagKind names a savefile blob for UpdateSaveFlags.
type FlagKind string

const (
	FlagCheat      FlagKind = "cheat"
	FlagGame       FlagKind = "game"
	FlagHoneycomb  FlagKind = "honeycomb"
	FlagJiggy      FlagKind = "jiggy"
	FlagToken      FlagKind = "token"
	FlagNoteTotals FlagKind = "note_totals"
	FlagPuzzles    FlagKind = "puzzles"
)

// UpdateSaveFlags merges data into the named blob. Unknown kinds are a no-op.
func (l *Lobby) UpdateSaveFlags(kind FlagKind, data []byte) bool {
	var changed bool
	switch kind {
	case FlagCheat:
		changed = mergeOr(l.SaveFlags.CheatFlags, data)
	case FlagGame:
		changed = mergeOr(l.SaveFlags.GameFlags, data)
	case FlagHoneycomb:
		changed = mergeOr(l.SaveFlags.HoneycombFlags, data)
	case FlagJiggy:
		changed = mergeOr(l.SaveFlags.JiggyFlags, data)
	case FlagToken:
		changed = mergeOr(l.SaveFlags.TokenFlags, data)
	case FlagNoteTotals:
		changed = mergeMax(l.SaveFlags.NoteTotals, data)
	case FlagPuzzles:
		changed = mergeOr(l.SaveFlags.PuzzlesCompleted, data)
	}
	return l.touchIf(changed)
}

// UpdateNoteSaveData merges a 32-byte slot. Out-of-range indexes and
// wrong-size payloads are rejected without touching state.
func (l *Lobby) UpdateNoteSaveData(levelIndex int, data []byte) bool {
	if levelIndex < 0 || levelIndex >= NoteSaveSlots || len(data) != NoteSaveSlotSize {
		return false
	}
	return l.touchIf(mergeOr(l.SaveFlags.NoteSaveData[levelIndex], data))
}

func (l *Lobby) UpdateFileProgressFlags(data []byte) bool {
	return l.touchIf(mergeOr(l.SaveFlags.FileProgressFlags, data))
}

func (l *Lobby) UpdateAbilityProgress(data []byte) bool {
	return l.touchIf(mergeOr(l.SaveFlags.AbilityProgress, data))
}

func (l *Lobby) UpdateHoneycombScore(data []byte) bool {
	return l.touchIf(mergeOr(l.SaveFlags.HoneycombScore, data))
}

func (l *Lobby) UpdateMumboScore(data []byte) bool {
	return l.touchIf(mergeOr(l.SaveFlags.MumboScore, data))
}

// UpdateLevelEvents ORs event bits into the packed u32.
func (l *Lobby) UpdateLevelEvents(bits uint32) bool {
	old := l.SaveFlags.LevelEvents
	l.SaveFlags.LevelEvents |= bits
	return l.touchIf(l.SaveFlags.LevelEvents != old)
}

// UpdateMoves ORs unlocked-move bits into the packed u32.
func (l *Lobby) UpdateMoves(bits uint32) bool {
	old := l.SaveFlags.Moves
	l.SaveFlags.Moves |= bits
	return l.touchIf(l.SaveFlags.Moves != old)
}
