package server

import (
	"net/netip"

	"github.com/bkcoop/coop-server/internal/lobby"
	"github.com/bkcoop/coop-server/internal/protocol"
	"github.com/bkcoop/coop-server/internal/state"
)

// sendFullLobbyState replays the whole lobby to one destination, all via the
// reliable path, in a fixed order the client mod depends on: the nine
// note-save slots, the four savefile blobs, then the historical collection
// events with player_id 0.
//
// The frames are assembled under the read lock and sent after it is released.
func (s *Server) sendFullLobbyState(h *state.LobbyHandle, addr netip.AddrPort) {
	type frame struct {
		typ     protocol.PacketType
		payload []byte
	}
	var frames []frame

	h.View(func(l *lobby.Lobby) {
		for i := 0; i < lobby.NoteSaveSlots; i++ {
			pkt := protocol.NoteSaveDataPacket{
				LevelIndex: int32(i),
				SaveData:   append([]byte(nil), l.SaveFlags.NoteSaveData[i]...),
			}
			frames = append(frames, frame{protocol.NoteSaveData, pkt.Encode()})
		}

		frames = append(frames,
			frame{protocol.FileProgressFlags, append([]byte(nil), l.SaveFlags.FileProgressFlags...)},
			frame{protocol.AbilityProgress, append([]byte(nil), l.SaveFlags.AbilityProgress...)},
			frame{protocol.HoneycombScore, append([]byte(nil), l.SaveFlags.HoneycombScore...)},
			frame{protocol.MumboScore, append([]byte(nil), l.SaveFlags.MumboScore...)},
		)

		// History replays carry player_id 0: the receiving client applies
		// them as lobby state rather than attributing them to a member.
		for _, j := range l.CollectedJiggies {
			pkt := protocol.JiggyPacket{JiggyEnumID: j.LevelID, CollectedValue: j.JiggyID}
			frames = append(frames, frame{protocol.JiggyCollected, pkt.EncodeBroadcast(0)})
		}
		for _, hc := range l.CollectedHoneycombs {
			pkt := protocol.CollectiblePacket{MapID: hc.MapID, ID: hc.HoneycombID, X: hc.X, Y: hc.Y, Z: hc.Z}
			frames = append(frames, frame{protocol.HoneycombCollected, pkt.EncodeBroadcast(0)})
		}
		for _, t := range l.CollectedMumboTokens {
			pkt := protocol.CollectiblePacket{MapID: t.MapID, ID: t.TokenID, X: t.X, Y: t.Y, Z: t.Z}
			frames = append(frames, frame{protocol.MumboTokenCollected, pkt.EncodeBroadcast(0)})
		}
		// Opened-level replays use the id-less layout; the client's full-sync
		// reader expects world_id and jiggy_cost only.
		for _, o := range l.OpenedLevels {
			pkt := protocol.LevelOpenedPacket{WorldID: o.WorldID, JiggyCost: o.JiggyCost}
			frames = append(frames, frame{protocol.LevelOpened, pkt.EncodeSnapshot()})
		}
	})

	for _, f := range frames {
		if err := s.endpoint.SendReliable(f.typ, f.payload, addr); err != nil {
			s.logger.Warn().Err(err).
				Stringer("type", f.typ).
				Stringer("addr", addr).
				Msg("Snapshot send failed")
		}
	}
}
