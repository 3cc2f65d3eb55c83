package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bkcoop/coop-server/internal/lobby"
)

// saveLobby writes one JSON file per lobby, keyed by lobby name. The live
// player map is excluded via its field tag. Lobby names that would escape the
// persistence directory are refused.
func (s *State) saveLobby(l *lobby.Lobby) error {
	if strings.ContainsAny(l.Name, "/\\") || l.Name == "." || l.Name == ".." {
		return fmt.Errorf("refusing to persist lobby with unsafe name %q", l.Name)
	}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lobby %s: %w", l.Name, err)
	}
	path := filepath.Join(s.cfg.Server.PersistenceDir, l.Name+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write lobby %s: %w", l.Name, err)
	}
	return nil
}

// loadLobbies restores every *.json snapshot in dir. Unreadable or
// unparseable files are logged and skipped; a missing directory is fine.
func (s *State) loadLobbies(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to read persistence dir")
		}
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Failed to read lobby file")
			continue
		}
		var l lobby.Lobby
		if err := json.Unmarshal(data, &l); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Failed to parse lobby file")
			continue
		}
		l.Normalize()
		s.lobbies[l.Name] = &LobbyHandle{l: &l}
		s.logger.Info().Str("lobby", l.Name).Msg("Loaded lobby")
	}
}
