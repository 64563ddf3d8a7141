package denyretry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// PendingCommand is the on-disk record written when a command is blocked
// inside a script.
type PendingCommand struct {
	ID         string    `json:"id"`
	ScriptHash string    `json:"script_hash"`
	Commands   []string  `json:"commands"`
	Cwd        string    `json:"cwd"`
	CreatedAt  time.Time `json:"created_at"`
}

const machineKeyFile = ".machine-key"

// Store persists PendingCommand records as <id>.json.enc files under Dir
// (cmd/safesh uses <tmp>/safesh-pending/), each file encrypted at rest with a key derived from a per-install machine key
// file (generated once, reused across sessions).
type Store struct {
	Dir string
	key []byte
}

// NewStore ensures dir exists and loads (or creates) the machine key used
// to encrypt every pending-command file written under it.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	key, err := loadOrCreateKey(dir)
	if err != nil {
		return nil, err
	}
	return &Store{Dir: dir, key: key}, nil
}

func loadOrCreateKey(dir string) ([]byte, error) {
	path := filepath.Join(dir, machineKeyFile)
	if salt, err := os.ReadFile(path); err == nil {
		return deriveKey("safesh-pending-command-store", salt), nil
	}
	salt, err := generateSalt()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, err
	}
	return deriveKey("safesh-pending-command-store", salt), nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.Dir, id+".json.enc")
}

// Write atomically (rename-into-place) persists an encrypted PendingCommand.
func (s *Store) Write(pc PendingCommand) error {
	data, err := json.Marshal(pc)
	if err != nil {
		return err
	}
	enc, err := encrypt(s.key, data)
	if err != nil {
		return err
	}
	tmp := s.path(pc.ID) + ".tmp"
	if err := os.WriteFile(tmp, enc, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(pc.ID))
}

// Read loads and decrypts a pending-command record.
func (s *Store) Read(id string) (*PendingCommand, error) {
	enc, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, err
	}
	data, err := decrypt(s.key, enc)
	if err != nil {
		return nil, err
	}
	var pc PendingCommand
	if err := json.Unmarshal(data, &pc); err != nil {
		return nil, err
	}
	return &pc, nil
}

// Delete removes a pending-command record; a missing file is not an error.
func (s *Store) Delete(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
