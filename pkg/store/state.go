// Package store persists daemon state that must survive restarts in a bbolt
// database.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/markus-lassfolk/ons/pkg"
	"github.com/markus-lassfolk/ons/pkg/logx"
)

// Bucket names for the state database
const (
	SettingsBucket  = "settings"
	SelectionBucket = "selection"
)

var (
	keyEnabled = []byte("enabled")
	keyLast    = []byte("last")
)

// Selection is the last finished selection
type Selection struct {
	RequestID  string    `json:"request_id"`
	Class      string    `json:"class"`
	Result     string    `json:"result"`
	SubID      int       `json:"sub_id"`
	FinishedAt time.Time `json:"finished_at"`
}

// State is the persistent state store
type State struct {
	db     *bolt.DB
	logger *logx.Logger
}

// Open opens or creates the state database at path
func Open(path string, logger *logx.Logger) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	s := &State{db: db, logger: logger}
	if err := s.initializeBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state buckets: %w", err)
	}

	logger.Debug("State database opened", "path", path)
	return s, nil
}

func (s *State) initializeBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{SettingsBucket, SelectionBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// LoadEnabled returns the persisted enable flag. found is false when the flag
// was never written.
func (s *State) LoadEnabled() (enabled, found bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(SettingsBucket)).Get(keyEnabled)
		if v == nil {
			return nil
		}
		found = true
		enabled = len(v) == 1 && v[0] == 1
		return nil
	})
	return enabled, found, err
}

// SaveEnabled persists the enable flag
func (s *State) SaveEnabled(enabled bool) error {
	v := []byte{0}
	if enabled {
		v[0] = 1
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(SettingsBucket)).Put(keyEnabled, v)
	}); err != nil {
		return fmt.Errorf("failed to store enable flag: %w", err)
	}
	return nil
}

// SaveSelection replaces the last selection record
func (s *State) SaveSelection(sel Selection) error {
	data, err := json.Marshal(sel)
	if err != nil {
		return fmt.Errorf("failed to marshal selection: %w", err)
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(SelectionBucket)).Put(keyLast, data)
	}); err != nil {
		return fmt.Errorf("failed to store selection: %w", err)
	}
	return nil
}

// LastSelection returns the last selection record, or nil
func (s *State) LastSelection() (*Selection, error) {
	var sel *Selection
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(SelectionBucket)).Get(keyLast)
		if data == nil {
			return nil
		}
		sel = &Selection{}
		if err := json.Unmarshal(data, sel); err != nil {
			return fmt.Errorf("failed to unmarshal selection: %w", err)
		}
		return nil
	})
	return sel, err
}

// Emit records finished selections. It implements pkg.EventSink.
func (s *State) Emit(e *pkg.Event) {
	if e.Type != pkg.EventSelectionFinished {
		return
	}
	sel := Selection{
		RequestID:  e.RequestID,
		Class:      e.Class,
		Result:     e.Result,
		SubID:      e.SubID,
		FinishedAt: e.Timestamp,
	}
	if err := s.SaveSelection(sel); err != nil {
		s.logger.Warn("Failed to persist selection", "request_id", e.RequestID, "error", err)
	}
}

// Close closes the database
func (s *State) Close() error {
	return s.db.Close()
}
