// Package prefstore persists one small CBOR configuration blob per device
// with last-writer-wins conflict resolution. The device and the mobile app
// both edit preferences while offline; whichever side carries the greater
// lastChangedS logical clock wins, and the loser adopts the winner's copy.
package prefstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/arn/sensorboxd/pkg/types"
)

// ErrBadPayload marks an incoming blob that is not decodable CBOR.
var ErrBadPayload = errors.New("preference payload is not valid CBOR")

const fileSuffix = ".cbor"

// Record is one device's stored preferences.
type Record struct {
	DeviceID    string
	LastChanged int64
	Payload     []byte
}

// Store holds current records in memory and mirrors accepted writes to one
// file per device under dir. Missing or corrupt files read as "absent" with
// a logical clock of zero; the store never deletes a record.
type Store struct {
	log *slog.Logger
	dir string

	mu      sync.Mutex
	records map[string]Record
}

// Open loads any existing preference files for the given devices.
func Open(log *slog.Logger, dir string, devices []string) (*Store, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if dir == "" {
		return nil, errors.New("directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create preference directory: %w", err)
	}

	s := &Store{
		log:     log,
		dir:     dir,
		records: make(map[string]Record, len(devices)),
	}
	for _, device := range devices {
		blob, err := os.ReadFile(s.path(device))
		if err != nil {
			continue
		}
		clock, err := extractClock(blob)
		if err != nil {
			log.Warn("prefs: ignoring corrupt preference file", "device", device, "error", err)
			continue
		}
		s.records[device] = Record{DeviceID: device, LastChanged: clock, Payload: blob}
	}
	return s, nil
}

// Get returns the stored payload for the device. Absence is not an error;
// callers respond with an empty payload.
func (s *Store) Get(device string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[device]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), rec.Payload...), true
}

// Put applies last-writer-wins resolution to an incoming blob. The write is
// accepted iff its lastChangedS is strictly greater than the stored one (zero
// when nothing is stored); ties are stale. On rejection the stored payload is
// returned so the caller can hand the loser the winning copy.
func (s *Store) Put(device string, blob []byte) (accepted bool, stored []byte, err error) {
	clock, err := extractClock(blob)
	if err != nil {
		return false, nil, fmt.Errorf("%w: %w", ErrBadPayload, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Absence behaves as a stored clock of zero.
	cur := s.records[device]
	if clock <= cur.LastChanged {
		s.log.Info("prefs: rejecting stale write", "device", device, "clock", clock, "storedClock", cur.LastChanged)
		return false, append([]byte(nil), cur.Payload...), nil
	}

	if err := s.writeFile(device, blob); err != nil {
		return false, nil, err
	}
	s.records[device] = Record{
		DeviceID:    device,
		LastChanged: clock,
		Payload:     append([]byte(nil), blob...),
	}
	s.log.Info("prefs: stored", "device", device, "clock", clock, "bytes", len(blob))
	return true, nil, nil
}

// LastChanged reports the stored logical clock for the device, zero when
// absent.
func (s *Store) LastChanged(device string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[device].LastChanged
}

func (s *Store) path(device string) string {
	return filepath.Join(s.dir, device+fileSuffix)
}

func (s *Store) writeFile(device string, blob []byte) error {
	path := s.path(device)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("write preference file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace preference file: %w", err)
	}
	return nil
}

func extractClock(blob []byte) (int64, error) {
	var doc map[string]cbor.RawMessage
	if err := cbor.Unmarshal(blob, &doc); err != nil {
		return 0, err
	}
	raw, ok := doc[types.PrefsKeyLastChanged]
	if !ok {
		return 0, nil
	}
	var clock int64
	if err := cbor.Unmarshal(raw, &clock); err != nil {
		return 0, fmt.Errorf("decode %s: %w", types.PrefsKeyLastChanged, err)
	}
	return clock, nil
}
