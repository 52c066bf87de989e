package transfer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const snapshotVersion = 1

type chunkRecord struct {
	Index uint32 `cbor:"1,keyasint"`
	Hash  Hash   `cbor:"2,keyasint"`
	Data  []byte `cbor:"3,keyasint,omitempty"`
}

type itemRecord struct {
	ItemID    string        `cbor:"1,keyasint"`
	Chunks    []chunkRecord `cbor:"2,keyasint,omitempty"`
	Committed bool          `cbor:"3,keyasint,omitempty"`
	Failed    bool          `cbor:"4,keyasint,omitempty"`
	Reason    string        `cbor:"5,keyasint,omitempty"`
	Manifest  *ItemManifest `cbor:"6,keyasint,omitempty"`
	Length    uint64        `cbor:"7,keyasint"`
}

type sessionRecord struct {
	ID            string       `cbor:"1,keyasint"`
	ExpectedItems int          `cbor:"2,keyasint"`
	ExpectedBytes uint64       `cbor:"3,keyasint"`
	BytesReceived uint64       `cbor:"4,keyasint"`
	Items         []itemRecord `cbor:"5,keyasint,omitempty"`
	CreatedAt     time.Time    `cbor:"6,keyasint"`
	LastTouched   time.Time    `cbor:"7,keyasint"`
}

type snapshot struct {
	Version  int             `cbor:"1,keyasint"`
	Sessions []sessionRecord `cbor:"2,keyasint"`
}

// SaveSnapshot writes every open session to path as zstd-compressed CBOR.
// It returns the number of sessions written.
func (s *Service) SaveSnapshot(path string) (int, error) {
	snap := snapshot{Version: snapshotVersion}

	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.mu.Lock()
		snap.Sessions = append(snap.Sessions, sess.record())
		sess.mu.Unlock()
	}
	s.mu.Unlock()

	encoded, err := Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return 0, fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compress(encoded), 0o600); err != nil {
		return 0, fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("rename snapshot: %w", err)
	}

	s.log.Info("Transfer sessions snapshotted",
		zap.String("path", path),
		zap.Int("sessions", len(snap.Sessions)),
	)
	return len(snap.Sessions), nil
}

// RestoreSnapshot loads sessions saved by SaveSnapshot. A missing file is
// not an error. Sessions already past the TTL are dropped. The snapshot
// file is removed once loaded.
func (s *Service) RestoreSnapshot(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read snapshot: %w", err)
	}

	decoded, err := decompress(raw)
	if err != nil {
		return 0, err
	}
	var snap snapshot
	if err := Unmarshal(decoded, &snap); err != nil {
		return 0, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return 0, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	now := s.clock.Now()
	var restored int
	s.mu.Lock()
	for _, rec := range snap.Sessions {
		if now.Sub(rec.LastTouched) > s.ttl {
			continue
		}
		s.sessions[rec.ID] = rec.session()
		restored++
	}
	s.mu.Unlock()

	if err := os.Remove(path); err != nil {
		s.log.Warn("Failed to remove loaded snapshot", zap.String("path", path), zap.Error(err))
	}
	s.log.Info("Transfer sessions restored",
		zap.String("path", path),
		zap.Int("restored", restored),
		zap.Int("dropped", len(snap.Sessions)-restored),
	)
	return restored, nil
}

// record must be called with sess.mu held.
func (sess *session) record() sessionRecord {
	rec := sessionRecord{
		ID:            sess.id,
		ExpectedItems: sess.expectedItems,
		ExpectedBytes: sess.expectedBytes,
		BytesReceived: sess.bytesReceived,
		CreatedAt:     sess.createdAt,
		LastTouched:   sess.lastTouched,
	}
	for id, it := range sess.items {
		ir := itemRecord{
			ItemID:    id,
			Committed: it.committed,
			Failed:    it.failed,
			Reason:    it.reason,
			Manifest:  it.manifest,
			Length:    it.length,
		}
		for idx, h := range it.hashes {
			ir.Chunks = append(ir.Chunks, chunkRecord{Index: idx, Hash: h, Data: it.chunks[idx]})
		}
		rec.Items = append(rec.Items, ir)
	}
	return rec
}

func (rec sessionRecord) session() *session {
	sess := &session{
		id:            rec.ID,
		expectedItems: rec.ExpectedItems,
		expectedBytes: rec.ExpectedBytes,
		bytesReceived: rec.BytesReceived,
		items:         make(map[string]*itemState, len(rec.Items)),
		createdAt:     rec.CreatedAt,
		lastTouched:   rec.LastTouched,
	}
	for _, ir := range rec.Items {
		it := &itemState{
			hashes:    make(map[uint32]Hash, len(ir.Chunks)),
			committed: ir.Committed,
			failed:    ir.Failed,
			reason:    ir.Reason,
			manifest:  ir.Manifest,
			length:    ir.Length,
		}
		if !ir.Committed && !ir.Failed {
			it.chunks = make(map[uint32][]byte, len(ir.Chunks))
		}
		for _, c := range ir.Chunks {
			it.hashes[c.Index] = c.Hash
			if it.chunks != nil {
				it.chunks[c.Index] = c.Data
			}
		}
		sess.items[ir.ItemID] = it
	}
	return sess
}
