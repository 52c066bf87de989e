// Package transfer implements the chunked export/import protocol between
// the orchestrator and a destination unit.
//
// The destination side is Service: sessions hold per-item chunk receipts
// and reassemble items at commit time, checking the item digest before
// anything reaches the Sink. The source side is Uploader, which splits
// items into chunks and drives an Endpoint.
//
// Import Path: unitmover.io/unitmover/internal/transfer
package transfer

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"unitmover.io/unitmover/internal/domain"
	apperrors "unitmover.io/unitmover/internal/pkg/errors"
	"unitmover.io/unitmover/internal/pkg/logger"
)

// Ack confirms receipt of a chunk.
type Ack struct {
	SessionID     string `json:"session_id" cbor:"1,keyasint"`
	ItemID        string `json:"item_id" cbor:"2,keyasint"`
	ChunkIndex    uint32 `json:"chunk_index" cbor:"3,keyasint"`
	BytesReceived uint64 `json:"bytes_received" cbor:"4,keyasint"`
	Duplicate     bool   `json:"duplicate,omitempty" cbor:"5,keyasint,omitempty"`
}

// CommitStatus is the outcome of CommitItem.
type CommitStatus string

const (
	CommitOK           CommitStatus = "OK"
	CommitVerifyFailed CommitStatus = "VERIFY_FAILED"
)

// CommitResult reports whether an item was written to the sink.
type CommitResult struct {
	ItemID string       `json:"item_id" cbor:"1,keyasint"`
	Status CommitStatus `json:"status" cbor:"2,keyasint"`
	Reason string       `json:"reason,omitempty" cbor:"3,keyasint,omitempty"`
}

// OK reports whether the item was committed.
func (r CommitResult) OK() bool {
	return r.Status == CommitOK
}

// Endpoint is the destination import surface. Service implements it
// in-process and Client implements it over HTTP.
type Endpoint interface {
	Begin(ctx context.Context, expectedItemCount int, expectedTotalBytes uint64) (string, error)
	PutChunk(ctx context.Context, sessionID, itemID string, index uint32, data []byte, chunkHash Hash) (Ack, error)
	CommitItem(ctx context.Context, sessionID string, manifest ItemManifest) (CommitResult, error)
	Finalize(ctx context.Context, sessionID string) (domain.TransferSummary, error)
	Cancel(ctx context.Context, sessionID string) error
}

// Sink receives committed items.
type Sink interface {
	WriteItem(ctx context.Context, itemID string, data []byte) error
}

// Config configures a Service.
type Config struct {
	MaxChunkSize int
	SessionTTL   time.Duration
	Clock        clock.Clock
}

type itemState struct {
	chunks    map[uint32][]byte
	hashes    map[uint32]Hash
	committed bool
	failed    bool
	reason    string
	manifest  *ItemManifest
	length    uint64
}

type session struct {
	mu sync.Mutex

	id            string
	expectedItems int
	expectedBytes uint64
	bytesReceived uint64
	items         map[string]*itemState
	createdAt     time.Time
	lastTouched   time.Time
}

func (s *session) item(itemID string) *itemState {
	it, ok := s.items[itemID]
	if !ok {
		it = &itemState{
			chunks: make(map[uint32][]byte),
			hashes: make(map[uint32]Hash),
		}
		s.items[itemID] = it
	}
	return it
}

// Service is the destination side of the transfer protocol.
type Service struct {
	mu       sync.Mutex
	sessions map[string]*session

	sink         Sink
	clock        clock.Clock
	maxChunkSize int
	ttl          time.Duration
	log          *zap.Logger
}

var _ Endpoint = (*Service)(nil)

// NewService creates a destination service writing committed items to sink.
func NewService(sink Sink, cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = 1 << 20
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	return &Service{
		sessions:     make(map[string]*session),
		sink:         sink,
		clock:        cfg.Clock,
		maxChunkSize: cfg.MaxChunkSize,
		ttl:          cfg.SessionTTL,
		log:          logger.Named("transfer"),
	}
}

// Begin opens a session for expectedItemCount items totalling
// expectedTotalBytes.
func (s *Service) Begin(_ context.Context, expectedItemCount int, expectedTotalBytes uint64) (string, error) {
	if expectedItemCount <= 0 {
		return "", apperrors.ErrInvalidArgument("expected_item_count must be positive")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", apperrors.ErrInternalf(err, "generating session id")
	}
	now := s.clock.Now()
	sess := &session{
		id:            id.String(),
		expectedItems: expectedItemCount,
		expectedBytes: expectedTotalBytes,
		items:         make(map[string]*itemState),
		createdAt:     now,
		lastTouched:   now,
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.log.Info("Transfer session opened",
		zap.String("session_id", sess.id),
		zap.Int("expected_items", expectedItemCount),
		zap.Uint64("expected_bytes", expectedTotalBytes),
	)
	return sess.id, nil
}

// lookup returns a live session, reclaiming it first if it idled past the
// TTL. The returned session is locked.
func (s *Service) lookup(sessionID string) (*session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok && s.expired(sess) {
		delete(s.sessions, sessionID)
		ok = false
		s.log.Info("Transfer session expired", zap.String("session_id", sessionID))
	}
	s.mu.Unlock()
	if !ok {
		return nil, apperrors.ErrSessionNotFound(sessionID)
	}

	sess.mu.Lock()
	sess.lastTouched = s.clock.Now()
	return sess, nil
}

// expired must be called with s.mu held. lastTouched is read under the
// session lock.
func (s *Service) expired(sess *session) bool {
	sess.mu.Lock()
	last := sess.lastTouched
	sess.mu.Unlock()
	return s.clock.Now().Sub(last) > s.ttl
}

// PutChunk stores one chunk. Resubmitting identical bytes at an index is
// acknowledged without counting them again.
func (s *Service) PutChunk(_ context.Context, sessionID, itemID string, index uint32, data []byte, chunkHash Hash) (Ack, error) {
	if itemID == "" {
		return Ack{}, apperrors.ErrInvalidArgument("item_id is required")
	}
	if len(data) > s.maxChunkSize {
		return Ack{}, apperrors.ErrChunkTooLarge(len(data), s.maxChunkSize)
	}
	if HashChunk(data) != chunkHash {
		return Ack{}, apperrors.ErrChunkHashMismatch(itemID, index)
	}

	sess, err := s.lookup(sessionID)
	if err != nil {
		return Ack{}, err
	}
	defer sess.mu.Unlock()

	ack := Ack{SessionID: sessionID, ItemID: itemID, ChunkIndex: index}
	it := sess.item(itemID)
	if prev, ok := it.hashes[index]; ok {
		if prev != chunkHash {
			return Ack{}, apperrors.ErrChunkConflict(itemID, index)
		}
		ack.BytesReceived = sess.bytesReceived
		ack.Duplicate = true
		return ack, nil
	}
	if it.committed || it.failed {
		return Ack{}, apperrors.ErrChunkConflict(itemID, index)
	}

	size := uint64(len(data))
	if sess.bytesReceived+size > sess.expectedBytes {
		return Ack{}, apperrors.ErrSessionOverflow(sess.bytesReceived+size, sess.expectedBytes)
	}

	it.chunks[index] = slices.Clone(data)
	it.hashes[index] = chunkHash
	it.length += size
	sess.bytesReceived += size

	ack.BytesReceived = sess.bytesReceived
	return ack, nil
}

// CommitItem reassembles an item and writes it to the sink when its digest
// and length match the manifest. A mismatch marks the item failed and
// leaves the session open.
func (s *Service) CommitItem(ctx context.Context, sessionID string, manifest ItemManifest) (CommitResult, error) {
	if manifest.ItemID == "" {
		return CommitResult{}, apperrors.ErrInvalidArgument("item_id is required")
	}

	sess, err := s.lookup(sessionID)
	if err != nil {
		return CommitResult{}, err
	}
	defer sess.mu.Unlock()

	it := sess.item(manifest.ItemID)
	result := CommitResult{ItemID: manifest.ItemID}
	switch {
	case it.committed:
		if *it.manifest != manifest {
			return CommitResult{}, apperrors.Conflict(apperrors.CodeConflict, "item already committed with a different manifest").
				WithParams(map[string]interface{}{"item_id": manifest.ItemID})
		}
		result.Status = CommitOK
		return result, nil
	case it.failed:
		result.Status = CommitVerifyFailed
		result.Reason = it.reason
		return result, nil
	}

	var missing int
	for i := uint32(0); i < manifest.ChunkCount; i++ {
		if _, ok := it.chunks[i]; !ok {
			missing++
		}
	}
	if missing > 0 {
		return CommitResult{}, apperrors.ErrItemIncomplete(manifest.ItemID, missing)
	}

	if reason := verifyItem(it, manifest); reason != "" {
		it.failed = true
		it.reason = reason
		it.chunks = nil
		s.log.Warn("Item failed verification",
			zap.String("session_id", sessionID),
			zap.String("item_id", manifest.ItemID),
			zap.String("reason", reason),
		)
		result.Status = CommitVerifyFailed
		result.Reason = reason
		return result, nil
	}

	data := make([]byte, 0, manifest.ExpectedLength)
	for i := uint32(0); i < manifest.ChunkCount; i++ {
		data = append(data, it.chunks[i]...)
	}
	if err := s.sink.WriteItem(ctx, manifest.ItemID, data); err != nil {
		return CommitResult{}, apperrors.ErrInternalf(err, "writing item %s", manifest.ItemID)
	}

	m := manifest
	it.committed = true
	it.manifest = &m
	it.chunks = nil
	result.Status = CommitOK
	return result, nil
}

// verifyItem returns a failure reason, or "" when the received chunks
// reassemble to the manifest's digest and length.
func verifyItem(it *itemState, manifest ItemManifest) string {
	if uint32(len(it.chunks)) != manifest.ChunkCount {
		return "unexpected chunk indices beyond chunk_count"
	}
	h := newItemHasher()
	for i := uint32(0); i < manifest.ChunkCount; i++ {
		h.Write(it.chunks[i])
	}
	if h.length != manifest.ExpectedLength {
		return "length mismatch"
	}
	if h.Sum() != manifest.ExpectedHash {
		return "hash mismatch"
	}
	return ""
}

// Finalize summarizes and destroys the session.
func (s *Service) Finalize(_ context.Context, sessionID string) (domain.TransferSummary, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return domain.TransferSummary{}, err
	}
	summary := summarize(sess)
	sess.mu.Unlock()

	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	s.log.Info("Transfer session finalized",
		zap.String("session_id", sessionID),
		zap.Int("items_committed", summary.ItemsCommitted),
		zap.Int("items_failed", summary.ItemsFailed),
		zap.Int("items_missing", summary.ItemsMissing),
	)
	return summary, nil
}

func summarize(sess *session) domain.TransferSummary {
	var sum domain.TransferSummary
	for id, it := range sess.items {
		switch {
		case it.committed:
			sum.ItemsCommitted++
			sum.TotalBytes += it.length
		case it.failed:
			sum.ItemsFailed++
			sum.FailedItems = append(sum.FailedItems, id)
		}
	}
	sum.ItemsMissing = max(sess.expectedItems-sum.ItemsCommitted-sum.ItemsFailed, 0)
	slices.Sort(sum.FailedItems)
	return sum
}

// Cancel discards a session and everything received for it.
func (s *Service) Cancel(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return apperrors.ErrSessionNotFound(sessionID)
	}
	delete(s.sessions, sessionID)
	s.log.Info("Transfer session cancelled", zap.String("session_id", sessionID))
	return nil
}

// Sweep reclaims every session idle longer than the TTL and returns how
// many were removed.
func (s *Service) Sweep(_ context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for id, sess := range s.sessions {
		if s.expired(sess) {
			delete(s.sessions, id)
			n++
		}
	}
	if n > 0 {
		s.log.Info("Expired transfer sessions reclaimed", zap.Int("count", n))
	}
	return n
}

// Stats returns the number of open sessions and buffered chunk bytes.
func (s *Service) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buffered uint64
	for _, sess := range s.sessions {
		sess.mu.Lock()
		for _, it := range sess.items {
			for _, c := range it.chunks {
				buffered += uint64(len(c))
			}
		}
		sess.mu.Unlock()
	}
	return map[string]interface{}{
		"sessions":       len(s.sessions),
		"buffered_bytes": buffered,
	}
}
