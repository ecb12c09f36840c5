// Package oplog implements the operation-log storage engine. State changes
// are appended as keyed operations and execution outputs as keyless
// events, each log committed to by its own merkle mountain range so any
// segment can be proven against a block's summary.
package oplog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ardanlabs/casino/foundation/blockchain/database"
	"github.com/ardanlabs/casino/foundation/blockchain/merkle"
	"github.com/ardanlabs/casino/foundation/blockchain/signature"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Log identifies one of the two logs.
type Log uint8

// Set of logs.
const (
	LogState Log = iota
	LogEvents
)

// String implements the fmt.Stringer interface for logging.
func (l Log) String() string {
	if l == LogState {
		return "state"
	}
	return "events"
}

// Set of errors returned by the store.
var (
	ErrNotFound            = errors.New("not found")
	ErrHeightNotIncreasing = errors.New("height not increasing")
	ErrUnknownLog          = errors.New("unknown log")
	ErrStoreCorrupted      = errors.New("store corrupted")
	ErrTooManyOperations   = errors.New("too many operations")
)

// Key prefixes for the pebble keyspace.
const (
	prefixOp    = 'o'
	prefixNode  = 'n'
	prefixIndex = 'i'
	prefixMeta  = 'm'
	prefixBlock = 'r'
)

// =============================================================================

// EventHandler defines a function that is called when events
// occur in the processing of the log.
type EventHandler func(v string, args ...any)

// Config represents the configuration required to open the store.
type Config struct {
	Path      string
	InMemory  bool
	EvHandler EventHandler
}

// Store is the synchronized operation log. Writers are serialized and
// readers see only fully applied blocks.
type Store struct {
	db        *pebble.DB
	evHandler EventHandler

	mu     sync.RWMutex
	mmrs   [2]*merkle.MMR
	height uint64
}

// Open opens or creates the store and restores the commitment structures
// from the persisted peaks.
func Open(cfg Config) (*Store, error) {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	opts := pebble.Options{}
	path := cfg.Path
	if cfg.InMemory {
		opts.FS = vfs.NewMem()
		path = "oplog"
	}

	db, err := pebble.Open(path, &opts)
	if err != nil {
		return nil, fmt.Errorf("opening oplog: %w", err)
	}

	s := Store{
		db:        db,
		evHandler: ev,
	}

	if s.height, err = s.readMeta(heightMetaKey()); err != nil {
		db.Close()
		return nil, err
	}

	for _, log := range []Log{LogState, LogEvents} {
		leaves, err := s.readMeta(leavesMetaKey(log))
		if err != nil {
			db.Close()
			return nil, err
		}

		mmr, err := merkle.Restore(leaves, nodeReader{db: db, log: log})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %s: %s", ErrStoreCorrupted, log, err)
		}
		s.mmrs[log] = mmr
	}

	ev("oplog: open: height[%d] state[%d] events[%d]", s.height, s.mmrs[LogState].Leaves(), s.mmrs[LogEvents].Leaves())

	return &s, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CommittedHeight returns the height of the last applied block. After a
// crash this is the height execution resumes from.
func (s *Store) CommittedHeight() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.height
}

// Size returns the number of operations in the log.
func (s *Store) Size(log Log) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.mmrs[log].Leaves()
}

// Root returns the current root of the log.
func (s *Store) Root(log Log) signature.Digest {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.mmrs[log].Root()
}

// =============================================================================

// Change is the new status of a key. A nil Value with Delete set removes it.
type Change struct {
	Key    signature.Digest
	Value  []byte
	Delete bool
}

// Batch is every change and event produced by executing one block.
type Batch struct {
	Height  uint64
	Block   signature.Digest
	Changes []Change
	Events  [][]byte
}

// Result describes the segments a batch added to each log.
type Result struct {
	Height      uint64
	Block       signature.Digest
	StateStart  uint64
	StateEnd    uint64
	StateRoot   signature.Digest
	EventsStart uint64
	EventsEnd   uint64
	EventsRoot  signature.Digest
}

// Apply folds a block's changes into the logs. Everything is written in a
// single synced pebble batch so after a crash the block is either fully
// present or absent.
func (s *Store) Apply(b Batch) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.Height <= s.height {
		return Result{}, fmt.Errorf("%w: got %d, applied %d", ErrHeightNotIncreasing, b.Height, s.height)
	}

	state := s.mmrs[LogState].Clone()
	events := s.mmrs[LogEvents].Clone()

	pb := s.db.NewBatch()
	defer pb.Close()

	appendOp := func(log Log, mmr *merkle.MMR, op Operation) (merkle.Location, error) {
		enc := op.Encode()
		loc, nodes := mmr.Append(enc)

		if err := pb.Set(opKey(log, loc), enc, nil); err != nil {
			return 0, err
		}
		for _, nd := range nodes {
			if err := pb.Set(nodeKey(log, nd.Position), nd.Digest[:], nil); err != nil {
				return 0, err
			}
		}
		return loc, nil
	}

	res := Result{
		Height:      b.Height,
		Block:       b.Block,
		StateStart:  state.Leaves(),
		EventsStart: events.Leaves(),
	}

	for _, c := range b.Changes {
		op := Operation{Kind: KindUpdate, Key: c.Key, Value: c.Value}
		if c.Delete {
			op = Operation{Kind: KindDelete, Key: c.Key}
		}

		loc, err := appendOp(LogState, state, op)
		if err != nil {
			return Result{}, fmt.Errorf("append state: %w", err)
		}

		if c.Delete {
			err = pb.Delete(indexKey(c.Key), nil)
		} else {
			err = pb.Set(indexKey(c.Key), indexValue(loc, c.Value), nil)
		}
		if err != nil {
			return Result{}, fmt.Errorf("index: %w", err)
		}
	}
	if _, err := appendOp(LogState, state, Operation{Kind: KindCommit, Height: b.Height}); err != nil {
		return Result{}, fmt.Errorf("commit state: %w", err)
	}

	for _, e := range b.Events {
		if _, err := appendOp(LogEvents, events, Operation{Kind: KindAppend, Value: e}); err != nil {
			return Result{}, fmt.Errorf("append event: %w", err)
		}
	}
	if _, err := appendOp(LogEvents, events, Operation{Kind: KindCommit, Height: b.Height}); err != nil {
		return Result{}, fmt.Errorf("commit events: %w", err)
	}

	if err := pb.Set(leavesMetaKey(LogState), u64(state.Leaves()), nil); err != nil {
		return Result{}, err
	}
	if err := pb.Set(leavesMetaKey(LogEvents), u64(events.Leaves()), nil); err != nil {
		return Result{}, err
	}
	if err := pb.Set(heightMetaKey(), u64(b.Height), nil); err != nil {
		return Result{}, err
	}

	res.StateEnd = state.Leaves()
	res.StateRoot = state.Root()
	res.EventsEnd = events.Leaves()
	res.EventsRoot = events.Root()

	if err := pb.Set(resultKey(b.Height), res.encode(), nil); err != nil {
		return Result{}, err
	}

	if err := pb.Commit(pebble.Sync); err != nil {
		return Result{}, fmt.Errorf("commit batch: %w", err)
	}

	s.mmrs[LogState] = state
	s.mmrs[LogEvents] = events
	s.height = b.Height

	s.evHandler("oplog: apply: height[%d] state[%d,%d) events[%d,%d)", b.Height, res.StateStart, res.StateEnd, res.EventsStart, res.EventsEnd)

	return res, nil
}

// Summary returns the summary validators sign for the result.
func (r Result) Summary() database.Summary {
	return database.Summary{
		Height:      r.Height,
		Block:       r.Block,
		StateRoot:   r.StateRoot,
		StateStart:  r.StateStart,
		StateEnd:    r.StateEnd,
		EventsRoot:  r.EventsRoot,
		EventsStart: r.EventsStart,
		EventsEnd:   r.EventsEnd,
	}
}

// encode returns [height:8][state start:8][state end:8][events start:8]
// [events end:8][block:32][state root:32][events root:32].
func (r Result) encode() []byte {
	b := make([]byte, 0, 5*8+3*32)
	b = binary.BigEndian.AppendUint64(b, r.Height)
	b = binary.BigEndian.AppendUint64(b, r.StateStart)
	b = binary.BigEndian.AppendUint64(b, r.StateEnd)
	b = binary.BigEndian.AppendUint64(b, r.EventsStart)
	b = binary.BigEndian.AppendUint64(b, r.EventsEnd)
	b = append(b, r.Block[:]...)
	b = append(b, r.StateRoot[:]...)
	return append(b, r.EventsRoot[:]...)
}

func decodeResult(b []byte) (Result, error) {
	if len(b) != 5*8+3*32 {
		return Result{}, fmt.Errorf("%w: result length %d", ErrStoreCorrupted, len(b))
	}

	r := Result{
		Height:      binary.BigEndian.Uint64(b[0:]),
		StateStart:  binary.BigEndian.Uint64(b[8:]),
		StateEnd:    binary.BigEndian.Uint64(b[16:]),
		EventsStart: binary.BigEndian.Uint64(b[24:]),
		EventsEnd:   binary.BigEndian.Uint64(b[32:]),
	}
	copy(r.Block[:], b[40:72])
	copy(r.StateRoot[:], b[72:104])
	copy(r.EventsRoot[:], b[104:136])

	return r, nil
}

// Result returns what applying the block at the height produced.
func (s *Store) Result(height uint64) (Result, error) {
	data, closer, err := s.db.Get(resultKey(height))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Result{}, ErrNotFound
		}
		return Result{}, err
	}
	defer closer.Close()

	return decodeResult(data)
}

// =============================================================================

// Get returns the current value for the hashed key.
func (s *Store) Get(key signature.Digest) ([]byte, error) {
	_, value, err := s.index(key)
	return value, err
}

// index returns the location of the latest update for the key and its value.
func (s *Store) index(key signature.Digest) (merkle.Location, []byte, error) {
	data, closer, err := s.db.Get(indexKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil, ErrNotFound
		}
		return 0, nil, err
	}
	defer closer.Close()

	if len(data) < 8 {
		return 0, nil, fmt.Errorf("%w: index for %s", ErrStoreCorrupted, key.Hex())
	}

	loc := merkle.Location(binary.BigEndian.Uint64(data))
	value := append([]byte(nil), data[8:]...)

	return loc, value, nil
}

// Operation returns the encoded operation at the location.
func (s *Store) Operation(log Log, loc merkle.Location) ([]byte, error) {
	data, closer, err := s.db.Get(opKey(log, loc))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()

	return append([]byte(nil), data...), nil
}

// =============================================================================

// nodeReader adapts the store to the proof engine for one log.
type nodeReader struct {
	db  *pebble.DB
	log Log
}

// Node implements the merkle.NodeReader interface.
func (nr nodeReader) Node(pos merkle.Position) (merkle.Digest, error) {
	data, closer, err := nr.db.Get(nodeKey(nr.log, pos))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return merkle.Digest{}, fmt.Errorf("%w: %s %d", merkle.ErrMissingNode, nr.log, pos)
		}
		return merkle.Digest{}, err
	}
	defer closer.Close()

	var d merkle.Digest
	if len(data) != len(d) {
		return d, fmt.Errorf("%w: node %s %d", ErrStoreCorrupted, nr.log, pos)
	}
	copy(d[:], data)

	return d, nil
}

// readMeta reads a counter, zero when absent.
func (s *Store) readMeta(key []byte) (uint64, error) {
	data, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	defer closer.Close()

	if len(data) != 8 {
		return 0, fmt.Errorf("%w: meta %q", ErrStoreCorrupted, key)
	}

	return binary.BigEndian.Uint64(data), nil
}

func u64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func opKey(log Log, loc merkle.Location) []byte {
	b := []byte{prefixOp, byte(log)}
	return binary.BigEndian.AppendUint64(b, uint64(loc))
}

func nodeKey(log Log, pos merkle.Position) []byte {
	b := []byte{prefixNode, byte(log)}
	return binary.BigEndian.AppendUint64(b, uint64(pos))
}

func indexKey(key signature.Digest) []byte {
	return append([]byte{prefixIndex}, key[:]...)
}

func indexValue(loc merkle.Location, value []byte) []byte {
	b := binary.BigEndian.AppendUint64(nil, uint64(loc))
	return append(b, value...)
}

func leavesMetaKey(log Log) []byte {
	return []byte{prefixMeta, 'l', byte(log)}
}

func resultKey(height uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{prefixBlock}, height)
}

func heightMetaKey() []byte {
	return []byte{prefixMeta, 'h'}
}
