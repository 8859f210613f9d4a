package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tolelom/framebattles/core"
	"github.com/tolelom/framebattles/crypto"
)

// registerPrefix records a state-key prefix into statePrefixes so that
// ComputeRoot() always covers it.
func registerPrefix(p string) string {
	statePrefixes = append(statePrefixes, p)
	return p
}

// statePrefixes is populated automatically by registerPrefix() below.
var statePrefixes []string

var (
	prefixAccount = registerPrefix("acct:")
	prefixBattle  = registerPrefix("battle:")
	prefixStats   = registerPrefix("stats:")
	keyMeta       = registerPrefix("meta:contract")
)

type stateSnapshot struct {
	dirty   map[string][]byte
	deleted map[string]bool
}

// StateDB implements core.State on top of a DB with in-memory write buffer,
// snapshot/rollback, and deterministic state-root computation.
type StateDB struct {
	db        DB
	dirty     map[string][]byte
	deleted   map[string]bool
	snapshots []stateSnapshot
}

// NewStateDB creates a StateDB backed by db.
func NewStateDB(db DB) *StateDB {
	return &StateDB{
		db:      db,
		dirty:   make(map[string][]byte),
		deleted: make(map[string]bool),
	}
}

// ---- internal helpers ----

func (s *StateDB) get(key string) ([]byte, error) {
	if s.deleted[key] {
		return nil, core.ErrNotFound
	}
	if v, ok := s.dirty[key]; ok {
		return v, nil
	}
	return s.db.Get([]byte(key))
}

func (s *StateDB) set(key string, val []byte) {
	delete(s.deleted, key)
	s.dirty[key] = val
}

func (s *StateDB) getJSON(key string, v any) error {
	data, err := s.get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *StateDB) setJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.set(key, data)
	return nil
}

// scan merges persisted entries under prefix with the write buffer.
func (s *StateDB) scan(prefix string) (map[string][]byte, error) {
	merged := make(map[string][]byte)
	it := s.db.NewIterator([]byte(prefix))
	for it.Next() {
		v := make([]byte, len(it.Value()))
		copy(v, it.Value())
		merged[string(it.Key())] = v
	}
	it.Release()
	if err := it.Error(); err != nil {
		return nil, err
	}
	for k, v := range s.dirty {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			merged[k] = v
		}
	}
	for k := range s.deleted {
		delete(merged, k)
	}
	return merged, nil
}

// ---- Account ----

func (s *StateDB) GetAccount(address common.Address) (*core.Account, error) {
	var acc core.Account
	err := s.getJSON(prefixAccount+address.Hex(), &acc)
	if errors.Is(err, core.ErrNotFound) {
		return &core.Account{Address: address, Balance: new(big.Int)}, nil // zero-value account
	}
	if err != nil {
		return nil, err
	}
	if acc.Balance == nil {
		acc.Balance = new(big.Int)
	}
	return &acc, nil
}

func (s *StateDB) SetAccount(acc *core.Account) error {
	return s.setJSON(prefixAccount+acc.Address.Hex(), acc)
}

// ---- Battle ----

func (s *StateDB) GetBattle(id uint64) (*core.BattleRecord, error) {
	var rec core.BattleRecord
	if err := s.getJSON(prefixBattle+strconv.FormatUint(id, 10), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *StateDB) SetBattle(rec *core.BattleRecord) error {
	return s.setJSON(prefixBattle+strconv.FormatUint(rec.ID, 10), rec)
}

// ---- Stats ----

func (s *StateDB) GetStats(address common.Address) (*core.UserStats, error) {
	st := core.NewUserStats()
	err := s.getJSON(prefixStats+address.Hex(), st)
	if errors.Is(err, core.ErrNotFound) {
		return core.NewUserStats(), nil
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *StateDB) SetStats(address common.Address, st *core.UserStats) error {
	return s.setJSON(prefixStats+address.Hex(), st)
}

func (s *StateDB) AllStats() (map[common.Address]*core.UserStats, error) {
	entries, err := s.scan(prefixStats)
	if err != nil {
		return nil, err
	}
	out := make(map[common.Address]*core.UserStats, len(entries))
	for k, v := range entries {
		st := core.NewUserStats()
		if err := json.Unmarshal(v, st); err != nil {
			return nil, fmt.Errorf("decode stats %s: %w", k, err)
		}
		out[common.HexToAddress(k[len(prefixStats):])] = st
	}
	return out, nil
}

// ---- Contract meta ----

func (s *StateDB) GetMeta() (*core.ContractMeta, error) {
	var m core.ContractMeta
	err := s.getJSON(keyMeta, &m)
	if errors.Is(err, core.ErrNotFound) {
		return &core.ContractMeta{TotalPlatformFees: new(big.Int)}, nil
	}
	if err != nil {
		return nil, err
	}
	if m.TotalPlatformFees == nil {
		m.TotalPlatformFees = new(big.Int)
	}
	return &m, nil
}

func (s *StateDB) SetMeta(m *core.ContractMeta) error {
	return s.setJSON(keyMeta, m)
}

// ---- Snapshot / Rollback / Commit ----

// Snapshot saves the current write buffer and returns a snapshot ID.
func (s *StateDB) Snapshot() (int, error) {
	snap := stateSnapshot{
		dirty:   make(map[string][]byte, len(s.dirty)),
		deleted: make(map[string]bool, len(s.deleted)),
	}
	for k, v := range s.dirty {
		cp := make([]byte, len(v))
		copy(cp, v)
		snap.dirty[k] = cp
	}
	for k, v := range s.deleted {
		snap.deleted[k] = v
	}
	s.snapshots = append(s.snapshots, snap)
	return len(s.snapshots) - 1, nil
}

// RevertToSnapshot restores the write buffer to a previously saved snapshot.
// The snapshot maps are deep-copied so that subsequent writes cannot corrupt them.
func (s *StateDB) RevertToSnapshot(id int) error {
	if id < 0 || id >= len(s.snapshots) {
		return fmt.Errorf("invalid snapshot id %d", id)
	}
	snap := s.snapshots[id]

	dirty := make(map[string][]byte, len(snap.dirty))
	for k, v := range snap.dirty {
		cp := make([]byte, len(v))
		copy(cp, v)
		dirty[k] = cp
	}
	deleted := make(map[string]bool, len(snap.deleted))
	for k, v := range snap.deleted {
		deleted[k] = v
	}

	s.dirty = dirty
	s.deleted = deleted
	s.snapshots = s.snapshots[:id]
	return nil
}

// ComputeRoot returns the deterministic hash of the complete world state:
// persisted entries under the known prefixes merged with the write buffer,
// sorted by key and length-prefix encoded. It does not flush.
func (s *StateDB) ComputeRoot() common.Hash {
	merged := make(map[string][]byte)
	for _, prefix := range statePrefixes {
		entries, err := s.scan(prefix)
		if err != nil {
			return common.Hash{}
		}
		for k, v := range entries {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, k := range keys {
		v := merged[k]
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(k)))
		buf.Write(lenBuf[:])
		buf.WriteString(k)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
		buf.Write(lenBuf[:])
		buf.Write(v)
	}
	return crypto.Hash(buf.Bytes())
}

// Commit atomically flushes the write buffer to the underlying DB via a
// batch and then clears it.
func (s *StateDB) Commit() error {
	batch := s.db.NewBatch()
	for k, v := range s.dirty {
		batch.Set([]byte(k), v)
	}
	for k := range s.deleted {
		batch.Delete([]byte(k))
	}
	if err := batch.Write(); err != nil {
		return err
	}
	s.dirty = make(map[string][]byte)
	s.deleted = make(map[string]bool)
	s.snapshots = nil
	return nil
}
