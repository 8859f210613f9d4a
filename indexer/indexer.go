// Package indexer maintains secondary indexes over executed ledger calls so
// per-account battle lists can be served without scanning full state.
package indexer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/labstack/gommon/log"
	"github.com/tolelom/framebattles/core"
	"github.com/tolelom/framebattles/events"
	"github.com/tolelom/framebattles/storage"
)

const prefixUserBattles = "idx:user:battle:"

// Indexer subscribes to ledger events and updates secondary lookup tables.
type Indexer struct {
	mu sync.Mutex
	db storage.DB
}

// New creates an Indexer backed by db and subscribes to relevant events.
func New(db storage.DB, emitter *events.Emitter) *Indexer {
	idx := &Indexer{db: db}
	emitter.Subscribe(events.EventBattleCreated, idx.onBattleCreated)
	emitter.Subscribe(events.EventBattleAccepted, idx.onBattleAccepted)
	return idx
}

// BattlesOf returns the ids of every battle addr created or accepted, in
// creation order of the index entries.
func (idx *Indexer) BattlesOf(addr common.Address) ([]uint64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.getList(prefixUserBattles + addr.Hex())
}

// ---- event handlers ----

func (idx *Indexer) onBattleCreated(ev events.Event) {
	idx.add(ev, "challenger")
}

func (idx *Indexer) onBattleAccepted(ev events.Event) {
	idx.add(ev, "opponent")
}

func (idx *Indexer) add(ev events.Event, field string) {
	who, _ := ev.Data[field].(string)
	id, ok := ev.Data["battle_id"].(uint64)
	if who == "" || !ok {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	addr := common.HexToAddress(who)
	if err := idx.addToList(prefixUserBattles+addr.Hex(), id); err != nil {
		log.Warnf("[indexer] battle %d for %s: %v", id, addr.Hex(), err)
	}
}

// ---- list helpers ----

func (idx *Indexer) getList(key string) ([]uint64, error) {
	data, err := idx.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil // empty list
		}
		return nil, err
	}
	var ids []uint64
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("indexer unmarshal: %w", err)
	}
	return ids, nil
}

func (idx *Indexer) addToList(key string, value uint64) error {
	ids, err := idx.getList(key)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == value {
			return nil
		}
	}
	ids = append(ids, value)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(key), data)
}
