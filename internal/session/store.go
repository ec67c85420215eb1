// File: internal/session/store.go
// Package session
// Author: momentics <momentics@gmail.com>
//
// Sharded, thread-safe control/data descriptor map.

package session

import (
	"sync"
)

const defaultShards = 16

// ChannelMap maps a control fd to its data fd, with the reverse index kept
// alongside so either side resolves in one shard lookup.
type ChannelMap struct {
	shards []*channelShard
	mask   uint32
}

type channelShard struct {
	mu   sync.RWMutex
	data map[int]int // control fd -> data fd
	ctrl map[int]int // data fd -> control fd
}

// NewChannelMap constructs a map with shardCount shards, rounded up to a
// power of two.
func NewChannelMap(shardCount int) *ChannelMap {
	if shardCount <= 0 {
		shardCount = defaultShards
	}
	m := nextPowerOfTwo(uint32(shardCount))
	shards := make([]*channelShard, m)
	for i := range shards {
		shards[i] = &channelShard{
			data: make(map[int]int),
			ctrl: make(map[int]int),
		}
	}
	return &ChannelMap{shards: shards, mask: m - 1}
}

func (m *ChannelMap) shard(fd int) *channelShard {
	return m.shards[uint32(fd)&m.mask]
}

// Link records that dataFD belongs to ctrlFD, replacing any previous link
// of ctrlFD.
func (m *ChannelMap) Link(ctrlFD, dataFD int) {
	m.Unlink(ctrlFD)

	sh := m.shard(ctrlFD)
	sh.mu.Lock()
	sh.data[ctrlFD] = dataFD
	sh.mu.Unlock()

	sh = m.shard(dataFD)
	sh.mu.Lock()
	sh.ctrl[dataFD] = ctrlFD
	sh.mu.Unlock()
}

// DataFD returns the data fd linked to ctrlFD.
func (m *ChannelMap) DataFD(ctrlFD int) (int, bool) {
	sh := m.shard(ctrlFD)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	fd, ok := sh.data[ctrlFD]
	return fd, ok
}

// Owner returns the control fd a data fd belongs to.
func (m *ChannelMap) Owner(dataFD int) (int, bool) {
	sh := m.shard(dataFD)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	fd, ok := sh.ctrl[dataFD]
	return fd, ok
}

// Unlink drops the link of ctrlFD in both directions.
func (m *ChannelMap) Unlink(ctrlFD int) {
	sh := m.shard(ctrlFD)
	sh.mu.Lock()
	dataFD, ok := sh.data[ctrlFD]
	delete(sh.data, ctrlFD)
	sh.mu.Unlock()
	if !ok {
		return
	}

	sh = m.shard(dataFD)
	sh.mu.Lock()
	if sh.ctrl[dataFD] == ctrlFD {
		delete(sh.ctrl, dataFD)
	}
	sh.mu.Unlock()
}

// Len returns the number of linked control descriptors.
func (m *ChannelMap) Len() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		n += len(sh.data)
		sh.mu.RUnlock()
	}
	return n
}

// nextPowerOfTwo returns the next power-of-two >= v.
func nextPowerOfTwo(v uint32) uint32 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
