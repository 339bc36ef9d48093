/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

package cache

import (
	"math/rand"
	"sync"
	"time"
)

type kind uint8

const (
	kindString kind = iota
	kindList
	kindSet
	kindHash
)

// perEntryOverhead approximates bookkeeping cost (map slot, pointers,
// header) so Memory() reflects something closer to real RSS pressure
// than len(key)+len(value) alone.
const perEntryOverhead = 48

// entry is one keyspace slot plus its intrusive LRU list pointers.
// Exactly one of str/list/set/hash is populated, selected by kind.
type entry struct {
	key  string
	kind kind

	str  []byte
	list [][]byte
	set  map[string]struct{}
	hash map[string]string

	expireAt time.Time // zero means no TTL

	prev, next *entry
	size       int64
}

func (e *entry) hasExpiry() bool { return !e.expireAt.IsZero() }

func (e *entry) expired(now time.Time) bool {
	return e.hasExpiry() && now.After(e.expireAt)
}

func sizeOf(e *entry) int64 {
	n := int64(len(e.key)) + perEntryOverhead
	switch e.kind {
	case kindString:
		n += int64(len(e.str))
	case kindList:
		for _, v := range e.list {
			n += int64(len(v))
		}
	case kindSet:
		for m := range e.set {
			n += int64(len(m))
		}
	case kindHash:
		for f, v := range e.hash {
			n += int64(len(f)) + int64(len(v))
		}
	}
	return n
}

// Store is the in-memory keyspace: a hash map plus an intrusive
// doubly-linked list tracking MRU/LRU order for eviction.
type Store struct {
	mu sync.Mutex

	byKey map[string]*entry
	head  *entry // most recently used
	tail  *entry // least recently used

	memory   int64
	maxBytes int64
	eviction Eviction
}

// NewStore constructs an empty keyspace bounded by maxBytes (0 = unbounded)
// evicted according to policy.
func NewStore(maxBytes int64, policy Eviction) *Store {
	return &Store{
		byKey:    make(map[string]*entry),
		maxBytes: maxBytes,
		eviction: policy,
	}
}

func (s *Store) unlinkLocked(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		s.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

// touchLocked moves e to the MRU end, on every read or write.
func (s *Store) touchLocked(e *entry) {
	if s.head == e {
		return
	}
	s.unlinkLocked(e)
	e.prev = nil
	e.next = s.head
	if s.head != nil {
		s.head.prev = e
	}
	s.head = e
	if s.tail == nil {
		s.tail = e
	}
}

func (s *Store) removeLocked(e *entry) {
	s.unlinkLocked(e)
	delete(s.byKey, e.key)
	s.memory -= e.size
}

func (s *Store) insertLocked(e *entry) {
	e.size = sizeOf(e)
	s.byKey[e.key] = e
	s.memory += e.size
	e.prev, e.next = nil, s.head
	if s.head != nil {
		s.head.prev = e
	}
	s.head = e
	if s.tail == nil {
		s.tail = e
	}
}

func (s *Store) resizeLocked(e *entry) {
	s.memory -= e.size
	e.size = sizeOf(e)
	s.memory += e.size
}

// getLocked returns the live (non-expired) entry for key, lazily
// removing it first if its TTL has passed.
func (s *Store) getLocked(key string) *entry {
	e, ok := s.byKey[key]
	if !ok {
		return nil
	}
	if e.expired(time.Now()) {
		s.removeLocked(e)
		return nil
	}
	s.touchLocked(e)
	return e
}

// evictLocked drops entries until memory fits maxBytes, per the
// configured policy. noeviction never drops anything; Set refuses the
// write instead.
func (s *Store) evictLocked() bool {
	if s.maxBytes <= 0 {
		return true
	}

	for s.memory > s.maxBytes {
		if len(s.byKey) == 0 {
			return true
		}

		switch s.eviction {
		case EvictionLRU:
			if s.tail == nil {
				return true
			}
			s.removeLocked(s.tail)
		case EvictionRandom:
			for k, e := range s.byKey {
				_ = k
				s.removeLocked(e)
				break
			}
		default:
			return false
		}
	}
	return true
}

// Memory reports current accounted byte usage.
func (s *Store) Memory() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memory
}

// Size returns the live key count (expired-but-not-yet-swept keys are
// still counted until the next access or sampler pass touches them).
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

// ErrOOM-equivalent: callers translate a false "ok" into ErrorOOM.

// Set stores key=val as a string, optionally with a TTL (ttl<=0 means none).
func (s *Store) Set(key string, val []byte, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, had := s.byKey[key]
	if had {
		s.removeLocked(old)
	}

	e := &entry{key: key, kind: kindString, str: append([]byte(nil), val...)}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	}
	s.insertLocked(e)

	if !s.evictLocked() {
		s.removeLocked(e)
		if had {
			s.insertLocked(old)
		}
		return false
	}
	return true
}

// Get returns a string key's value.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.getLocked(key)
	if e == nil || e.kind != kindString {
		return nil, false
	}
	return e.str, true
}

// Del removes key regardless of kind, reporting whether it existed.
func (s *Store) Del(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byKey[key]
	if !ok {
		return false
	}
	s.removeLocked(e)
	return true
}

func (s *Store) listEntry(key string, create bool) (*entry, bool) {
	e := s.getLocked(key)
	if e == nil {
		if !create {
			return nil, true
		}
		e = &entry{key: key, kind: kindList}
		s.insertLocked(e)
		return e, true
	}
	if e.kind != kindList {
		return nil, false
	}
	return e, true
}

// LPush prepends values, creating the list if absent.
func (s *Store) LPush(key string, values ...[]byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.listEntry(key, true)
	if !ok {
		return 0, ErrorWrongType.Error(nil)
	}
	for _, v := range values {
		e.list = append([][]byte{append([]byte(nil), v...)}, e.list...)
	}
	s.resizeLocked(e)
	return len(e.list), nil
}

// RPush appends values, creating the list if absent.
func (s *Store) RPush(key string, values ...[]byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.listEntry(key, true)
	if !ok {
		return 0, ErrorWrongType.Error(nil)
	}
	for _, v := range values {
		e.list = append(e.list, append([]byte(nil), v...))
	}
	s.resizeLocked(e)
	return len(e.list), nil
}

// LPop removes and returns the head element.
func (s *Store) LPop(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.listEntry(key, false)
	if !ok {
		return nil, false, ErrorWrongType.Error(nil)
	}
	if e == nil || len(e.list) == 0 {
		return nil, false, nil
	}

	v := e.list[0]
	e.list = e.list[1:]
	if len(e.list) == 0 {
		s.removeLocked(e)
	} else {
		s.resizeLocked(e)
	}
	return v, true, nil
}

// RPop removes and returns the tail element.
func (s *Store) RPop(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.listEntry(key, false)
	if !ok {
		return nil, false, ErrorWrongType.Error(nil)
	}
	if e == nil || len(e.list) == 0 {
		return nil, false, nil
	}

	v := e.list[len(e.list)-1]
	e.list = e.list[:len(e.list)-1]
	if len(e.list) == 0 {
		s.removeLocked(e)
	} else {
		s.resizeLocked(e)
	}
	return v, true, nil
}

// LLen reports the list's length (0 if absent).
func (s *Store) LLen(key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.listEntry(key, false)
	if !ok {
		return 0, ErrorWrongType.Error(nil)
	}
	if e == nil {
		return 0, nil
	}
	return len(e.list), nil
}

// LRange returns list[start:stop] inclusive, Redis-style negative
// indices counting from the tail, clamped to bounds.
func (s *Store) LRange(key string, start, stop int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.listEntry(key, false)
	if !ok {
		return nil, ErrorWrongType.Error(nil)
	}
	if e == nil {
		return nil, nil
	}

	n := len(e.list)
	start = normalizeIndex(start, n)
	stop = normalizeIndex(stop, n)
	if start > stop || start >= n {
		return nil, nil
	}
	if stop >= n {
		stop = n - 1
	}
	if start < 0 {
		start = 0
	}

	out := make([][]byte, 0, stop-start+1)
	for i := start; i <= stop; i++ {
		out = append(out, e.list[i])
	}
	return out, nil
}

func normalizeIndex(i, n int) int {
	if i < 0 {
		i = n + i
	}
	return i
}

func (s *Store) setEntry(key string, create bool) (*entry, bool) {
	e := s.getLocked(key)
	if e == nil {
		if !create {
			return nil, true
		}
		e = &entry{key: key, kind: kindSet, set: make(map[string]struct{})}
		s.insertLocked(e)
		return e, true
	}
	if e.kind != kindSet {
		return nil, false
	}
	return e, true
}

// SAdd adds members to a set, reporting how many were newly added.
func (s *Store) SAdd(key string, members ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.setEntry(key, true)
	if !ok {
		return 0, ErrorWrongType.Error(nil)
	}

	added := 0
	for _, m := range members {
		if _, exists := e.set[m]; !exists {
			e.set[m] = struct{}{}
			added++
		}
	}
	s.resizeLocked(e)
	return added, nil
}

// SRem removes members, reporting how many were present.
func (s *Store) SRem(key string, members ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.setEntry(key, false)
	if !ok {
		return 0, ErrorWrongType.Error(nil)
	}
	if e == nil {
		return 0, nil
	}

	removed := 0
	for _, m := range members {
		if _, exists := e.set[m]; exists {
			delete(e.set, m)
			removed++
		}
	}
	if len(e.set) == 0 {
		s.removeLocked(e)
	} else {
		s.resizeLocked(e)
	}
	return removed, nil
}

// SIsMember reports whether member is in the set named by key.
func (s *Store) SIsMember(key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.setEntry(key, false)
	if !ok {
		return false, ErrorWrongType.Error(nil)
	}
	if e == nil {
		return false, nil
	}
	_, present := e.set[member]
	return present, nil
}

// SCard reports the set's cardinality (0 if absent).
func (s *Store) SCard(key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.setEntry(key, false)
	if !ok {
		return 0, ErrorWrongType.Error(nil)
	}
	if e == nil {
		return 0, nil
	}
	return len(e.set), nil
}

func (s *Store) hashEntry(key string, create bool) (*entry, bool) {
	e := s.getLocked(key)
	if e == nil {
		if !create {
			return nil, true
		}
		e = &entry{key: key, kind: kindHash, hash: make(map[string]string)}
		s.insertLocked(e)
		return e, true
	}
	if e.kind != kindHash {
		return nil, false
	}
	return e, true
}

// HSet sets a hash field, reporting whether the field was newly created.
func (s *Store) HSet(key, field, val string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.hashEntry(key, true)
	if !ok {
		return false, ErrorWrongType.Error(nil)
	}

	_, existed := e.hash[field]
	e.hash[field] = val
	s.resizeLocked(e)
	return !existed, nil
}

// HGet reads a hash field.
func (s *Store) HGet(key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.hashEntry(key, false)
	if !ok {
		return "", false, ErrorWrongType.Error(nil)
	}
	if e == nil {
		return "", false, nil
	}
	v, present := e.hash[field]
	return v, present, nil
}

// HDel removes a hash field, reporting whether it was present.
func (s *Store) HDel(key, field string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.hashEntry(key, false)
	if !ok {
		return false, ErrorWrongType.Error(nil)
	}
	if e == nil {
		return false, nil
	}

	_, present := e.hash[field]
	if present {
		delete(e.hash, field)
	}
	if len(e.hash) == 0 {
		s.removeLocked(e)
	} else {
		s.resizeLocked(e)
	}
	return present, nil
}

// HLen reports a hash's field count (0 if absent).
func (s *Store) HLen(key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.hashEntry(key, false)
	if !ok {
		return 0, ErrorWrongType.Error(nil)
	}
	if e == nil {
		return 0, nil
	}
	return len(e.hash), nil
}

// HGetAll returns a copy of every field/value pair.
func (s *Store) HGetAll(key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.hashEntry(key, false)
	if !ok {
		return nil, ErrorWrongType.Error(nil)
	}
	if e == nil {
		return map[string]string{}, nil
	}

	out := make(map[string]string, len(e.hash))
	for f, v := range e.hash {
		out[f] = v
	}
	return out, nil
}

// Expire sets key's TTL relative to now, reporting whether key exists.
func (s *Store) Expire(key string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.getLocked(key)
	if e == nil {
		return false
	}
	e.expireAt = time.Now().Add(ttl)
	return true
}

// TTL reports the remaining lifetime: -1 if no expiry, -2 if absent.
func (s *Store) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.getLocked(key)
	if e == nil {
		return -2 * time.Second
	}
	if !e.hasExpiry() {
		return -1 * time.Second
	}
	return time.Until(e.expireAt)
}

// Persist clears key's TTL, reporting whether it had one.
func (s *Store) Persist(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.getLocked(key)
	if e == nil || !e.hasExpiry() {
		return false
	}
	e.expireAt = time.Time{}
	return true
}

// Flush drops every key.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey = make(map[string]*entry)
	s.head, s.tail = nil, nil
	s.memory = 0
}

// activeExpireCycle samples up to `sample` random keys and removes any
// that have expired, the periodic half of's "lazy + active" expiry.
func (s *Store) activeExpireCycle(sample int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.byKey) == 0 {
		return 0
	}

	keys := make([]string, 0, len(s.byKey))
	for k := range s.byKey {
		keys = append(keys, k)
	}
	rand.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	if len(keys) > sample {
		keys = keys[:sample]
	}

	now := time.Now()
	removed := 0
	for _, k := range keys {
		if e, ok := s.byKey[k]; ok && e.expired(now) {
			s.removeLocked(e)
			removed++
		}
	}
	return removed
}

// snapshotEntries returns every live key's kind/payload/expiry for
// FLUSH to serialize.
func (s *Store) snapshotEntries() []snapshotEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	out := make([]snapshotEntry, 0, len(s.byKey))
	for _, e := range s.byKey {
		if e.expired(now) {
			continue
		}
		out = append(out, encodeEntry(e))
	}
	return out
}

// loadEntries replaces the keyspace with decoded entries, for LOAD.
func (s *Store) loadEntries(entries []snapshotEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byKey = make(map[string]*entry)
	s.head, s.tail = nil, nil
	s.memory = 0

	for _, se := range entries {
		e := decodeEntry(se)
		if e == nil {
			continue
		}
		s.insertLocked(e)
	}
}
