// Package profilekeys resolves which profile keys learned during group reconciliation may be written to
// storage. Keys asserted by their owner are authoritative; keys seen in someone else's view are learned.
package profilekeys

import (
	"sort"

	"github.com/meow-io/go-mirror/ids"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

const KeyLength = 32

type Candidate struct {
	ID  ids.ID
	Key []byte
}

// Set accumulates profile keys for one reconciliation pass. An identity is in at most one of the two maps.
type Set struct {
	authoritative map[ids.ID][]byte
	learned       map[ids.ID][]byte
	log           *zap.SugaredLogger
}

func NewSet(log *zap.SugaredLogger) *Set {
	return &Set{
		authoritative: make(map[ids.ID][]byte),
		learned:       make(map[ids.ID][]byte),
		log:           log,
	}
}

// AddFromState records every key of a full group state as learned.
func (s *Set) AddFromState(candidates []Candidate) {
	for _, c := range candidates {
		if !s.valid(c) {
			continue
		}
		s.addLearned(c.ID, c.Key)
	}
}

// AddFromChange records the keys of a change made by editor. A key is authoritative only when the member it
// belongs to is the editor; a join request counts as the editor's assertion like any other entry.
func (s *Set) AddFromChange(editor ids.ID, candidates []Candidate) {
	for _, c := range candidates {
		if !s.valid(c) {
			continue
		}
		if c.ID == editor {
			s.addAuthoritative(c.ID, c.Key)
		} else {
			s.addLearned(c.ID, c.Key)
		}
	}
}

// AddAuthoritative records a key its owner sent directly, such as the key carried in a data message.
func (s *Set) AddAuthoritative(id ids.ID, key []byte) {
	if !s.valid(Candidate{ID: id, Key: key}) {
		return
	}
	s.addAuthoritative(id, key)
}

func (s *Set) Authoritative(id ids.ID) ([]byte, bool) {
	k, ok := s.authoritative[id]
	return k, ok
}

func (s *Set) Learned(id ids.ID) ([]byte, bool) {
	k, ok := s.learned[id]
	return k, ok
}

func (s *Set) Len() int {
	return len(s.authoritative) + len(s.learned)
}

func (s *Set) valid(c Candidate) bool {
	if len(c.Key) != KeyLength {
		s.log.Warnf("skipping malformed profile key for %s, length was %d", c.ID, len(c.Key))
		return false
	}
	return true
}

func (s *Set) addLearned(id ids.ID, key []byte) {
	if _, ok := s.authoritative[id]; ok {
		return
	}
	s.learned[id] = key
}

func (s *Set) addAuthoritative(id ids.ID, key []byte) {
	delete(s.learned, id)
	s.authoritative[id] = key
}

func sortedIDs(m map[ids.ID][]byte) []ids.ID {
	keys := maps.Keys(m)
	sortIDs(keys)
	return keys
}

func sortIDs(s []ids.ID) {
	sort.Sort(ids.ByLexicographical(s))
}
