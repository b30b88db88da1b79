package protocol

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MessageSet is the registry of message definitions and enum values.
// Merge swaps whole maps under the write lock so readers always see a
// consistent snapshot.
type MessageSet struct {
	mu     sync.RWMutex
	byName map[string]*MessageDefinition
	byID   map[uint32]*MessageDefinition
	enums  map[string]int64
}

func NewMessageSet() *MessageSet {
	return &MessageSet{
		byName: make(map[string]*MessageDefinition),
		byID:   make(map[uint32]*MessageDefinition),
		enums:  make(map[string]int64),
	}
}

// Merge installs every message and enum in frag, or nothing when any part
// is invalid. A definition whose name or id collides with an installed one
// replaces it.
func (s *MessageSet) Merge(frag Fragment) error {
	defs := make([]*MessageDefinition, 0, len(frag.Messages))
	names := make(map[string]struct{}, len(frag.Messages))
	ids := make(map[uint32]struct{}, len(frag.Messages))
	for _, spec := range frag.Messages {
		def, err := NewMessageDefinition(spec)
		if err != nil {
			return err
		}
		if _, dup := names[def.name]; dup {
			return &SchemaError{Message: def.name, Reason: "duplicate message name in fragment"}
		}
		if _, dup := ids[def.id]; dup {
			return &SchemaError{Message: def.name, Reason: fmt.Sprintf("duplicate message id %d in fragment", def.id)}
		}
		names[def.name] = struct{}{}
		ids[def.id] = struct{}{}
		defs = append(defs, def)
	}

	enums := make(map[string]int64, len(frag.Enums))
	for _, e := range frag.Enums {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return &SchemaError{Reason: fmt.Sprintf("enum %q has an entry without a name", e.Enum)}
		}
		if prev, dup := enums[name]; dup && prev != e.Value {
			return &SchemaError{Reason: fmt.Sprintf("enum entry %q declared with values %d and %d", name, prev, e.Value)}
		}
		enums[name] = e.Value
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byName := make(map[string]*MessageDefinition, len(s.byName)+len(defs))
	byID := make(map[uint32]*MessageDefinition, len(s.byID)+len(defs))
	for k, v := range s.byName {
		byName[k] = v
	}
	for k, v := range s.byID {
		byID[k] = v
	}
	for _, def := range defs {
		if old, ok := byName[def.name]; ok {
			delete(byID, old.id)
		}
		if old, ok := byID[def.id]; ok {
			delete(byName, old.name)
		}
		byName[def.name] = def
		byID[def.id] = def
	}

	merged := make(map[string]int64, len(s.enums)+len(enums))
	for k, v := range s.enums {
		merged[k] = v
	}
	for k, v := range enums {
		merged[k] = v
	}

	s.byName = byName
	s.byID = byID
	s.enums = merged
	return nil
}

func (s *MessageSet) LookupByName(name string) (*MessageDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.byName[name]
	return def, ok
}

func (s *MessageSet) LookupByID(id uint32) (*MessageDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.byID[id]
	return def, ok
}

// Create returns a zero-valued message for name.
func (s *MessageSet) Create(name string) (*Message, error) {
	def, ok := s.LookupByName(name)
	if !ok {
		return nil, unknownMessageName(name)
	}
	return NewMessage(def), nil
}

func (s *MessageSet) CreateByID(id uint32) (*Message, error) {
	def, ok := s.LookupByID(id)
	if !ok {
		return nil, unknownMessageID(id)
	}
	return NewMessage(def), nil
}

func (s *MessageSet) IDForMessage(name string) (uint32, error) {
	def, ok := s.LookupByName(name)
	if !ok {
		return 0, unknownMessageName(name)
	}
	return def.id, nil
}

// Enum returns the value of a named enum entry, e.g. "MAV_TYPE_GCS".
func (s *MessageSet) Enum(name string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.enums[name]
	if !ok {
		return 0, fmt.Errorf("%w: enum entry %q", ErrSchema, name)
	}
	return v, nil
}

func (s *MessageSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byName)
}

func (s *MessageSet) Contains(name string) bool {
	_, ok := s.LookupByName(name)
	return ok
}

func (s *MessageSet) ContainsID(id uint32) bool {
	_, ok := s.LookupByID(id)
	return ok
}

// Names returns the installed message names sorted.
func (s *MessageSet) Names() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.byName))
	for name := range s.byName {
		out = append(out, name)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}
