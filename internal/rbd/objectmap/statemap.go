// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package objectmap

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// State of one backing object of the image head.
type State uint8

const (
	Unknown State = iota
	Nonexistent
	Exists
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Nonexistent:
		return "nonexistent"
	case Exists:
		return "exists"
	}

	return fmt.Sprintf("state(%d)", uint8(s))
}

// Implementation of the Mapper interface. One byte per object stored in a
// continuous array. An image of 1TiB with 4MiB objects needs 256KiB.
//
// This structure is serialized by gobs hence it has to be exported and all
// its attributes as well.
type StateMap struct {
	States []State
}

// Returns new map for objects objects, all in the Unknown state. The map
// does not support concurrent access, use it through the Proxy.
func New(objects uint64) *StateMap {
	return &StateMap{
		States: make([]State, objects),
	}
}

// Out of range updates are ignored. They come from requests which raced
// with a shrink.
func (m *StateMap) Update(index uint64, s State) {
	if index < uint64(len(m.States)) {
		m.States[index] = s
	}
}

func (m *StateMap) Lookup(index uint64) State {
	if index < uint64(len(m.States)) {
		return m.States[index]
	}

	return Unknown
}

// Grown part is Unknown, shrunk part is dropped.
func (m *StateMap) Resize(objects uint64) {
	if objects <= uint64(cap(m.States)) {
		old := uint64(len(m.States))
		m.States = m.States[:objects]
		for i := old; i < objects; i++ {
			m.States[i] = Unknown
		}
		return
	}

	states := make([]State, objects)
	copy(states, m.States)
	m.States = states
}

func (m *StateMap) Invalidate() {
	for i := range m.States {
		m.States[i] = Unknown
	}
}

func (m *StateMap) Count(s State) uint64 {
	var n uint64
	for _, st := range m.States {
		if st == s {
			n++
		}
	}

	return n
}

// Returns serialized version of the map with go gobs.
func (m *StateMap) Serialize() []byte {
	var buf bytes.Buffer

	encoder := gob.NewEncoder(&buf)
	encoder.Encode(m)

	return buf.Bytes()
}

// Deserializes map from buf which was previously serialized by Serialize().
// The map keeps its current size, the checkpoint can come from an image of
// different size. Objects can be created or removed by other clients after
// the checkpoint was taken, only Exists entries are kept. Objects are never
// deleted by this engine while the image is mapped.
func (m *StateMap) Deserialize(buf []byte) error {
	var restored StateMap

	decoder := gob.NewDecoder(bytes.NewReader(buf))
	if err := decoder.Decode(&restored); err != nil {
		return fmt.Errorf("decoding object map: %w", err)
	}

	for i := range m.States {
		m.States[i] = Unknown
		if i < len(restored.States) && restored.States[i] == Exists {
			m.States[i] = Exists
		}
	}

	return nil
}
