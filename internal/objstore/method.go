// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package objstore

import (
	"context"
	"fmt"
	"sync"
)

// MethodContext gives a class method access to the single object the call
// targets. It is valid only for the duration of the call.
type MethodContext interface {
	Oid() string
	Read(ctx context.Context, buf []byte, off uint64) (int, error)
	WriteFull(ctx context.Context, data []byte) error
	Stat(ctx context.Context) (ObjectStat, error)
	OmapGet(ctx context.Context) (map[string][]byte, error)
	OmapSet(ctx context.Context, pairs map[string][]byte) error
	OmapRemove(ctx context.Context, keys []string) error
}

// Method is a class method executed next to the object. It receives encoded
// input and returns encoded output.
type Method func(ctx context.Context, mc MethodContext, in []byte) ([]byte, error)

var (
	methods     = make(map[string]Method)
	methodsLock sync.RWMutex
)

// Registers method under class.name. Registering the same name twice panics.
func RegisterMethod(class, name string, m Method) {
	methodsLock.Lock()
	defer methodsLock.Unlock()

	key := class + "." + name
	if _, ok := methods[key]; ok {
		panic(fmt.Sprintf("class method %s registered twice", key))
	}
	methods[key] = m
}

func lookupMethod(class, name string) (Method, error) {
	methodsLock.RLock()
	defer methodsLock.RUnlock()

	m, ok := methods[class+"."+name]
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", class, name, ErrNoSuchMethod)
	}

	return m, nil
}

// methodContext binds a backend, an object and the snapshot context of the
// request together.
type methodContext struct {
	backend Backend
	oid     string
	snap    SnapID
	snapc   SnapContext
}

func (m *methodContext) Oid() string {
	return m.oid
}

func (m *methodContext) Read(ctx context.Context, buf []byte, off uint64) (int, error) {
	return m.backend.Read(ctx, m.oid, m.snap, buf, off)
}

func (m *methodContext) WriteFull(ctx context.Context, data []byte) error {
	return m.backend.WriteFull(ctx, m.oid, m.snapc, data)
}

func (m *methodContext) Stat(ctx context.Context) (ObjectStat, error) {
	return m.backend.Stat(ctx, m.oid, m.snap)
}

func (m *methodContext) OmapGet(ctx context.Context) (map[string][]byte, error) {
	return m.backend.OmapGet(ctx, m.oid)
}

func (m *methodContext) OmapSet(ctx context.Context, pairs map[string][]byte) error {
	return m.backend.OmapSet(ctx, m.oid, pairs)
}

func (m *methodContext) OmapRemove(ctx context.Context, keys []string) error {
	return m.backend.OmapRemove(ctx, m.oid, keys)
}
