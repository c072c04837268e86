// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package tid provides synchronized transaction id counters. Every request
// submitted to the object store gets a unique id which is used in logs to
// correlate submission and completion.
package tid

import (
	"sync"
)

// Counter hands out monotonically increasing ids. The zero value is ready to
// use and the first id returned by Next() is 1, so zero can be used as "no
// id".
type Counter struct {
	mutex sync.Mutex
	value uint64
}

// Returns the last assigned id. It is zero if no id was assigned yet.
func (c *Counter) Current() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.value
}

// Returns a fresh id which was never returned before by this counter.
func (c *Counter) Next() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.value++

	return c.value
}
