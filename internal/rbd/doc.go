// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// rbd maps the linear address space of a block device image onto fixed size
// objects of an object store. Every image I/O is split into object requests
// which are submitted asynchronously and their completions are aggregated
// back in image offset order.
//
// Images can be clones of a snapshot of another image. Reads missing in the
// clone fall through to the parent and the first write to an object copies
// the parent data up into the clone.
//
// Request lifetimes are governed by explicit reference counts. Every owner,
// i.e. the image request list, a synchronous waiter or an in-flight
// submission, holds exactly one reference.
package rbd
