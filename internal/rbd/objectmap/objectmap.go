// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Objectmap package tracks which backing objects of an image are known to
// exist. The layering engine consults it before writes to clones, so objects
// already copied up are written directly without an existence probe.
//
// The Proxy serializes and prioritizes requests coming to the Mapper and also
// improves cache locality since all operations are done by the same go
// routine.
package objectmap

// Provides object states of one image. Implemented by StateMap.
type Mapper interface {
	Update(index uint64, s State)
	Lookup(index uint64) State
	Resize(objects uint64)
	Invalidate()
	Count(s State) uint64
	Serialize() []byte
	Deserialize(buf []byte) error
}

// Proxy to the Mapper. Updates and lookups come from the I/O path and have
// the highest priority. Everything else is done under the low priority lock
// request.
type Proxy struct {
	Instance Mapper

	// Channels for internal communication specific to one type of request.
	updateChan chan updateRequest
	lookupChan chan lookupRequest

	// General low priority channel used for multiple types of requests.
	lockChan chan lockRequest

	quit chan struct{}

	// Owned by the worker. Set by updates changing the map, cleared by
	// Checkpoint().
	dirty bool
}

// Returns proxy which can be directly used. It spawns one worker which handles
// all serialized and prioritized requests.
func NewProxy(instance Mapper) *Proxy {
	p := &Proxy{
		Instance:   instance,
		updateChan: make(chan updateRequest),
		lookupChan: make(chan lookupRequest),
		lockChan:   make(chan lockRequest),
		quit:       make(chan struct{}),
	}

	go p.worker()

	return p
}

// Sets state of object index. Requests coming after Close() are dropped.
func (p *Proxy) Update(index uint64, s State) {
	done := make(chan struct{})
	select {
	case p.updateChan <- updateRequest{index, s, done}:
		<-done
	case <-p.quit:
	}
}

// Returns state of object index, Unknown after Close().
func (p *Proxy) Lookup(index uint64) State {
	reply := make(chan State)
	select {
	case p.lookupChan <- lookupRequest{index, reply}:
		return <-reply
	case <-p.quit:
		return Unknown
	}
}

// Runs fn with exclusive access to the map. Does nothing after Close().
func (p *Proxy) locked(fn func()) {
	done := make(chan struct{})
	select {
	case p.lockChan <- lockRequest{done}:
	case <-p.quit:
		return
	}
	<-done
	defer func() {
		done <- struct{}{}
	}()

	fn()
}

func (p *Proxy) Resize(objects uint64) {
	p.locked(func() {
		p.Instance.Resize(objects)
		p.dirty = true
	})
}

// Forgets everything. Used when the image changed under our hands.
func (p *Proxy) Invalidate() {
	p.locked(func() {
		p.Instance.Invalidate()
		p.dirty = true
	})
}

func (p *Proxy) Count(s State) uint64 {
	var n uint64
	p.locked(func() {
		n = p.Instance.Count(s)
	})

	return n
}

// Returns serialized map if it changed since the last checkpoint.
func (p *Proxy) Checkpoint() ([]byte, bool) {
	var buf []byte
	var dirty bool

	p.locked(func() {
		dirty = p.dirty
		if dirty {
			buf = p.Instance.Serialize()
			p.dirty = false
		}
	})

	return buf, dirty
}

// Marks the map as changed, so the next Checkpoint() returns it. Used when
// storing a checkpoint failed.
func (p *Proxy) MarkDirty() {
	p.locked(func() {
		p.dirty = true
	})
}

func (p *Proxy) Restore(buf []byte) error {
	var err error
	p.locked(func() {
		err = p.Instance.Deserialize(buf)
	})

	return err
}

// Stops the worker. The proxy must not be used afterwards.
func (p *Proxy) Close() {
	close(p.quit)
}

// Internal request structures just for wrapping the function calls into the
// channel communication.

type updateRequest struct {
	index uint64
	state State
	done  chan struct{}
}

type lookupRequest struct {
	index uint64
	reply chan State
}

type lockRequest struct {
	done chan struct{}
}

// Worker is doing prioritization and serialization of the requests.
func (p *Proxy) worker() {
	for {
		select {
		case u := <-p.updateChan:
			p.update(u)

		case l := <-p.lookupChan:
			p.lookup(l)

		case <-p.quit:
			return

		default:
			select {
			case u := <-p.updateChan:
				p.update(u)

			case l := <-p.lookupChan:
				p.lookup(l)

			case l := <-p.lockChan:
				l.done <- struct{}{}
				<-l.done

			case <-p.quit:
				return
			}
		}
	}
}

func (p *Proxy) update(r updateRequest) {
	if p.Instance.Lookup(r.index) != r.state {
		p.Instance.Update(r.index, r.state)
		p.dirty = true
	}
	r.done <- struct{}{}
}

func (p *Proxy) lookup(r lookupRequest) {
	r.reply <- p.Instance.Lookup(r.index)
}
