package statefun

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// AddressScopedStorage gives a function access to the values registered
// in its StatefulFunctionSpec, scoped to the invoked instance's Address.
// Values live in memory for as long as the instance stays activated.
type AddressScopedStorage interface {
	// Get reads the value of spec into receiver. It returns false
	// when no value is set or the value has expired.
	Get(spec ValueSpec, receiver interface{}) (bool, error)

	// Set replaces the value of spec.
	Set(spec ValueSpec, value interface{}) error

	// Clear removes the value of spec.
	Clear(spec ValueSpec) error
}

type cell struct {
	value     []byte
	writtenAt time.Time
	calledAt  time.Time
}

type storage struct {
	mutex sync.RWMutex
	clock clockwork.Clock
	specs map[string]ValueSpec
	cells map[string]*cell
}

func newStorage(clock clockwork.Clock, specs map[string]ValueSpec) *storage {
	return &storage{
		clock: clock,
		specs: specs,
		cells: make(map[string]*cell, len(specs)),
	}
}

func (s *storage) lookup(spec ValueSpec) (ValueSpec, error) {
	registered, ok := s.specs[spec.Name]
	if !ok {
		return ValueSpec{}, fmt.Errorf("unregistered ValueSpec %s", spec.Name)
	}

	if registered.ValueType.GetTypeName().String() != spec.ValueType.GetTypeName().String() {
		return ValueSpec{}, fmt.Errorf("ValueSpec %s is registered with type %s", spec.Name, registered.ValueType.GetTypeName())
	}

	return registered, nil
}

func (s *storage) Get(spec ValueSpec, receiver interface{}) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	registered, err := s.lookup(spec)
	if err != nil {
		return false, err
	}

	c, ok := s.cells[spec.Name]
	if !ok {
		return false, nil
	}

	if registered.Expiration.expirationType == expireAfterWrite &&
		s.clock.Since(c.writtenAt) >= registered.Expiration.duration {
		delete(s.cells, spec.Name)
		return false, nil
	}

	return true, registered.ValueType.Deserialize(receiver, c.value)
}

func (s *storage) Set(spec ValueSpec, value interface{}) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	registered, err := s.lookup(spec)
	if err != nil {
		return err
	}

	data, err := registered.ValueType.Serialize(value)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	s.cells[spec.Name] = &cell{
		value:     data,
		writtenAt: now,
		calledAt:  now,
	}

	return nil
}

func (s *storage) Clear(spec ValueSpec) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, err := s.lookup(spec); err != nil {
		return err
	}

	delete(s.cells, spec.Name)
	return nil
}

// apply commits the writes staged by one invocation.
func (s *storage) apply(writes map[string]write) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.clock.Now()
	for name, w := range writes {
		if w.cleared {
			delete(s.cells, name)
			continue
		}

		s.cells[name] = &cell{
			value:     w.data,
			writtenAt: now,
			calledAt:  now,
		}
	}
}

// touch runs before every invocation: values configured to expire
// after a call are dropped when their window has passed, and the
// window restarts for the ones that survive.
func (s *storage) touch() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.clock.Now()
	for name, c := range s.cells {
		expiration := s.specs[name].Expiration
		if expiration.expirationType != expireAfterCall {
			continue
		}

		if now.Sub(c.calledAt) >= expiration.duration {
			delete(s.cells, name)
			continue
		}

		c.calledAt = now
	}
}

type write struct {
	data    []byte
	cleared bool
}

// batch is the storage view of one invocation. Writes stay staged until
// the invocation commits and are dropped when it fails.
type batch struct {
	mutex   sync.Mutex
	storage *storage
	writes  map[string]write
}

func (s *storage) batch() *batch {
	return &batch{
		storage: s,
		writes:  make(map[string]write),
	}
}

func (b *batch) Get(spec ValueSpec, receiver interface{}) (bool, error) {
	b.mutex.Lock()
	w, staged := b.writes[spec.Name]
	b.mutex.Unlock()

	if !staged {
		return b.storage.Get(spec, receiver)
	}

	registered, err := b.storage.lookup(spec)
	if err != nil {
		return false, err
	}

	if w.cleared {
		return false, nil
	}

	return true, registered.ValueType.Deserialize(receiver, w.data)
}

func (b *batch) Set(spec ValueSpec, value interface{}) error {
	registered, err := b.storage.lookup(spec)
	if err != nil {
		return err
	}

	data, err := registered.ValueType.Serialize(value)
	if err != nil {
		return err
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.writes[spec.Name] = write{data: data}
	return nil
}

func (b *batch) Clear(spec ValueSpec) error {
	if _, err := b.storage.lookup(spec); err != nil {
		return err
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.writes[spec.Name] = write{cleared: true}
	return nil
}

func (b *batch) commit() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.storage.apply(b.writes)
}
