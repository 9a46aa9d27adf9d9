package storage

import "github.com/google/uuid"

// event_manager.go fans out storage lifecycle events to registered
// handlers. State syncers and test fixtures use the events to observe when
// consensus data actually reached disk.

type StoreWriteEventFunc func(event *StoreWriteEvent)
type StoreFlushedEventFunc func(event *StoreFlushedEvent)

// StoreWriteEvent describes one key/value pair inside an atomic store
// write. All entries of a write share the same FlushId.
type StoreWriteEvent struct {
	Key     []byte
	Value   []byte
	FlushId uuid.UUID
}

// StoreFlushedEvent signals that the write identified by FlushId finished.
type StoreFlushedEvent struct {
	FlushId   uuid.UUID
	Succeeded bool
}

type EventManager struct {
	storeWriteHandlers   []StoreWriteEventFunc
	storeFlushedHandlers []StoreFlushedEventFunc
}

func NewEventManager() *EventManager {
	return &EventManager{}
}

func (em *EventManager) OnStoreWrite(handler StoreWriteEventFunc) {
	em.storeWriteHandlers = append(em.storeWriteHandlers, handler)
}

func (em *EventManager) storeWrite(event *StoreWriteEvent) {
	for _, handler := range em.storeWriteHandlers {
		handler(event)
	}
}

func (em *EventManager) OnStoreFlushed(handler StoreFlushedEventFunc) {
	em.storeFlushedHandlers = append(em.storeFlushedHandlers, handler)
}

func (em *EventManager) storeFlushed(event *StoreFlushedEvent) {
	for _, handler := range em.storeFlushedHandlers {
		handler(event)
	}
}
