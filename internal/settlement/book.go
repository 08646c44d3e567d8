package settlement

import (
	"errors"
	"sync"
)

var ErrInstrumentNotFound = errors.New("instrument not found")

// Book indexes the instruments created against one register.
type Book struct {
	mu    sync.RWMutex
	byID  map[string]*Instrument
	order []string
}

func NewBook() *Book {
	return &Book{byID: make(map[string]*Instrument)}
}

func (b *Book) Add(i *Instrument) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.byID[i.ID()]; ok {
		return
	}
	b.byID[i.ID()] = i
	b.order = append(b.order, i.ID())
}

func (b *Book) Get(id string) (*Instrument, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i, ok := b.byID[id]
	if !ok {
		return nil, ErrInstrumentNotFound
	}
	return i, nil
}

// List returns instruments in creation order.
func (b *Book) List() []*Instrument {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Instrument, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.byID[id])
	}
	return out
}
