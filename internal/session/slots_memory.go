package session

import "sync"

// MemorySlots keeps slots in process memory
type MemorySlots struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemorySlots creates an empty in-memory slot store
func NewMemorySlots() *MemorySlots {
	return &MemorySlots{values: make(map[string]string)}
}

func (m *MemorySlots) Get(name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[name]
	return v, ok, nil
}

func (m *MemorySlots) Set(name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = value
	return nil
}

func (m *MemorySlots) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, name)
	return nil
}

func (m *MemorySlots) Update(set map[string]string, del []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, value := range set {
		m.values[name] = value
	}
	for _, name := range del {
		delete(m.values, name)
	}
	return nil
}
