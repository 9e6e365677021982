package contentstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"sync"

	"github.com/mr-tron/base58"
)

// multihash prefix for sha2-256 with a 32-byte digest.
var cidV0Prefix = []byte{0x12, 0x20}

// CIDv0 returns the 46-character base58 multihash id of data.
func CIDv0(data []byte) ContentID {
	sum := sha256.Sum256(data)
	return ContentID(base58.Encode(append(bytes.Clone(cidV0Prefix), sum[:]...)))
}

type memoryObject struct {
	data        []byte
	contentType string
	owner       string
}

// MemoryStore keeps content in process. It is used by development setups and tests.
type MemoryStore struct {
	mu          sync.Mutex
	objects     map[ContentID]memoryObject
	unavailable bool
	puts        int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[ContentID]memoryObject)}
}

// SetUnavailable simulates a backend outage.
func (m *MemoryStore) SetUnavailable(down bool) {
	m.mu.Lock()
	m.unavailable = down
	m.mu.Unlock()
}

// Puts reports how many successful uploads the store has accepted.
func (m *MemoryStore) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

// Has reports whether id is currently pinned.
func (m *MemoryStore) Has(id ContentID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[id]
	return ok
}

func (m *MemoryStore) Put(ctx context.Context, data []byte, contentType, ownerHint string) (PutResult, error) {
	if err := ctx.Err(); err != nil {
		return PutResult{}, ErrStoreUnavailable.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return PutResult{}, ErrStoreUnavailable
	}
	id := CIDv0(data)
	m.objects[id] = memoryObject{data: bytes.Clone(data), contentType: contentType, owner: ownerHint}
	m.puts++
	return PutResult{ContentID: id, SizeBytes: int64(len(data))}, nil
}

func (m *MemoryStore) Get(ctx context.Context, id ContentID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrStoreUnavailable.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, ErrStoreUnavailable
	}
	obj, ok := m.objects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(obj.data), nil
}

func (m *MemoryStore) Unpin(_ context.Context, id ContentID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return false
	}
	delete(m.objects, id)
	return true
}
