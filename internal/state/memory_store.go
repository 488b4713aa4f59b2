package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

type requestKey struct {
	id  string
	src string
}

type attemptKey struct {
	id  string
	src string
	no  int
}

type responseKey struct {
	id   string
	src  string
	no   int
	host string
}

type pathKey struct {
	id   string
	src  string
	no   int
	host string
	path string
}

type MemoryStore struct {
	mu        sync.Mutex
	cos       map[int64]CosRecord
	requests  map[requestKey]RequestRecord
	attempts  map[attemptKey]AttemptRecord
	responses map[responseKey]ResponseRecord
	paths     map[pathKey]PathRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cos:       make(map[int64]CosRecord),
		requests:  make(map[requestKey]RequestRecord),
		attempts:  make(map[attemptKey]AttemptRecord),
		responses: make(map[responseKey]ResponseRecord),
		paths:     make(map[pathKey]PathRecord),
	}
}

func (m *MemoryStore) UpsertCos(_ context.Context, cos CosRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cos[cos.ID] = cos
	return nil
}

func (m *MemoryStore) GetCos(_ context.Context, id int64) (CosRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cos[id]
	return c, ok, nil
}

func (m *MemoryStore) ListCos(_ context.Context) ([]CosRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CosRecord, 0, len(m.cos))
	for _, c := range m.cos {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateRequest(_ context.Context, req RequestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := requestKey{req.ID, req.Src}
	if _, ok := m.requests[k]; ok {
		return ErrDuplicate
	}
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now
	m.requests[k] = req
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id, src string) (RequestRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestKey{id, src}]
	return r, ok, nil
}

func (m *MemoryStore) UpdateRequest(_ context.Context, req RequestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req.UpdatedAt = time.Now().UTC()
	m.requests[requestKey{req.ID, req.Src}] = req
	return nil
}

func (m *MemoryStore) ListRequests(_ context.Context, query RequestQuery) ([]RequestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RequestRecord, 0, len(m.requests))
	for _, r := range m.requests {
		if query.ID != "" && r.ID != query.ID {
			continue
		}
		if query.Src != "" && r.Src != query.Src {
			continue
		}
		if query.State != "" && r.State != query.State {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Src != out[j].Src {
			return out[i].Src < out[j].Src
		}
		return out[i].ID < out[j].ID
	})
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if query.Limit > 0 && query.Limit < len(out) {
		out = out[:query.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateAttempt(_ context.Context, att AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := attemptKey{att.ReqID, att.Src, att.AttemptNo}
	if _, ok := m.attempts[k]; ok {
		return ErrDuplicate
	}
	m.attempts[k] = att
	return nil
}

func (m *MemoryStore) UpdateAttempt(_ context.Context, att AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[attemptKey{att.ReqID, att.Src, att.AttemptNo}] = att
	return nil
}

func (m *MemoryStore) ListAttempts(_ context.Context, id, src string) ([]AttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AttemptRecord, 0, 4)
	for k, a := range m.attempts {
		if k.id == id && k.src == src {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNo < out[j].AttemptNo })
	return out, nil
}

func (m *MemoryStore) CreateResponse(_ context.Context, resp ResponseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := responseKey{resp.ReqID, resp.Src, resp.AttemptNo, resp.Host}
	if _, ok := m.responses[k]; ok {
		return ErrDuplicate
	}
	m.responses[k] = resp
	return nil
}

func (m *MemoryStore) ListResponses(_ context.Context, id, src string) ([]ResponseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ResponseRecord, 0, 4)
	for k, r := range m.responses {
		if k.id == id && k.src == src {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AttemptNo != out[j].AttemptNo {
			return out[i].AttemptNo < out[j].AttemptNo
		}
		return out[i].Host < out[j].Host
	})
	return out, nil
}

func (m *MemoryStore) CreatePath(_ context.Context, path PathRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pathKey{path.ReqID, path.Src, path.AttemptNo, path.Host, path.Path}
	if _, ok := m.paths[k]; ok {
		return ErrDuplicate
	}
	m.paths[k] = path
	return nil
}

func (m *MemoryStore) ListPaths(_ context.Context, id, src string) ([]PathRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PathRecord, 0, 4)
	for k, p := range m.paths {
		if k.id == id && k.src == src {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AttemptNo != out[j].AttemptNo {
			return out[i].AttemptNo < out[j].AttemptNo
		}
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}
