package attachment

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// URIScheme prefixes attachment URIs.
const URIScheme = "attachment://"

// Attachment is a stored file.
type Attachment struct {
	ID       string
	Name     string
	MimeType string
	Size     int
	Created  time.Time

	data []byte
}

// URI returns the attachment's canonical URI.
func (a *Attachment) URI() string {
	return URIScheme + a.ID
}

// Data returns a copy of the stored bytes.
func (a *Attachment) Data() []byte {
	dup := make([]byte, len(a.data))
	copy(dup, a.data)
	return dup
}

// Store persists attachments.
type Store interface {
	// Save stores a copy of data under a fresh id.
	Save(name, mimeType string, data []byte) *Attachment

	// Get returns the attachment for an id or "attachment://" URI.
	Get(ref string) (*Attachment, error)

	// List returns all attachments ordered by creation time.
	List() []*Attachment

	// Delete removes an attachment.
	Delete(ref string) error
}

// InMemoryStore holds attachments in memory.
type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Attachment
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string]*Attachment)}
}

// Save stores a copy of data under a fresh id.
func (s *InMemoryStore) Save(name, mimeType string, data []byte) *Attachment {
	dup := make([]byte, len(data))
	copy(dup, data)

	att := &Attachment{
		ID:       uuid.New().String(),
		Name:     name,
		MimeType: mimeType,
		Size:     len(dup),
		Created:  time.Now(),
		data:     dup,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[att.ID] = att

	return att
}

// Get returns the attachment for an id or "attachment://" URI.
func (s *InMemoryStore) Get(ref string) (*Attachment, error) {
	id := strings.TrimPrefix(ref, URIScheme)

	s.mu.RLock()
	defer s.mu.RUnlock()

	att, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return att, nil
}

// List returns all attachments ordered by creation time.
func (s *InMemoryStore) List() []*Attachment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Attachment, 0, len(s.items))
	for _, att := range s.items {
		all = append(all, att)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Created.Equal(all[j].Created) {
			return all[i].ID < all[j].ID
		}
		return all[i].Created.Before(all[j].Created)
	})

	return all
}

// Delete removes an attachment.
func (s *InMemoryStore) Delete(ref string) error {
	id := strings.TrimPrefix(ref, URIScheme)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)

	return nil
}
