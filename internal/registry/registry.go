package registry

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/catfishapiagg/llmproxy/internal/util"
)

// ErrNotFound is returned by Update/Delete when no upstream matches the
// given id.
var ErrNotFound = errors.New("upstream not found")

const docName = "config"

// store is the minimal persistence contract the registry needs; it is
// satisfied by *storage.FileStore.
type store interface {
	Load(name string, v interface{}) (bool, error)
	Store(name string, v interface{}) error
}

// Registry is the in-memory view of the schemes document. All mutators
// load-modify-save under mu, which also serializes migration/sort
// passes against concurrent admin writes.
type Registry struct {
	mu    sync.Mutex
	store store
}

// New creates a Registry backed by the given store.
func New(s store) *Registry {
	return &Registry{store: s}
}

// rawDoc is the on-disk shape for the current (scheme-keyed) format.
type rawDoc map[string][]Upstream

// LoadSchemes reads the schemes document, migrating a legacy flat-list
// format to {"default": list} and writing the migrated form back
// before returning. Within each scheme, upstreams are sorted
// ascending by priority with a stable sort, so ties preserve the
// order they were read/created in.
func (r *Registry) LoadSchemes() (map[string][]Upstream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadSchemesLocked()
}

func (r *Registry) loadSchemesLocked() (map[string][]Upstream, error) {
	var raw json.RawMessage
	ok, err := r.store.Load(docName, &raw)
	if err != nil {
		return nil, err
	}

	doc := rawDoc{}
	migrated := false

	if ok && len(raw) > 0 {
		// Legacy format: a bare JSON array of upstreams.
		var flat []Upstream
		if err := json.Unmarshal(raw, &flat); err == nil {
			doc["default"] = flat
			migrated = true
		} else if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
	}

	for name, list := range doc {
		sortByPriority(list)
		doc[name] = list
	}

	if migrated {
		if err := r.store.Store(docName, doc); err != nil {
			return nil, err
		}
	}

	return doc, nil
}

func sortByPriority(list []Upstream) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Priority < list[j].Priority
	})
}

// SaveSchemes serializes and persists the full schemes map verbatim.
func (r *Registry) SaveSchemes(schemes map[string][]Upstream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Store(docName, rawDoc(schemes))
}

// Create appends a new upstream with a freshly generated id to the
// named scheme, creating the scheme if it does not exist yet.
func (r *Registry) Create(schemeName string, fields UpstreamFields) (Upstream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	schemes, err := r.loadSchemesLocked()
	if err != nil {
		return Upstream{}, err
	}

	id, err := newID()
	if err != nil {
		return Upstream{}, err
	}

	u := Upstream{ID: id}
	applyFields(&u, fields)

	schemes[schemeName] = append(schemes[schemeName], u)
	sortByPriority(schemes[schemeName])

	if err := r.store.Store(docName, rawDoc(schemes)); err != nil {
		return Upstream{}, err
	}

	util.Infof("registry: created upstream %s in scheme %q", u.ID, schemeName)
	return u, nil
}

// Update locates the upstream by id across all schemes and merges in
// the fields present in the input. It fails with ErrNotFound if no
// upstream with that id exists.
func (r *Registry) Update(id string, fields UpstreamFields) (Upstream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	schemes, err := r.loadSchemesLocked()
	if err != nil {
		return Upstream{}, err
	}

	for schemeName, list := range schemes {
		for i := range list {
			if list[i].ID != id {
				continue
			}
			applyFields(&list[i], fields)
			sortByPriority(list)
			schemes[schemeName] = list

			if err := r.store.Store(docName, rawDoc(schemes)); err != nil {
				return Upstream{}, err
			}
			util.Infof("registry: updated upstream %s", id)
			return list[i], nil
		}
	}

	return Upstream{}, ErrNotFound
}

// Delete removes the upstream with the given id, and removes its
// scheme entirely if that was the last upstream in it.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	schemes, err := r.loadSchemesLocked()
	if err != nil {
		return err
	}

	for schemeName, list := range schemes {
		for i := range list {
			if list[i].ID != id {
				continue
			}
			list = append(list[:i], list[i+1:]...)
			if len(list) == 0 {
				delete(schemes, schemeName)
			} else {
				schemes[schemeName] = list
			}

			if err := r.store.Store(docName, rawDoc(schemes)); err != nil {
				return err
			}
			util.Infof("registry: deleted upstream %s", id)
			return nil
		}
	}

	return ErrNotFound
}

func applyFields(u *Upstream, f UpstreamFields) {
	if f.Priority != nil {
		u.Priority = *f.Priority
	}
	if f.URL != nil {
		u.URL = *f.URL
	}
	if f.APIKey != nil {
		u.APIKey = *f.APIKey
	}
	if f.Model != nil {
		u.Model = *f.Model
	}
	if f.ConsecutiveFailureThreshold != nil {
		u.ConsecutiveFailureThreshold = f.ConsecutiveFailureThreshold
	}
	if f.DisableDurationSeconds != nil {
		u.DisableDurationSeconds = f.DisableDurationSeconds
	}
}
