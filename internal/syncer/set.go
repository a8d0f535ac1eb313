package syncer

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/kalambet/bigmem/internal/catalog"
)

// Status is a point-in-time view of one setting.
type Status struct {
	Key       string `json:"key"`
	Title     string `json:"title,omitempty"`
	Path      string `json:"path"`
	Supported bool   `json:"supported"`
	Kernel    string `json:"kernel,omitempty"`
	Stored    string `json:"stored,omitempty"`
	HasStored bool   `json:"has_stored"`
	InSync    bool   `json:"in_sync"`
	Error     string `json:"error,omitempty"`
}

// Status reads the kernel and stored values. Read failures are reported in
// Status.Error rather than returned.
func (s *Syncer) Status() Status {
	st := Status{
		Key:       s.setting.Key,
		Title:     s.setting.Title,
		Path:      s.setting.Path,
		Supported: true,
	}
	kernel, err := s.Current()
	if err != nil {
		st.Error = err.Error()
	} else {
		st.Kernel = kernel
	}
	stored, ok, err := s.Stored()
	if err != nil && st.Error == "" {
		st.Error = err.Error()
	}
	st.Stored, st.HasStored = stored, ok
	st.InSync = st.Error == "" && ok && stored == kernel
	return st
}

// Set holds a Syncer for every supported setting in a catalog.
type Set struct {
	catalog *catalog.Catalog
	syncers map[string]*Syncer
}

// OpenSet probes every catalog entry. Unsupported settings are kept in the
// catalog view but get no Syncer. When lockDir is set, each Syncer locks
// <lockDir>/<key>.lock around attribute access.
func OpenSet(cat *catalog.Catalog, store PreferenceStore, lockDir string, opts ...Option) (*Set, error) {
	set := &Set{catalog: cat, syncers: make(map[string]*Syncer)}
	for _, setting := range cat.List() {
		o := opts
		if lockDir != "" {
			o = append(append([]Option(nil), opts...), WithLockFile(filepath.Join(lockDir, setting.Key+".lock")))
		}
		s, err := Open(setting, store, o...)
		if errors.Is(err, ErrUnsupported) {
			continue
		}
		if err != nil {
			return nil, err
		}
		set.syncers[setting.Key] = s
	}
	return set, nil
}

// NewSet builds a Set from already constructed syncers.
func NewSet(cat *catalog.Catalog, syncers ...*Syncer) *Set {
	set := &Set{catalog: cat, syncers: make(map[string]*Syncer, len(syncers))}
	for _, s := range syncers {
		set.syncers[s.Key()] = s
	}
	return set
}

// Catalog returns the catalog the set was built from.
func (set *Set) Catalog() *catalog.Catalog { return set.catalog }

// Get returns the Syncer for key. It fails with catalog.ErrUnknownSetting
// for keys outside the catalog and ErrUnsupported for absent attributes.
func (set *Set) Get(key string) (*Syncer, error) {
	setting, err := set.catalog.Get(key)
	if err != nil {
		return nil, err
	}
	s, ok := set.syncers[key]
	if !ok {
		return nil, fmt.Errorf("setting %s (%s): %w", key, setting.Path, ErrUnsupported)
	}
	return s, nil
}

// Supported returns the syncers in catalog order.
func (set *Set) Supported() []*Syncer {
	var out []*Syncer
	for _, setting := range set.catalog.List() {
		if s, ok := set.syncers[setting.Key]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Status describes one setting, supported or not.
func (set *Set) Status(key string) (Status, error) {
	setting, err := set.catalog.Get(key)
	if err != nil {
		return Status{}, err
	}
	if s, ok := set.syncers[key]; ok {
		return s.Status(), nil
	}
	return Status{Key: setting.Key, Title: setting.Title, Path: setting.Path}, nil
}

// Statuses describes every catalog entry in key order.
func (set *Set) Statuses() []Status {
	list := set.catalog.List()
	out := make([]Status, 0, len(list))
	for _, setting := range list {
		st, _ := set.Status(setting.Key)
		out = append(out, st)
	}
	return out
}
