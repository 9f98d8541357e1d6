package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/seiforesti/data-wave-sub007/model"
)

// RuntimeDomain is the domain of types registered in code rather than loaded
// from a definition file.
const RuntimeDomain = "runtime"

// snapshot is an immutable view of every known workflow type.
type snapshot struct {
	domains  map[string]model.DomainDefinition
	types    map[string]TypeSpec
	runtime  map[string]TypeSpec
	checksum string
}

// Registry is a read-optimized, thread-safe store of workflow type
// definitions. Reads are lock-free; writers build a new snapshot and swap it
// in atomically.
type Registry struct {
	snap atomic.Pointer[snapshot]
	// writeMu serializes snapshot rebuilds.
	writeMu sync.Mutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(&snapshot{
		domains: map[string]model.DomainDefinition{},
		types:   map[string]TypeSpec{},
		runtime: map[string]TypeSpec{},
	})
	return r
}

// Replace swaps the file-loaded definitions for defs. Types registered in
// code survive a Replace; a file type with the same name takes precedence.
// On error the current snapshot is kept.
func (r *Registry) Replace(defs []model.DomainDefinition) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.current()
	s := &snapshot{
		domains: make(map[string]model.DomainDefinition, len(defs)),
		types:   make(map[string]TypeSpec),
		runtime: cur.runtime,
	}

	var checksumParts []string
	for _, def := range defs {
		s.domains[def.Domain] = def
		checksumParts = append(checksumParts, def.Checksum)

		for _, w := range def.Workflows {
			spec, err := Compile(def.Domain, w)
			if err != nil {
				return err
			}
			s.types[w.Type] = spec
		}
	}
	for name, spec := range s.runtime {
		if _, ok := s.types[name]; !ok {
			s.types[name] = spec
		}
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
	return nil
}

// Register adds or replaces a type defined in code.
func (r *Registry) Register(def model.WorkflowTypeDefinition) (TypeSpec, error) {
	if def.Type == "" {
		return TypeSpec{}, model.NewFieldValidationError("type", "type is required")
	}
	spec, err := Compile(RuntimeDomain, def)
	if err != nil {
		return TypeSpec{}, model.NewFieldValidationError("type", err.Error())
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.current()
	s := &snapshot{
		domains:  cur.domains,
		types:    make(map[string]TypeSpec, len(cur.types)+1),
		runtime:  make(map[string]TypeSpec, len(cur.runtime)+1),
		checksum: cur.checksum,
	}
	for k, v := range cur.runtime {
		s.runtime[k] = v
	}
	s.runtime[def.Type] = spec
	for k, v := range cur.types {
		s.types[k] = v
	}
	if existing, ok := s.types[def.Type]; !ok || existing.Domain == RuntimeDomain {
		s.types[def.Type] = spec
	}

	r.snap.Store(s)
	return s.types[def.Type], nil
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Lookup returns the compiled definition of a workflow type.
func (r *Registry) Lookup(workflowType string) (TypeSpec, bool) {
	t, ok := r.current().types[workflowType]
	return t, ok
}

// Types returns every known type ordered by name.
func (r *Registry) Types() []TypeSpec {
	s := r.current()
	out := make([]TypeSpec, 0, len(s.types))
	for _, t := range s.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// GetDomain returns the domain definition with the given name.
func (r *Registry) GetDomain(domain string) (model.DomainDefinition, bool) {
	d, ok := r.current().domains[domain]
	return d, ok
}

// Len returns the number of known types.
func (r *Registry) Len() int {
	return len(r.current().types)
}

// Checksum returns the combined checksum of all file-loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
