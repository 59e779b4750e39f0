// Package registry is the authoritative catalog of callable task methods.
// Each (method, version) pair declares its params schema, target capability,
// and priority policy; every submission is validated here before routing.
package registry

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/taskmesh/taskmesh/pkg/rpc"
	"github.com/taskmesh/taskmesh/pkg/task"
)

// DefaultVersion is used when a caller does not pin a method version.
const DefaultVersion = "v1"

// ParamsFactory returns a fresh params struct for one validation pass. The
// struct's fields carry `json` and `validate` tags.
type ParamsFactory func() any

// Method describes one registered (method, version) entry.
type Method struct {
	Name            string
	Version         string
	Capability      task.Capability
	DefaultPriority task.PriorityClass
	// MaxPriority caps the class a caller may request for this method.
	MaxPriority task.PriorityClass
	// SagaDefinition names the saga to run for this method, if any.
	SagaDefinition string
	// NewParams produces the schema struct the params payload is decoded
	// into and validated against.
	NewParams ParamsFactory
}

func (m *Method) key() string { return methodKey(m.Name, m.Version) }

func methodKey(name, version string) string {
	if version == "" {
		version = DefaultVersion
	}
	return name + "@" + version
}

// Registry is a concurrency-safe, append-only method catalog.
type Registry struct {
	mu       sync.RWMutex
	methods  map[string]*Method
	inflight map[string]int
	validate *validator.Validate
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		methods:  make(map[string]*Method),
		inflight: make(map[string]int),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register adds a method to the catalog. Registering the same
// (method, version) with the same shape is idempotent; schemas are
// append-only per version, so re-registering is only rejected when it would
// change an existing entry.
func (r *Registry) Register(m *Method) error {
	if m == nil || m.Name == "" {
		return fmt.Errorf("method name cannot be empty")
	}
	if m.Version == "" {
		m.Version = DefaultVersion
	}
	if m.NewParams == nil {
		return fmt.Errorf("method %s missing params schema", m.Name)
	}
	if _, err := task.ParseCapability(string(m.Capability)); err != nil {
		return err
	}
	if m.DefaultPriority == "" {
		m.DefaultPriority = task.PriorityNormal
	}
	if m.MaxPriority == "" {
		m.MaxPriority = task.PriorityHigh
	}
	if m.MaxPriority.Outranks(task.PriorityCritical) || m.DefaultPriority.Rank() < m.MaxPriority.Rank() {
		return fmt.Errorf("method %s default priority exceeds its max", m.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.methods[m.key()]; ok {
		if existing.Capability != m.Capability {
			return fmt.Errorf("method %s already registered with capability %s", m.key(), existing.Capability)
		}
		return nil
	}
	r.methods[m.key()] = m
	return nil
}

// Lookup resolves a (method, version) entry.
func (r *Registry) Lookup(name, version string) (*Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[methodKey(name, version)]
	return m, ok
}

// Methods returns all registered entries.
func (r *Registry) Methods() []*Method {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Method, 0, len(r.methods))
	for _, m := range r.methods {
		out = append(out, m)
	}
	return out
}

// Acquire marks one in-flight task referencing the method. A method cannot
// be removed while its count is non-zero.
func (r *Registry) Acquire(name, version string) {
	r.mu.Lock()
	r.inflight[methodKey(name, version)]++
	r.mu.Unlock()
}

// Release drops one in-flight reference.
func (r *Registry) Release(name, version string) {
	r.mu.Lock()
	key := methodKey(name, version)
	if r.inflight[key] > 0 {
		r.inflight[key]--
	}
	r.mu.Unlock()
}

// Remove deletes a method that has no pending or in-flight references.
func (r *Registry) Remove(name, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := methodKey(name, version)
	if _, ok := r.methods[key]; !ok {
		return fmt.Errorf("method %s not registered", key)
	}
	if r.inflight[key] > 0 {
		return fmt.Errorf("method %s has %d in-flight tasks", key, r.inflight[key])
	}
	delete(r.methods, key)
	return nil
}

// Validate decodes and validates a params payload against the method schema.
// It returns the sanitized params re-encoded as canonical JSON, or an
// invalid_params error carrying per-field pointers.
func (r *Registry) Validate(name, version string, params json.RawMessage) (json.RawMessage, *rpc.Error) {
	m, ok := r.Lookup(name, version)
	if !ok {
		return nil, rpc.Errorf(rpc.CodeMethodNotFound, "method %q version %q not found", name, version)
	}

	target := m.NewParams()
	if len(params) > 0 {
		dec := json.NewDecoder(strings.NewReader(string(params)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(target); err != nil {
			return nil, rpc.NewError(rpc.CodeInvalidParams, "params do not match schema").
				WithData("detail", err.Error())
		}
	}

	if err := r.validate.Struct(target); err != nil {
		rpcErr := rpc.NewError(rpc.CodeInvalidParams, "params validation failed")
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok {
			fields := make(map[string]any, len(verrs))
			for _, fe := range verrs {
				fields[fieldPointer(fe)] = fe.Tag()
			}
			rpcErr.WithData("fields", fields)
		} else {
			rpcErr.WithData("detail", err.Error())
		}
		return nil, rpcErr
	}

	sanitized, err := json.Marshal(target)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeInternal, "failed to canonicalize params")
	}
	return sanitized, nil
}

func asValidationErrors(err error, out *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*out = verrs
	}
	return ok
}

// fieldPointer renders a JSON-pointer-ish path for one failed field,
// e.g. "/limits/cpu_cores".
func fieldPointer(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	return "/" + strings.ReplaceAll(strings.ToLower(ns), ".", "/")
}
