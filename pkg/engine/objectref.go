package engine

import (
	"fmt"
	"sort"
)

// ObjectKind identifies the kind of domain entity an ObjectReference points at.
type ObjectKind string

const (
	ObjectKindDistributedAppliance   ObjectKind = "distributed-appliance"
	ObjectKindVirtualSystem          ObjectKind = "virtual-system"
	ObjectKindDeploymentSpec         ObjectKind = "deployment-spec"
	ObjectKindSecurityGroup          ObjectKind = "security-group"
	ObjectKindSecurityGroupInterface ObjectKind = "security-group-interface"
	ObjectKindApplianceManager       ObjectKind = "appliance-manager-connector"
	ObjectKindVirtualizationConn     ObjectKind = "virtualization-connector"
	ObjectKindJob                    ObjectKind = "job"
)

// ObjectKinds returns every known object kind.
func ObjectKinds() []ObjectKind {
	return []ObjectKind{
		ObjectKindDistributedAppliance, ObjectKindVirtualSystem, ObjectKindDeploymentSpec,
		ObjectKindSecurityGroup, ObjectKindSecurityGroupInterface, ObjectKindApplianceManager,
		ObjectKindVirtualizationConn, ObjectKindJob,
	}
}

// Validate checks if the object kind is valid.
func (k ObjectKind) Validate() error {
	for _, known := range ObjectKinds() {
		if k == known {
			return nil
		}
	}
	return fmt.Errorf("invalid object kind: %s", k)
}

// ObjectKey is the identity part of an ObjectReference. It is the map key
// wherever locks or queued requests are tracked.
type ObjectKey struct {
	Kind ObjectKind
	ID   int64
}

// String renders the key as kind/id.
func (k ObjectKey) String() string {
	return fmt.Sprintf("%s/%d", k.Kind, k.ID)
}

// ObjectReference identifies a lockable domain entity. Two references are
// equal when kind and id match; the name is for display only.
type ObjectReference struct {
	Kind ObjectKind `json:"kind" yaml:"kind"`
	ID   int64      `json:"id" yaml:"id"`
	Name string     `json:"name,omitempty" yaml:"name,omitempty"`
}

// NewObjectReference creates a reference.
func NewObjectReference(kind ObjectKind, id int64, name string) ObjectReference {
	return ObjectReference{Kind: kind, ID: id, Name: name}
}

// Key returns the identity of the reference.
func (r ObjectReference) Key() ObjectKey {
	return ObjectKey{Kind: r.Kind, ID: r.ID}
}

// Equal reports whether both references identify the same entity.
func (r ObjectReference) Equal(other ObjectReference) bool {
	return r.Key() == other.Key()
}

// String renders the reference as kind/id(name).
func (r ObjectReference) String() string {
	if r.Name == "" {
		return r.Key().String()
	}
	return fmt.Sprintf("%s/%d(%s)", r.Kind, r.ID, r.Name)
}

// Validate checks the reference kind.
func (r ObjectReference) Validate() error {
	return r.Kind.Validate()
}

// Keys returns the distinct keys of refs in first-seen order.
func Keys(refs []ObjectReference) []ObjectKey {
	seen := make(map[ObjectKey]struct{}, len(refs))
	keys := make([]ObjectKey, 0, len(refs))
	for _, r := range refs {
		k := r.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}

// Dedupe removes references that repeat an earlier key.
func Dedupe(refs []ObjectReference) []ObjectReference {
	seen := make(map[ObjectKey]struct{}, len(refs))
	out := make([]ObjectReference, 0, len(refs))
	for _, r := range refs {
		if _, ok := seen[r.Key()]; ok {
			continue
		}
		seen[r.Key()] = struct{}{}
		out = append(out, r)
	}
	return out
}

// Overlaps reports whether a and b share at least one key.
func Overlaps(a, b []ObjectReference) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[ObjectKey]struct{}, len(a))
	for _, r := range a {
		set[r.Key()] = struct{}{}
	}
	for _, r := range b {
		if _, ok := set[r.Key()]; ok {
			return true
		}
	}
	return false
}

// SortReferences orders refs by kind then id, in place.
func SortReferences(refs []ObjectReference) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Kind != refs[j].Kind {
			return refs[i].Kind < refs[j].Kind
		}
		return refs[i].ID < refs[j].ID
	})
}
