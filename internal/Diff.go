package internal

import "fmt"

// OpKind tags a FileOperation variant.
type OpKind int

const (
	OpAdd OpKind = iota
	OpUpdate
	OpRemove
)

func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "add"
	case OpUpdate:
		return "update"
	case OpRemove:
		return "remove"
	default:
		return "invalid"
	}
}

// FileOperation is one required change to reconcile the local installation
// with the remote snapshot. For Add and Update, Entry carries the expected
// remote state; for Remove only Path is meaningful.
type FileOperation struct {
	Kind  OpKind        `json:"kind"`
	Path  string        `json:"path"`
	Entry ManifestEntry `json:"entry,omitempty"`
}

func (op FileOperation) String() string {
	return fmt.Sprintf("%s %s", op.Kind, op.Path)
}

// DiffManifests produces the ordered operations that transform local into
// remote. The diff is pure and deterministic: adds and updates come out in
// remote manifest order, removals always last so deletions never race the
// transfers that give the session its new verified bytes.
//
// An entry with an identical hash but a different size is treated as an
// Update; a manifest inconsistent with itself is never silently skipped.
func DiffManifests(local, remote *Manifest) []FileOperation {
	var ops []FileOperation

	for _, re := range remote.Entries() {
		le, ok := local.Lookup(re.RelativePath)
		if !ok {
			ops = append(ops, FileOperation{Kind: OpAdd, Path: re.RelativePath, Entry: re})
			continue
		}
		if le.Hash != re.Hash || le.Size != re.Size {
			ops = append(ops, FileOperation{Kind: OpUpdate, Path: re.RelativePath, Entry: re})
		}
	}

	for _, le := range local.Entries() {
		if _, ok := remote.Lookup(le.RelativePath); !ok {
			ops = append(ops, FileOperation{Kind: OpRemove, Path: le.RelativePath})
		}
	}

	return ops
}
