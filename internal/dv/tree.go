package dv

// FolderTree is a parent-pointer arena of folder records keyed by id. It is
// built once from a full folder listing so cycle checks and subtree walks do
// not go back to the database per node.
type FolderTree struct {
	folders  map[string]*Folder
	children map[string][]string
}

// NewFolderTree indexes folders. Deleted folders are included.
func NewFolderTree(folders []*Folder) *FolderTree {
	t := &FolderTree{
		folders:  make(map[string]*Folder, len(folders)),
		children: make(map[string][]string),
	}
	for _, f := range folders {
		t.folders[f.ID] = f
		t.children[f.ParentID] = append(t.children[f.ParentID], f.ID)
	}
	return t
}

// Get returns the folder with id, or nil.
func (t *FolderTree) Get(id string) *Folder {
	return t.folders[id]
}

// IsDescendant reports whether id is ancestorID or lies below it.
func (t *FolderTree) IsDescendant(id, ancestorID string) bool {
	seen := make(map[string]bool)
	for cur := id; cur != ""; {
		if cur == ancestorID {
			return true
		}
		if seen[cur] {
			return false
		}
		seen[cur] = true

		f := t.folders[cur]
		if f == nil {
			return false
		}
		cur = f.ParentID
	}
	return false
}

// Subtree returns rootID and every folder below it, parents before children.
func (t *FolderTree) Subtree(rootID string) []*Folder {
	root := t.folders[rootID]
	if root == nil {
		return nil
	}

	out := []*Folder{root}
	seen := map[string]bool{rootID: true}
	for i := 0; i < len(out); i++ {
		for _, childID := range t.children[out[i].ID] {
			if seen[childID] {
				continue
			}
			seen[childID] = true
			out = append(out, t.folders[childID])
		}
	}
	return out
}
