package fragment

import (
	"sort"

	"github.com/cuemby/lbctl/pkg/types"
)

// Collision is a map entry dropped because its domain is already mapped
type Collision struct {
	Domain   string
	Owner    string // Fragment whose entry was kept
	Fragment string // Fragment whose entry was dropped
	Backend  string // Backend of the dropped entry
}

// Snapshot is a consistent view of every fragment. When several entries
// map the same domain, the entry of the fragment that sorts first by name
// wins; within a fragment the first line wins.
type Snapshot struct {
	fragments  []*types.Fragment
	entries    []types.MapEntry
	owners     map[string]string
	collisions []Collision
}

// NewSnapshot resolves the composed map of fragments
func NewSnapshot(fragments []*types.Fragment) *Snapshot {
	sorted := append([]*types.Fragment(nil), fragments...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	snap := &Snapshot{
		fragments: sorted,
		owners:    make(map[string]string),
	}
	for _, frag := range sorted {
		for _, e := range frag.Map {
			if owner, taken := snap.owners[e.Domain]; taken {
				snap.collisions = append(snap.collisions, Collision{
					Domain:   e.Domain,
					Owner:    owner,
					Fragment: frag.Name,
					Backend:  e.Backend,
				})
				continue
			}
			snap.owners[e.Domain] = frag.Name
			snap.entries = append(snap.entries, e)
		}
	}
	return snap
}

// Fragments returns the fragments sorted by name
func (s *Snapshot) Fragments() []*types.Fragment {
	return s.fragments
}

// Entries returns the composed map entries after collision resolution
func (s *Snapshot) Entries() []types.MapEntry {
	return s.entries
}

// Collisions returns the dropped entries
func (s *Snapshot) Collisions() []Collision {
	return s.collisions
}

// Owner returns the fragment that maps domain
func (s *Snapshot) Owner(domain string) (string, bool) {
	owner, ok := s.owners[domain]
	return owner, ok
}

// Domains returns the sorted Domain Set
func (s *Snapshot) Domains() []string {
	domains := make([]string, 0, len(s.owners))
	for d := range s.owners {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains
}
