// Package cluster models the candidate identities of one surname bucket: an
// ordered partition of its bibrefs plus explicit "hates" constraints that keep
// two clusters from ever being treated as one person.
package cluster

import (
	"fmt"

	"github.com/hurttlocker/bibauthor/internal/bibref"
)

// Cluster is one candidate identity.
type Cluster struct {
	ID    int
	Label string
	Refs  []bibref.BibRef
}

// Set is an ordered collection of disjoint clusters.
type Set struct {
	clusters []*Cluster
	owner    map[bibref.BibRef]int
	hates    map[[2]int]struct{}
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{
		owner: make(map[bibref.BibRef]int),
		hates: make(map[[2]int]struct{}),
	}
}

// Add appends a cluster holding refs. A ref already owned by another cluster
// breaks the partition and is rejected.
func (s *Set) Add(label string, refs ...bibref.BibRef) (*Cluster, error) {
	id := len(s.clusters)
	for i, r := range refs {
		if other, ok := s.owner[r]; ok {
			return nil, fmt.Errorf("bibref %s already in cluster %d", r, other)
		}
		for _, prev := range refs[:i] {
			if prev == r {
				return nil, fmt.Errorf("bibref %s repeated in cluster %q", r, label)
			}
		}
	}
	for _, r := range refs {
		s.owner[r] = id
	}

	c := &Cluster{ID: id, Label: label, Refs: append([]bibref.BibRef(nil), refs...)}
	s.clusters = append(s.clusters, c)
	return c, nil
}

// Hate records that clusters a and b must never merge. The relation is symmetric.
func (s *Set) Hate(a, b int) error {
	if a < 0 || a >= len(s.clusters) || b < 0 || b >= len(s.clusters) {
		return fmt.Errorf("hate between unknown clusters %d and %d", a, b)
	}
	if a == b {
		return fmt.Errorf("cluster %d cannot hate itself", a)
	}
	s.hates[hateKey(a, b)] = struct{}{}
	return nil
}

// Hates reports whether a and b carry a hates marker.
func (s *Set) Hates(a, b int) bool {
	_, ok := s.hates[hateKey(a, b)]
	return ok
}

// Clusters returns the clusters in insertion order.
func (s *Set) Clusters() []*Cluster {
	return s.clusters
}

// Len returns the number of clusters.
func (s *Set) Len() int { return len(s.clusters) }

// Owner returns the cluster holding ref.
func (s *Set) Owner(ref bibref.BibRef) (int, bool) {
	id, ok := s.owner[ref]
	return id, ok
}

// Universe lists every ref, cluster by cluster, in insertion order.
func (s *Set) Universe() []bibref.BibRef {
	out := make([]bibref.BibRef, 0, len(s.owner))
	for _, c := range s.clusters {
		out = append(out, c.Refs...)
	}
	return out
}

func hateKey(a, b int) [2]int {
	if a > b {
		a, b = b, a
	}
	return [2]int{a, b}
}
