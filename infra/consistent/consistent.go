// Package consistent assigns named pieces of work to nodes with
// rendezvous (highest-random-weight) hashing, so a fleet of janitor
// processes can split the periodic sweeps between themselves without any
// coordination beyond agreeing on the member list.
package consistent

import (
	"github.com/cespare/xxhash/v2"
)

// Ring holds the agreed member list. Membership changes move only the
// keys whose winning member changed, which is the property that makes it
// safe to derive from static config instead of a discovery service.
type Ring struct {
	nodes []string
}

func New(nodes []string) *Ring {
	return &Ring{nodes: append([]string(nil), nodes...)}
}

// Owner returns the member responsible for key. With no members it
// returns "", which callers treat as "I own everything" so a single-node
// deployment needs no member list at all.
func (r *Ring) Owner(key string) string {
	var (
		best      string
		bestScore uint64
	)
	for _, node := range r.nodes {
		score := weight(node, key)
		if best == "" || score > bestScore || (score == bestScore && node < best) {
			best = node
			bestScore = score
		}
	}
	return best
}

// Owns reports whether node is responsible for key.
func (r *Ring) Owns(node, key string) bool {
	owner := r.Owner(key)
	return owner == "" || owner == node
}

func weight(node, key string) uint64 {
	d := xxhash.New()
	d.WriteString(node) //nolint:errcheck
	d.WriteString("/")  //nolint:errcheck
	d.WriteString(key)  //nolint:errcheck
	return d.Sum64()
}
