// Package rng wraps the process pseudo-random generator behind an
// explicit facade with snapshot and restore, the discipline keeping
// random streams identical across worker ranks.
package rng

import "math/rand"

// Rand is a seeded pseudo-random stream.
type Rand struct {
	*rand.Rand
	seed int64
}

// New creates a stream from a seed.
func New(seed int64) *Rand {
	return &Rand{Rand: rand.New(rand.NewSource(seed)), seed: seed}
}

// Seed returns the seed the stream was created or last restored with.
func (r *Rand) Seed() int64 { return r.seed }

// Snapshot draws a value from the stream to be used as a restore
// point. All ranks drawing in the same sequence obtain the same
// snapshot.
func (r *Rand) Snapshot() int64 { return r.Int63() }

// Restore reseeds the stream from a snapshot, discarding any
// divergent consumption since it was taken.
func (r *Rand) Restore(snapshot int64) {
	r.Rand = rand.New(rand.NewSource(snapshot))
	r.seed = snapshot
}
