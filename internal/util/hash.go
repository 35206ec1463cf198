// Package util provides shared utility functions.
package util

import "hash/fnv"

// InstanceTag computes a 4-byte hash of a plugin instance identifier. It only
// shortens log prefixes ("[%08x]") and does not need to be reversible.
func InstanceTag(instance string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(instance))
	return h.Sum32()
}
