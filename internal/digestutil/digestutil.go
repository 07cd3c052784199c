// Package digestutil computes the generation fingerprint surfaced by
// "check" and in logs: a content digest over a generation's marker file,
// useful for confirming two hosts converged on the same build without
// comparing raw commit hashes. It is never compared for equality by any
// decision the orchestrator makes.
package digestutil

import (
	"github.com/opencontainers/go-digest"
)

// Fingerprint returns the canonical digest of marker file content.
func Fingerprint(markerContent []byte) digest.Digest {
	return digest.Canonical.FromBytes(markerContent)
}
