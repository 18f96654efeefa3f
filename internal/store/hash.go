package store

import (
	"crypto/sha256"
	"fmt"
)

// HashModel computes SHA-256 of source_path + state + encoded metadata for
// deduplication.
//
// Including the source and state index means the same metadata imported
// from two files (or two ensemble positions) creates two registry rows with
// distinct provenance.
func HashModel(metadata []byte, sourcePath string, state int) string {
	h := sha256.New()
	h.Write([]byte(sourcePath))
	h.Write([]byte{0}) // separator
	fmt.Fprintf(h, "%d", state)
	h.Write([]byte{0})
	h.Write(metadata)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// HashArtifact computes SHA-256 of an encoded circuit. Circuit encoding is
// deterministic, so equal circuits hash equal.
func HashArtifact(artifact []byte) string {
	h := sha256.Sum256(artifact)
	return fmt.Sprintf("%x", h)
}
