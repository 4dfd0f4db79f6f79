package storage

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"time"
)

func computeContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// computeTreeDigest hashes a manifest in path order so equal trees always
// produce the same digest.
func computeTreeDigest(m manifest) string {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		h.Write([]byte(p))
		h.Write([]byte{0})
		h.Write([]byte(m[p]))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// computeCommitHash hashes the commit fields, each prefixed with its
// length so no field can spill into its neighbour.
func computeCommitHash(project, parent, tree, author, message string, ts time.Time) string {
	h := sha256.New()
	var size [binary.MaxVarintLen64]byte
	for _, field := range []string{
		project,
		parent,
		tree,
		author,
		message,
		ts.Format(time.RFC3339Nano),
	} {
		n := binary.PutUvarint(size[:], uint64(len(field)))
		h.Write(size[:n])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}
