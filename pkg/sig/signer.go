// Package sig implements the batched Merkle-tree signature scheme from
// spec.md §4.3: one asymmetric signature amortized over N messages via a
// Merkle tree whose leaves are message hashes.
//
// Construction follows original_source/src/lib/batched_sigs.cc (the
// reference C++ implementation this spec was distilled from) for the
// hash-and-build-tree algorithm, adapted to the spec's described array
// layout (root at index 0, children of i at 2i+1/2i+2) rather than the
// C++ source's ad hoc (2n-1)-slot heap indexing — the spec calls that
// layout detail an implementation choice, not an invariant, so the
// cleaner standard array form is used here.
//
// Hashing is BLAKE3 via lukechampine.com/blake3, grounded on several
// retrieved-pack repos (other_examples/manifests: certenIO-certen-validator,
// prysmaticlabs-prysm, Klingon-tech-klingdex) that depend on the same
// module for tree/consensus hashing. Signing itself is pluggable: the
// underlying asymmetric sign/verify primitive is an out-of-scope
// black-box per spec.md §1, so this package accepts any Signer/Verifier
// and ships a crypto/ed25519-backed default.
package sig

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"lukechampine.com/blake3"
)

// HashLen is the BLAKE3 digest length used throughout the tree, matching
// BLAKE3_OUT_LEN in the reference implementation.
const HashLen = 32

// Verdict is the three-way outcome spec.md §4.3 requires verification to
// produce.
type Verdict int

const (
	Valid Verdict = iota
	Invalid
	Tampered
)

func (v Verdict) String() string {
	switch v {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "tampered"
	}
}

// Signer produces a raw signature over an arbitrary-length message. Swap
// in any asymmetric scheme; ed25519.PrivateKey satisfies this via
// Ed25519Signer below.
type Signer interface {
	Sign(message []byte) []byte
}

// Verifier checks a raw signature produced by the matching Signer.
type Verifier interface {
	Verify(message, signature []byte) bool
}

// Ed25519Signer adapts an ed25519.PrivateKey to Signer.
type Ed25519Signer struct{ Key ed25519.PrivateKey }

func (s Ed25519Signer) Sign(message []byte) []byte { return ed25519.Sign(s.Key, message) }

// Ed25519Verifier adapts an ed25519.PublicKey to Verifier.
type Ed25519Verifier struct{ Key ed25519.PublicKey }

func (v Ed25519Verifier) Verify(message, signature []byte) bool {
	return ed25519.Verify(v.Key, message, signature)
}

func hash(b []byte) [HashLen]byte { return blake3.Sum256(b) }

func hashCat(a, b [HashLen]byte) [HashLen]byte {
	buf := make([]byte, 0, 2*HashLen)
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return blake3.Sum256(buf)
}

// tree holds a complete-binary Merkle tree in array form: root at index
// 0, children of i at 2i+1 and 2i+2, leaves starting at the first index
// with no children. Non-power-of-two batches pad the leaf level by
// duplicating the last real leaf, matching the common convention for
// complete binary Merkle trees (spec.md §8 scenario 2: "tree depth 2" for
// 3 messages implies one padded leaf).
type tree struct {
	nodes    [][HashLen]byte // index 0 = root
	n        int             // number of real leaves
	leafBase int             // index of leaf 0 in nodes
	depth    int
}

func buildTree(leaves [][HashLen]byte) *tree {
	n := len(leaves)
	depth := 0
	for (1 << depth) < n {
		depth++
	}
	leafCount := 1 << depth
	if leafCount == 0 {
		leafCount = 1
	}

	padded := make([][HashLen]byte, leafCount)
	copy(padded, leaves)
	for i := n; i < leafCount; i++ {
		padded[i] = leaves[n-1]
	}

	size := 2*leafCount - 1
	nodes := make([][HashLen]byte, size)
	leafBase := leafCount - 1
	copy(nodes[leafBase:], padded)

	for i := leafBase - 1; i >= 0; i-- {
		nodes[i] = hashCat(nodes[2*i+1], nodes[2*i+2])
	}

	return &tree{nodes: nodes, n: n, leafBase: leafBase, depth: depth}
}

// siblingPath returns the sibling hashes from leaf i up to (but not
// including) the root, in leaf-to-root order.
func (t *tree) siblingPath(i int) [][HashLen]byte {
	path := make([][HashLen]byte, 0, t.depth)
	idx := t.leafBase + i
	for idx > 0 {
		var sibling int
		if idx%2 == 0 {
			sibling = idx - 1
		} else {
			sibling = idx + 1
		}
		path = append(path, t.nodes[sibling])
		idx = (idx - 1) / 2
	}
	return path
}

func (t *tree) root() [HashLen]byte { return t.nodes[0] }

// Batch holds the product of SignBatch: one per-message Signature plus
// the shared root signature, for callers that want to inspect the batch
// before extracting individual messages' wire signatures.
type Batch struct {
	Root       [HashLen]byte
	RootSig    []byte
	Signatures [][]byte // Signatures[i] is the wire-format signature for messages[i]
}

// SignBatch builds the Merkle tree over messages, signs the root once,
// and returns the per-message wire signatures in the format spec.md §4.3
// mandates:
//
//	root_signature || N (4 bytes BE) || i (4 bytes BE) || sibling_path_i
func SignBatch(messages [][]byte, signer Signer) (*Batch, error) {
	n := len(messages)
	if n == 0 {
		return nil, fmt.Errorf("sig: SignBatch requires at least one message")
	}

	leaves := make([][HashLen]byte, n)
	for i, m := range messages {
		leaves[i] = hash(m)
	}
	tr := buildTree(leaves)
	root := tr.root()
	rootSig := signer.Sign(root[:])

	sigs := make([][]byte, n)
	for i := range messages {
		path := tr.siblingPath(i)
		buf := make([]byte, 0, len(rootSig)+8+len(path)*HashLen)
		buf = append(buf, rootSig...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(n))
		buf = binary.BigEndian.AppendUint32(buf, uint32(i))
		for _, h := range path {
			buf = append(buf, h[:]...)
		}
		sigs[i] = buf
	}

	return &Batch{Root: root, RootSig: rootSig, Signatures: sigs}, nil
}

// rootSigLen returns the length of the asymmetric root signature encoded
// in sig, given that the remainder is 8 header bytes plus a whole number
// of HashLen-sized sibling hashes, working backward from the sibling-path
// length implied by N. Verify does not call it: it splits the blob using
// ed25519.SignatureSize, and VerifyWithRootSigLen takes the length from
// its caller.
func rootSigLen(sigLen, numSiblings int) int {
	return sigLen - 8 - numSiblings*HashLen
}

// Verify checks sig as a batched signature for message, per spec.md
// §4.3/§8: it reconstructs the root hash from message, the claimed index
// i, batch size N, and the embedded sibling path, then asks verifier to
// check the embedded root signature against that reconstructed root.
//
// Returns Invalid if sig is malformed (too short, N == 0, i >= N, or a
// sibling path whose length does not match N), Tampered if it parses but
// the root signature check fails against the reconstructed root (i.e.
// message or its position was altered after signing, or the signature
// belongs to another batch), Valid otherwise.
func Verify(sig []byte, message []byte, verifier Verifier) Verdict {
	if len(sig) < 8 {
		return Invalid
	}
	// Sibling path length is a multiple of HashLen; walk candidate N's
	// encoded in the trailer to find where the header starts, since we
	// don't know the asymmetric signature's length a priori. We instead
	// require callers use a Verifier whose scheme has a fixed signature
	// length; for the ed25519 default that's ed25519.SignatureSize.
	return verifyWithHeaderLen(sig, message, verifier, ed25519.SignatureSize)
}

// VerifyWithRootSigLen is Verify but for Verifier implementations whose
// root signature length is not ed25519.SignatureSize.
func VerifyWithRootSigLen(sig []byte, message []byte, verifier Verifier, rootSigLenBytes int) Verdict {
	return verifyWithHeaderLen(sig, message, verifier, rootSigLenBytes)
}

func verifyWithHeaderLen(sig, message []byte, verifier Verifier, rootLen int) Verdict {
	if len(sig) < rootLen+8 {
		return Invalid
	}
	rootSig := sig[:rootLen]
	n := binary.BigEndian.Uint32(sig[rootLen : rootLen+4])
	i := binary.BigEndian.Uint32(sig[rootLen+4 : rootLen+8])
	rest := sig[rootLen+8:]

	if n == 0 || i >= n {
		return Invalid
	}
	if len(rest)%HashLen != 0 {
		return Invalid
	}
	numSiblings := len(rest) / HashLen
	expectedDepth := 0
	for (1 << expectedDepth) < int(n) {
		expectedDepth++
	}
	if numSiblings != expectedDepth {
		return Invalid
	}

	siblings := make([][HashLen]byte, numSiblings)
	for s := 0; s < numSiblings; s++ {
		copy(siblings[s][:], rest[s*HashLen:(s+1)*HashLen])
	}

	leaf := hash(message)
	root := reconstructRoot(leaf, int(i), siblings)

	if !verifier.Verify(root[:], rootSig) {
		// The signature blob is well-formed (right lengths, plausible
		// N/i/path shape) but the reconstructed root does not match what
		// was signed: either a different message was substituted for
		// M_i, or the signature belongs to a different batch entirely.
		return Tampered
	}
	return Valid
}

// reconstructRoot recomputes the Merkle root from a leaf hash, its index,
// and its sibling path, by walking up the tree exactly as siblingPath
// walked down it.
func reconstructRoot(leaf [HashLen]byte, index int, siblings [][HashLen]byte) [HashLen]byte {
	leafBase := (1 << len(siblings)) - 1
	idx := leafBase + index
	cur := leaf
	for _, sib := range siblings {
		if idx%2 == 0 {
			cur = hashCat(sib, cur)
		} else {
			cur = hashCat(cur, sib)
		}
		idx = (idx - 1) / 2
	}
	return cur
}

var _ = rootSigLen // retained for documentation purposes / future variable-length schemes
