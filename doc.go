// Package relic implements a zero-copy archive format built on
// position-independent relative pointers.
//
// Values are laid out in a byte buffer so they can be read directly, without
// a decode pass, by interpreting raw bytes at known positions. A stored
// offset denotes its target relative to its own position, which makes the
// whole buffer relocatable: copying or memory-mapping it somewhere else
// never requires pointer fixup.
//
// The package provides three tightly coupled pieces:
//   - The offset primitive and the two-phase place/resolve write protocol
//     ([Serializer], [Format], [EmplaceOffset]).
//   - An immutable open-addressing hash table with SIMD-width control-byte
//     groups ([Map], [SerializeMapFromIter]).
//   - A validation engine that proves an untrusted buffer is safe to
//     interpret zero-copy before any direct access occurs ([Validator],
//     [ValidateMap]).
//
// Buffers from untrusted sources must be validated before use. [OpenMap]
// validates and returns a view; [UncheckedMap] skips validation and is only
// safe on buffers that were validated earlier or produced by a trusted
// serializer.
package relic
