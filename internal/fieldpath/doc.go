// Package fieldpath parses, canonicalizes and interns field paths.
//
// A Path is an ordered list of segments addressing a location in a state
// tree. Concrete paths carry numeric index segments ("items.3.sku");
// canonical paths fold every index into the list marker ("items[].sku").
//
// The Registry assigns each canonical path a dense ID on first sight. IDs are
// stable within one compiled program generation. A Registry is written only
// by the compiler and frozen afterwards, so it can be shared read-only by
// every engine instance of the same module.
package fieldpath
