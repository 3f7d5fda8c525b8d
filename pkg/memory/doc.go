// Package memory indexes a tree of markdown notes and answers hybrid
// (lexical + vector) recall queries over it.
//
// Invariants:
// - Everything stored except FileRecord rows is derived from the markdown tree
//   and may be wiped and rebuilt.
// - Chunks of a file are replaced wholesale when its content hash changes and
//   the FileRecord is written last.
// - The vector index only ever holds vectors of one dimensionality.
// - Recall degrades to lexical-only results rather than failing.
//
// Usage:
//
//	eng, _ := memory.Open(ctx, memory.EngineConfig{Root: "/notes", DBPath: "/data/index.db", Registry: reg})
//	defer eng.Close()
//	_ = eng.Start(ctx)
//	res, _ := eng.Recall(ctx, "loyal dogs", memory.RecallOptions{})
//	_ = res
package memory
