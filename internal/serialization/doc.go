// Package serialization reads and writes the on-disk tensor containers used
// by born-lora.
//
// Three containers are supported:
//
//   - SafeTensors: the portable format for correction bundles. An 8-byte
//     little-endian header length, a JSON header mapping tensor names to
//     dtype/shape/offsets plus a "__metadata__" string map, then raw
//     little-endian tensor data.
//   - .born: a checksummed container for full model state dicts.
//   - Tensor lists: an ordered msgpack-encoded list of tensors with no
//     names or metadata, kept for reading older correction files.
//
// The .born format:
//
//	Format Structure (v2):
//	  [4 bytes: Magic "BORN"]
//	  [4 bytes: Version (uint32 LE)]
//	  [4 bytes: Flags (uint32 LE)]
//	  [4 bytes: Reserved]
//	  [8 bytes: Header Size (uint64 LE)]
//	  [8 bytes: Data Size (uint64 LE)]
//	  [32 bytes: SHA-256 of the data section]
//	  [Header: JSON metadata]
//	  [Tensor data: raw bytes, 64-byte aligned]
//
// Version 1 files (no checksum, 20-byte fixed prefix) remain readable.
//
// Example usage:
//
//	state := graph.StateDict(root)
//	if err := serialization.SaveBorn("model.born", state, "UNet", nil); err != nil {
//	    log.Fatal(err)
//	}
//
//	ckpt, err := serialization.LoadBorn("model.born", serialization.ReaderOptions{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	graph.LoadStateDict(root, ckpt.Tensors, true)
package serialization
