// Package cache provides the weighted LRU used to keep decoded blocks
// resident between viewer requests.
//
// Weight is caller defined. The volatile source weighs a block by its element
// count, so MaxWeight bounds memory independently of block shape:
//
//	blocks := cache.NewLRU[BlockKey, []uint16](cache.Config{MaxWeight: 256 << 20},
//		func(b []uint16) int64 { return int64(len(b)) })
//
// Eviction always takes the least recently used entry. Get and Put are safe
// for concurrent use.
package cache
