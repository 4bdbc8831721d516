// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package deflate

import "github.com/mxmlnkn/rapidgzip/internal/huffman"

// WindowSize is the fixed DEFLATE sliding-window size (RFC 1951's
// maximum 32 KiB back-reference distance).
const WindowSize = 32768

// precodeOrder is the fixed order in which HCLEN precode code lengths
// are transmitted (RFC 1951 §3.2.7).
var precodeOrder = [19]int{16, 17, 18, 0, 8, 7, 9, 6, 10, 5, 11, 4, 12, 3, 13, 2, 14, 1, 15}

// lengthBase/lengthExtra: symbols 257-285 decode a length 3-258.
var lengthBase = [29]int{3, 4, 5, 6, 7, 8, 9, 10, 11, 13, 15, 17, 19, 23, 27, 31, 35, 43, 51, 59, 67, 83, 99, 115, 131, 163, 195, 227, 258}
var lengthExtra = [29]int{0, 0, 0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4, 5, 5, 5, 5, 0}

// distBase/distExtra: symbols 0-29 decode a distance 1-32768.
var distBase = [30]int{1, 2, 3, 4, 5, 7, 9, 13, 17, 25, 33, 49, 65, 97, 129, 193, 257, 385, 513, 769, 1025, 1537, 2049, 3073, 4097, 6145, 8193, 12289, 16385, 24577}
var distExtra = [30]int{0, 0, 0, 0, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5, 6, 6, 7, 7, 8, 8, 9, 9, 10, 10, 11, 11, 12, 12, 13, 13}

var fixedLiteralTable *huffman.Table
var fixedDistanceTable *huffman.Table

func init() {
	lengths := make([]int, 288)
	for i := 0; i < 144; i++ {
		lengths[i] = 8
	}
	for i := 144; i < 256; i++ {
		lengths[i] = 9
	}
	for i := 256; i < 280; i++ {
		lengths[i] = 7
	}
	for i := 280; i < 288; i++ {
		lengths[i] = 8
	}
	var err error
	fixedLiteralTable, err = huffman.Build(lengths, huffman.MaxCodeLength)
	if err != nil {
		panic("deflate: fixed literal table is malformed: " + err.Error())
	}

	dlengths := make([]int, 30)
	for i := range dlengths {
		dlengths[i] = 5
	}
	fixedDistanceTable, err = huffman.Build(dlengths, huffman.MaxCodeLength)
	if err != nil {
		panic("deflate: fixed distance table is malformed: " + err.Error())
	}
}
