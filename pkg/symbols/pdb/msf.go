// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package pdb implements just enough of Microsoft's MSF container format
// and CodeView symbol record encoding to recover public and procedure
// symbol addresses from a PDB file. Type information (struct layouts) is
// out of scope: no Go library for either format exists anywhere in this
// module's dependency set, and the format itself is large enough that a
// from-scratch parser is only justified for the symbol table, which the
// Windows personality's offset resolution actually needs (see DESIGN.md).
package pdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const superblockMagic = "Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00"

// superblock is the MSF file header, found at offset 0 of every PDB 7.0
// file.
type superblock struct {
	BlockSize     uint32
	FreeBlockMap  uint32
	NumBlocks     uint32
	NumDirBytes   uint32
	Unknown       uint32
	BlockMapAddr  uint32
}

// Symbol is one recovered public or procedure symbol: a name and the byte
// offset of its containing segment, flattened to a module-relative RVA by
// the caller once the PE's section headers are available.
type Symbol struct {
	Name    string
	Segment uint16
	Offset  uint32
}

const (
	symPUB32   = 0x110e
	symGPROC32 = 0x1110
	symLPROC32 = 0x1111
)

// ParseSymbols reads data as a PDB 7.0 MSF file and returns every public
// and procedure symbol record found in the symbol record stream.
//
// The MSF format stores a file as fixed-size blocks; a directory (itself
// stored across blocks listed by a "block map") lists, for every stream,
// its size and constituent block numbers. This parser reads just enough of
// that structure to locate the stream holding global symbols (by
// convention computed from the DBI stream header) and walks its symbol
// records directly.
func ParseSymbols(data []byte) ([]Symbol, error) {
	if len(data) < 32 || string(data[:len(superblockMagic)]) != superblockMagic {
		return nil, fmt.Errorf("not a PDB 7.0 file")
	}

	hdr := data[len(superblockMagic):]
	if len(hdr) < 24 {
		return nil, fmt.Errorf("truncated MSF superblock")
	}
	sb := superblock{
		BlockSize:    binary.LittleEndian.Uint32(hdr[0:4]),
		FreeBlockMap: binary.LittleEndian.Uint32(hdr[4:8]),
		NumBlocks:    binary.LittleEndian.Uint32(hdr[8:12]),
		NumDirBytes:  binary.LittleEndian.Uint32(hdr[12:16]),
		Unknown:      binary.LittleEndian.Uint32(hdr[16:20]),
		BlockMapAddr: binary.LittleEndian.Uint32(hdr[20:24]),
	}
	if sb.BlockSize == 0 {
		return nil, fmt.Errorf("zero MSF block size")
	}

	readBlock := func(n uint32) ([]byte, error) {
		start := uint64(n) * uint64(sb.BlockSize)
		if start+uint64(sb.BlockSize) > uint64(len(data)) {
			return nil, fmt.Errorf("block %d out of range", n)
		}
		return data[start : start+uint64(sb.BlockSize)], nil
	}

	streams, err := readStreamDirectory(data, sb, readBlock)
	if err != nil {
		return nil, err
	}

	// Stream 3 is the DBI stream by MSF convention; its header's
	// SymRecordStream field (a uint16 at offset 0x14 within the DBI header,
	// after the signature, version, age and four other uint16 fields) names the
	// stream holding the global symbol table. Streams with no data at all
	// (size 0) leave the PDB symbol-less, which is valid and simply yields
	// no results here.
	const dbiStreamIndex = 3
	if dbiStreamIndex >= len(streams) || len(streams[dbiStreamIndex]) < 22 {
		return nil, nil
	}
	dbi := streams[dbiStreamIndex]
	symRecordStream := int16(binary.LittleEndian.Uint16(dbi[20:22]))
	if symRecordStream < 0 || int(symRecordStream) >= len(streams) {
		return nil, nil
	}

	return parseSymbolRecords(streams[symRecordStream]), nil
}

// readStreamDirectory decodes the MSF stream directory: the list of
// (size, block numbers) for every stream in the file.
func readStreamDirectory(data []byte, sb superblock, readBlock func(uint32) ([]byte, error)) ([][]byte, error) {
	numDirBlocks := (sb.NumDirBytes + sb.BlockSize - 1) / sb.BlockSize

	mapBlock, err := readBlock(sb.BlockMapAddr)
	if err != nil {
		return nil, err
	}
	if uint64(numDirBlocks)*4 > uint64(len(mapBlock)) {
		return nil, fmt.Errorf("block map too small for directory")
	}

	var dir bytes.Buffer
	for i := uint32(0); i < numDirBlocks; i++ {
		blockNum := binary.LittleEndian.Uint32(mapBlock[i*4 : i*4+4])
		b, err := readBlock(blockNum)
		if err != nil {
			return nil, err
		}
		dir.Write(b)
	}

	dirBytes := dir.Bytes()
	if len(dirBytes) < 4 {
		return nil, fmt.Errorf("empty stream directory")
	}
	numStreams := binary.LittleEndian.Uint32(dirBytes[0:4])
	pos := 4

	sizes := make([]uint32, numStreams)
	for i := range sizes {
		if pos+4 > len(dirBytes) {
			return nil, fmt.Errorf("truncated stream size table")
		}
		sizes[i] = binary.LittleEndian.Uint32(dirBytes[pos : pos+4])
		pos += 4
	}

	streams := make([][]byte, numStreams)
	for i, size := range sizes {
		if size == 0 || size == 0xffffffff {
			streams[i] = nil
			continue
		}
		numBlocks := (size + sb.BlockSize - 1) / sb.BlockSize
		var buf bytes.Buffer
		for b := uint32(0); b < numBlocks; b++ {
			if pos+4 > len(dirBytes) {
				return nil, fmt.Errorf("truncated block number table for stream %d", i)
			}
			blockNum := binary.LittleEndian.Uint32(dirBytes[pos : pos+4])
			pos += 4
			block, err := readBlock(blockNum)
			if err != nil {
				return nil, err
			}
			buf.Write(block)
		}
		streams[i] = buf.Bytes()[:size]
	}

	return streams, nil
}

// parseSymbolRecords walks a CodeView symbol substream: a sequence of
// records, each a 2-byte length (excluding the length field itself), a
// 2-byte kind, and kind-specific data. Only S_PUB32 and S_GPROC32/S_LPROC32
// records are decoded; everything else is skipped via the length prefix.
func parseSymbolRecords(data []byte) []Symbol {
	var out []Symbol
	pos := 0
	for pos+4 <= len(data) {
		length := int(binary.LittleEndian.Uint16(data[pos : pos+2]))
		if length < 2 || pos+2+length > len(data) {
			break
		}
		kind := binary.LittleEndian.Uint16(data[pos+2 : pos+4])
		body := data[pos+4 : pos+2+length]

		switch kind {
		case symPUB32:
			if sym, ok := parsePub32(body); ok {
				out = append(out, sym)
			}
		case symGPROC32, symLPROC32:
			if sym, ok := parseProc32(body); ok {
				out = append(out, sym)
			}
		}

		pos += 2 + length
	}
	return out
}

// S_PUB32: flags(4) + offset(4) + segment(2) + name(NUL-terminated or
// length-prefixed depending on record version; PDB 7.0 uses NUL-terminated).
func parsePub32(body []byte) (Symbol, bool) {
	if len(body) < 11 {
		return Symbol{}, false
	}
	offset := binary.LittleEndian.Uint32(body[4:8])
	segment := binary.LittleEndian.Uint16(body[8:10])
	name := cString(body[10:])
	if name == "" {
		return Symbol{}, false
	}
	return Symbol{Name: name, Segment: segment, Offset: offset}, true
}

// S_GPROC32/S_LPROC32: a larger fixed header (pointer to parent/end/next,
// proc length, debug start/end, type index, offset, segment, flags) then
// the name. The fixed portion is 35 bytes: seven 4-byte fields, then the
// offset at 28, the segment at 32 and the flags byte at 34.
func parseProc32(body []byte) (Symbol, bool) {
	const fixedLen = 35
	if len(body) < fixedLen+1 {
		return Symbol{}, false
	}
	offset := binary.LittleEndian.Uint32(body[28:32])
	segment := binary.LittleEndian.Uint16(body[32:34])
	name := cString(body[fixedLen:])
	if name == "" {
		return Symbol{}, false
	}
	return Symbol{Name: name, Segment: segment, Offset: offset}, true
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
