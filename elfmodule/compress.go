// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

package elfmodule // import "github.com/coreinspect/dwarfcore/elfmodule"

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/coreinspect/dwarfcore/internal/log"
)

// sectionBytes reads the raw bytes of s directly from the file image and
// expands them if compressed. Reading raw keeps relocations unapplied,
// which is what DWARF consumers of linked objects want.
func sectionBytes(ef *elf.File, r io.ReaderAt, s *elf.Section) ([]byte, error) {
	if s.Type == elf.SHT_NOBITS {
		return nil, nil
	}
	if s.FileSize > maxSectionSize {
		return nil, fmt.Errorf("section size %d is too large", s.FileSize)
	}
	raw := make([]byte, s.FileSize)
	if _, err := r.ReadAt(raw, int64(s.Offset)); err != nil {
		return nil, err
	}
	switch {
	case s.Flags&elf.SHF_COMPRESSED != 0:
		return expandCompressed(ef, raw)
	case strings.HasPrefix(s.Name, ".zdebug_"):
		log.Debugf("expanding legacy compressed section %s", s.Name)
		return expandLegacyZlib(raw)
	}
	return raw, nil
}

// expandCompressed expands a SHF_COMPRESSED section. The payload starts
// with an Elf_Chdr in the file's class and byte order.
func expandCompressed(ef *elf.File, raw []byte) ([]byte, error) {
	var typ elf.CompressionType
	var size uint64
	var payload []byte

	order := byteOrder(ef)
	if ef.Class == elf.ELFCLASS32 {
		if len(raw) < 12 {
			return nil, errors.New("truncated compression header")
		}
		typ = elf.CompressionType(order.Uint32(raw[0:4]))
		size = uint64(order.Uint32(raw[4:8]))
		payload = raw[12:]
	} else {
		if len(raw) < 24 {
			return nil, errors.New("truncated compression header")
		}
		typ = elf.CompressionType(order.Uint32(raw[0:4]))
		size = order.Uint64(raw[8:16])
		payload = raw[24:]
	}
	if size > maxSectionSize {
		return nil, fmt.Errorf("decompressed size %d is too large", size)
	}

	switch typ {
	case elf.COMPRESS_ZLIB:
		return expandZlib(payload, size)
	case elf.COMPRESS_ZSTD:
		return expandZstd(payload, size)
	}
	return nil, fmt.Errorf("unsupported compression type %v", typ)
}

// expandLegacyZlib expands a GNU-style .zdebug_ section: the magic
// "ZLIB", a big-endian 64-bit decompressed size, then a zlib stream.
func expandLegacyZlib(raw []byte) ([]byte, error) {
	if len(raw) < 12 || string(raw[:4]) != "ZLIB" {
		return nil, errors.New("missing ZLIB header")
	}
	size := binary.BigEndian.Uint64(raw[4:12])
	if size > maxSectionSize {
		return nil, fmt.Errorf("decompressed size %d is too large", size)
	}
	return expandZlib(raw[12:], size)
}

func expandZlib(payload []byte, size uint64) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	out := make([]byte, size)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, err
	}
	return out, nil
}

func expandZstd(payload []byte, size uint64) ([]byte, error) {
	zr, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	out, err := zr.DecodeAll(payload, make([]byte, 0, size))
	if err != nil {
		return nil, err
	}
	if uint64(len(out)) != size {
		return nil, fmt.Errorf("decompressed %d bytes, header says %d",
			len(out), size)
	}
	return out, nil
}

func byteOrder(ef *elf.File) binary.ByteOrder {
	if ef.Data == elf.ELFDATA2LSB {
		return binary.LittleEndian
	}
	return binary.BigEndian
}
