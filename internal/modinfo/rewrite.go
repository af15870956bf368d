package modinfo

import (
	"fmt"

	"github.com/wippyai/wasm-vm/internal/binary"
)

type section struct {
	payload []byte
	id      byte
}

func readSections(data []byte) ([]section, error) {
	r := binary.NewReader(data)
	if m, err := r.ReadU32LE(); err != nil || m != magic {
		return nil, ErrNotModule
	}
	if _, err := r.ReadU32LE(); err != nil {
		return nil, ErrNotModule
	}

	var sections []section
	for r.Len() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		size, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		payload, err := r.ReadBytes(int(size))
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", id, err)
		}
		sections = append(sections, section{id: id, payload: payload})
	}
	return sections, nil
}

// sectionRank orders known sections the way the binary format requires.
// The data count section sits between element and code.
func sectionRank(id byte) int {
	if id == SectionDataCount {
		return int(SectionElement)*10 + 5
	}
	return int(id) * 10
}

// RenameImportModules re-encodes data with every import module name passed
// through rename along with the import's kind. The input is returned
// unchanged when no name changes.
func RenameImportModules(data []byte, rename func(module string, kind ExternKind) string) ([]byte, error) {
	sections, err := readSections(data)
	if err != nil {
		return nil, err
	}

	out := binary.NewWriter()
	out.WriteBytes(data[:8])
	changed := false
	for _, s := range sections {
		payload := s.payload
		if s.id == SectionImport {
			var n int
			if payload, n, err = renameImports(binary.NewReader(payload), rename); err != nil {
				return nil, fmt.Errorf("import section: %w", err)
			}
			changed = changed || n > 0
		}
		out.WriteSection(s.id, payload)
	}
	if !changed {
		return data, nil
	}
	return out.Bytes(), nil
}

func renameImports(r *binary.Reader, rename func(string, ExternKind) string) ([]byte, int, error) {
	count, err := r.ReadU32()
	if err != nil {
		return nil, 0, err
	}
	w := binary.NewWriter()
	w.WriteU32(count)
	renamed := 0
	for i := uint32(0); i < count; i++ {
		mod, err := r.ReadName()
		if err != nil {
			return nil, 0, err
		}
		start := r.Position()
		kind, _, err := readImportTail(r)
		if err != nil {
			return nil, 0, err
		}
		next := rename(mod, kind)
		if next != mod {
			renamed++
		}
		w.WriteName(next)
		w.WriteBytes(r.Since(start))
	}
	return w.Bytes(), renamed, nil
}

// readImportTail reads an import's name and descriptor, returning the kind
// and the descriptor bytes after the kind.
func readImportTail(r *binary.Reader) (ExternKind, []byte, error) {
	if _, err := r.ReadName(); err != nil {
		return 0, nil, err
	}
	b, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	kind := ExternKind(b)
	start := r.Position()
	switch kind {
	case KindFunc:
		_, err = r.ReadU32()
	case KindTable:
		if _, err = r.ReadByte(); err == nil {
			_, err = readLimits(r)
		}
	case KindMemory:
		_, err = readLimits(r)
	case KindGlobal:
		err = r.Skip(2)
	case KindTag:
		if err = r.Skip(1); err == nil {
			_, err = r.ReadU32()
		}
	default:
		err = fmt.Errorf("unknown import kind %#x", b)
	}
	if err != nil {
		return 0, nil, err
	}
	return kind, r.Since(start), nil
}

// LocalizeImports turns every table and memory import into a definition of
// the same type, so each instance owns them. Converted definitions come
// first in their index space, where the imports were, so no index in the
// module changes. The input is returned unchanged when there is nothing to
// convert.
func LocalizeImports(data []byte) ([]byte, error) {
	sections, err := readSections(data)
	if err != nil {
		return nil, err
	}

	defs := map[byte][][]byte{}
	for i, s := range sections {
		if s.id != SectionImport {
			continue
		}
		payload, tables, memories, err := splitImports(binary.NewReader(s.payload))
		if err != nil {
			return nil, fmt.Errorf("import section: %w", err)
		}
		sections[i].payload = payload
		defs[SectionTable] = tables
		defs[SectionMemory] = memories
	}
	if len(defs[SectionTable]) == 0 && len(defs[SectionMemory]) == 0 {
		return data, nil
	}

	out := binary.NewWriter()
	out.WriteBytes(data[:8])
	pending := []byte{SectionTable, SectionMemory}
	flush := func(before int) {
		for len(pending) > 0 && sectionRank(pending[0]) < before {
			if d := defs[pending[0]]; len(d) > 0 {
				out.WriteSection(pending[0], prependEntries(d, nil))
			}
			pending = pending[1:]
		}
	}

	for _, s := range sections {
		if s.id == SectionCustom {
			out.WriteSection(s.id, s.payload)
			continue
		}
		flush(sectionRank(s.id))
		payload := s.payload
		if len(pending) > 0 && s.id == pending[0] {
			if d := defs[s.id]; len(d) > 0 {
				payload = prependEntries(d, s.payload)
			}
			pending = pending[1:]
		}
		out.WriteSection(s.id, payload)
	}
	flush(int(^uint(0) >> 1))
	return out.Bytes(), nil
}

// splitImports drops table and memory imports, returning their type
// encodings in declaration order.
func splitImports(r *binary.Reader) (payload []byte, tables, memories [][]byte, err error) {
	count, err := r.ReadU32()
	if err != nil {
		return nil, nil, nil, err
	}
	kept := binary.NewWriter()
	var n uint32
	for i := uint32(0); i < count; i++ {
		start := r.Position()
		if _, err := r.ReadName(); err != nil {
			return nil, nil, nil, err
		}
		kind, desc, err := readImportTail(r)
		if err != nil {
			return nil, nil, nil, err
		}
		switch kind {
		case KindTable:
			tables = append(tables, desc)
		case KindMemory:
			memories = append(memories, desc)
		default:
			kept.WriteBytes(r.Since(start))
			n++
		}
	}

	w := binary.NewWriter()
	w.WriteU32(n)
	w.WriteBytes(kept.Bytes())
	return w.Bytes(), tables, memories, nil
}

// prependEntries builds a vector section payload from defs followed by the
// entries of existing, which may be nil.
func prependEntries(defs [][]byte, existing []byte) []byte {
	var count uint32
	var rest []byte
	if existing != nil {
		r := binary.NewReader(existing)
		c, err := r.ReadU32()
		if err == nil {
			count = c
			rest = existing[r.Position():]
		}
	}

	w := binary.NewWriter()
	w.WriteU32(uint32(len(defs)) + count)
	for _, d := range defs {
		w.WriteBytes(d)
	}
	w.WriteBytes(rest)
	return w.Bytes()
}
