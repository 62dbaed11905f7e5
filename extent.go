package objfs

import (
	"sort"
)

// An extent maps a contiguous run of file bytes onto a contiguous region
// of one object's data section.
type extent struct {
	Objnum uint32
	Offset uint32 // within the object's data section (bytes)
	Len    uint32 // bytes
}

type extentEnt struct {
	Base int64 // file offset
	extent
}

// extentMap is a sparse file-offset ordered map of non overlapping
// extents. For any two entries a < b: a.Base + a.Len <= b.Base.
type extentMap struct {
	ents []extentEnt
}

func (m *extentMap) size() int {
	return len(m.ents)
}

// lookup returns the index of the entry covering offset if one exists,
// otherwise the index of the lowest entry with Base > offset, otherwise
// len(m.ents).
func (m *extentMap) lookup(offset int64) int {
	i := sort.Search(len(m.ents), func(i int) bool { return m.ents[i].Base > offset })
	if i > 0 {
		prev := &m.ents[i-1]
		if offset < prev.Base+int64(prev.Len) {
			return i - 1
		}
	}
	return i
}

func (m *extentMap) insertAt(i int, ent extentEnt) {
	m.ents = append(m.ents, extentEnt{})
	copy(m.ents[i+1:], m.ents[i:])
	m.ents[i] = ent
}

func (m *extentMap) eraseAt(i, j int) {
	m.ents = append(m.ents[:i], m.ents[j:]...)
}

// erase deletes the entry starting exactly at offset, if any.
func (m *extentMap) erase(offset int64) {
	i := sort.Search(len(m.ents), func(i int) bool { return m.ents[i].Base >= offset })
	if i < len(m.ents) && m.ents[i].Base == offset {
		m.eraseAt(i, i+1)
	}
}

// update installs e at file offset, overwriting whatever was previously
// mapped in [offset, offset+e.Len).
func (m *extentMap) update(offset int64, e extent) {
	if len(m.ents) == 0 {
		m.ents = append(m.ents, extentEnt{Base: offset, extent: e})
		return
	}

	// A write that continues the previous one lands right after the last
	// extent and right after its object bytes; extend in place.
	last := &m.ents[len(m.ents)-1]
	if last.Base+int64(last.Len) == offset &&
		last.Objnum == e.Objnum &&
		last.Offset+last.Len == e.Offset {
		last.Len += e.Len
		return
	}

	end := offset + int64(e.Len)
	i := sort.Search(len(m.ents), func(i int) bool { return m.ents[i].Base >= offset })

	// Drop entries fully inside [offset, end).
	j := i
	for j < len(m.ents) && m.ents[j].Base < end && m.ents[j].Base+int64(m.ents[j].Len) <= end {
		j++
	}
	if j > i {
		m.eraseAt(i, j)
	}

	// Right-hand overlap: trim the front of the first surviving entry.
	if i < len(m.ents) && m.ents[i].Base < end {
		ent := &m.ents[i]
		d := uint32(end - ent.Base)
		ent.Base = end
		ent.Offset += d
		ent.Len -= d
	}

	if i > 0 {
		prev := &m.ents[i-1]
		prevEnd := prev.Base + int64(prev.Len)
		if prev.Base < offset && prevEnd > end {
			// Bisect: shrink the left piece, keep a trailing fragment.
			d := uint32(end - prev.Base)
			frag := extentEnt{
				Base: end,
				extent: extent{
					Objnum: prev.Objnum,
					Offset: prev.Offset + d,
					Len:    prev.Len - d,
				},
			}
			prev.Len = uint32(offset - prev.Base)
			m.insertAt(i, frag)
		} else if prev.Base < offset && prevEnd > offset {
			prev.Len = uint32(offset - prev.Base)
		}
	}

	m.insertAt(i, extentEnt{Base: offset, extent: e})
}

// truncate removes every mapped byte at or beyond newSize.
func (m *extentMap) truncate(newSize int64) {
	for {
		i := m.lookup(newSize)
		if i == len(m.ents) {
			return
		}
		ent := &m.ents[i]
		if ent.Base < newSize {
			ent.Len = uint32(newSize - ent.Base)
		} else {
			m.eraseAt(i, i+1)
		}
	}
}
