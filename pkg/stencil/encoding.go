package stencil

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"volmask/pkg/volume"
)

const (
	encodingMagic   = "VMST"
	encodingVersion = 1
)

// ErrCorruptStencil is returned when decoding malformed stencil data.
var ErrCorruptStencil = errors.New("corrupt stencil encoding")

// MarshalBinary encodes the stencil as its extent followed by, per row,
// the run count and each run as (offset from previous end, length).
func (s *Stencil) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 64+len(s.rows))
	buf = append(buf, encodingMagic...)
	buf = append(buf, encodingVersion)
	for _, v := range s.extent {
		buf = binary.AppendVarint(buf, int64(v))
	}
	for _, runs := range s.rows {
		buf = binary.AppendUvarint(buf, uint64(len(runs)))
		prev := s.extent[0]
		for _, r := range runs {
			buf = binary.AppendUvarint(buf, uint64(r.Start-prev))
			buf = binary.AppendUvarint(buf, uint64(r.End-r.Start))
			prev = r.End
		}
	}
	return buf, nil
}

// UnmarshalBinary decodes data produced by MarshalBinary into s.
func (s *Stencil) UnmarshalBinary(data []byte) error {
	if !bytes.HasPrefix(data, []byte(encodingMagic)) || len(data) < len(encodingMagic)+1 {
		return fmt.Errorf("missing header: %w", ErrCorruptStencil)
	}
	if v := data[len(encodingMagic)]; v != encodingVersion {
		return fmt.Errorf("unsupported version %d: %w", v, ErrCorruptStencil)
	}
	r := bytes.NewReader(data[len(encodingMagic)+1:])

	var extent volume.Extent
	for n := range extent {
		v, err := binary.ReadVarint(r)
		if err != nil {
			return fmt.Errorf("extent: %w", ErrCorruptStencil)
		}
		extent[n] = int(v)
	}
	_, ny, nz := extent.Dims()
	if ny > len(data) || nz > len(data) || ny*nz > len(data) {
		// every row costs at least one byte
		return fmt.Errorf("extent %v larger than payload: %w", extent, ErrCorruptStencil)
	}

	nx, _, _ := extent.Dims()
	span := uint64(nx)

	out := New(extent)
	for row := range out.rows {
		count, err := binary.ReadUvarint(r)
		if err != nil || count > uint64(r.Len()) {
			return fmt.Errorf("row %d: %w", row, ErrCorruptStencil)
		}
		if count == 0 {
			continue
		}
		runs := make([]Run, count)
		prev := extent[0]
		for n := range runs {
			gap, err1 := binary.ReadUvarint(r)
			length, err2 := binary.ReadUvarint(r)
			if err1 != nil || err2 != nil || gap > span || length >= span {
				return fmt.Errorf("row %d run %d: %w", row, n, ErrCorruptStencil)
			}
			start := prev + int(gap)
			end := start + int(length)
			if end > extent[1] || (n > 0 && start <= prev) {
				return fmt.Errorf("row %d run %d out of order: %w", row, n, ErrCorruptStencil)
			}
			runs[n] = Run{Start: start, End: end}
			prev = end
		}
		out.rows[row] = runs
	}
	if r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes: %w", r.Len(), ErrCorruptStencil)
	}
	*s = *out
	return nil
}
