// Package stl reads and writes triangle meshes in the STL format and
// converts them to and from surface meshes.
package stl

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"volmask/pkg/surface"
)

// WeldTolerance is the distance below which STL vertices are merged when
// building a surface mesh.
const WeldTolerance = 1e-5

const (
	headerSize   = 80
	triangleSize = 50
)

// ErrMalformed is returned for files that are neither valid binary nor
// valid ASCII STL.
var ErrMalformed = errors.New("malformed STL data")

// Triangle represents a single triangle in the STL file
type Triangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
}

// SaveToSTL writes triangles to filename as binary STL.
func SaveToSTL(filename string, triangles []Triangle) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("error creating STL file: %w", err)
	}
	if err := Write(f, triangles); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Write encodes triangles as binary STL.
func Write(w io.Writer, triangles []Triangle) error {
	bw := bufio.NewWriter(w)

	header := make([]byte, headerSize)
	copy(header, "binary STL written by volmask")
	if _, err := bw.Write(header); err != nil {
		return fmt.Errorf("error writing STL header: %w", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(triangles))); err != nil {
		return fmt.Errorf("error writing triangle count: %w", err)
	}

	buf := make([]byte, triangleSize)
	for _, t := range triangles {
		off := 0
		for _, v := range [4][3]float32{t.Normal, t.Vertex1, t.Vertex2, t.Vertex3} {
			for _, c := range v {
				binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(c))
				off += 4
			}
		}
		// attribute byte count stays zero
		if _, err := bw.Write(buf); err != nil {
			return fmt.Errorf("error writing triangle: %w", err)
		}
	}
	return bw.Flush()
}

// Load reads a binary or ASCII STL file.
func Load(filename string) ([]Triangle, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("error opening STL file: %w", err)
	}
	defer f.Close()

	tris, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return tris, nil
}

// Read decodes binary or ASCII STL from r. Data whose length matches the
// triangle count in a binary header is decoded as binary even when it starts
// with "solid", as many exporters write such headers.
func Read(r io.Reader) ([]Triangle, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) >= headerSize+4 {
		n := binary.LittleEndian.Uint32(data[headerSize:])
		if uint64(len(data)) == headerSize+4+uint64(n)*triangleSize {
			return decodeBinary(data[headerSize+4:], int(n)), nil
		}
	}
	if bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("solid")) {
		return decodeASCII(data)
	}
	return nil, fmt.Errorf("%d bytes, no ASCII header and no matching binary size: %w", len(data), ErrMalformed)
}

func decodeBinary(data []byte, n int) []Triangle {
	tris := make([]Triangle, n)
	for i := range tris {
		rec := data[i*triangleSize:]
		vecs := [4]*[3]float32{&tris[i].Normal, &tris[i].Vertex1, &tris[i].Vertex2, &tris[i].Vertex3}
		for v, dst := range vecs {
			for c := 0; c < 3; c++ {
				dst[c] = math.Float32frombits(binary.LittleEndian.Uint32(rec[(v*3+c)*4:]))
			}
		}
	}
	return tris
}

func decodeASCII(data []byte) ([]Triangle, error) {
	var (
		tris    []Triangle
		cur     Triangle
		nVertex int
		inFacet bool
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "facet":
			if inFacet {
				return nil, fmt.Errorf("line %d: nested facet: %w", line, ErrMalformed)
			}
			cur, nVertex, inFacet = Triangle{}, 0, true
			if len(fields) == 5 && fields[1] == "normal" {
				n, err := parseVec(fields[2:])
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", line, err)
				}
				cur.Normal = n
			}
		case "vertex":
			if !inFacet || nVertex == 3 || len(fields) != 4 {
				return nil, fmt.Errorf("line %d: unexpected vertex: %w", line, ErrMalformed)
			}
			v, err := parseVec(fields[1:])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			switch nVertex {
			case 0:
				cur.Vertex1 = v
			case 1:
				cur.Vertex2 = v
			case 2:
				cur.Vertex3 = v
			}
			nVertex++
		case "endfacet":
			if !inFacet || nVertex != 3 {
				return nil, fmt.Errorf("line %d: facet with %d vertices: %w", line, nVertex, ErrMalformed)
			}
			tris = append(tris, cur)
			inFacet = false
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if inFacet {
		return nil, fmt.Errorf("unterminated facet: %w", ErrMalformed)
	}
	return tris, nil
}

func parseVec(fields []string) ([3]float32, error) {
	var v [3]float32
	for c, s := range fields[:3] {
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return v, fmt.Errorf("bad coordinate %q: %w", s, ErrMalformed)
		}
		v[c] = float32(f)
	}
	return v, nil
}

// ToMesh welds the triangles into an indexed surface mesh. Facet normals
// are ignored; orientation follows the vertex order.
func ToMesh(triangles []Triangle) *surface.Mesh {
	tris := make([][3]r3.Vec, len(triangles))
	for i, t := range triangles {
		tris[i] = [3]r3.Vec{toVec(t.Vertex1), toVec(t.Vertex2), toVec(t.Vertex3)}
	}
	return surface.FromTriangles(tris, WeldTolerance)
}

// FromMesh flattens m into triangles with unit facet normals. The mesh
// vertices are written as stored; ToWorld is not applied.
func FromMesh(m *surface.Mesh) []Triangle {
	tris := make([]Triangle, 0, m.NumFaces())
	for f := range m.Faces {
		p := m.Triangle(f)
		n := r3.Cross(r3.Sub(p[1], p[0]), r3.Sub(p[2], p[0]))
		if l := r3.Norm(n); l > 0 {
			n = r3.Scale(1/l, n)
		}
		tris = append(tris, Triangle{
			Normal:  toArray(n),
			Vertex1: toArray(p[0]),
			Vertex2: toArray(p[1]),
			Vertex3: toArray(p[2]),
		})
	}
	return tris
}

// LoadMesh reads filename and welds it into a surface mesh.
func LoadMesh(filename string) (*surface.Mesh, error) {
	tris, err := Load(filename)
	if err != nil {
		return nil, err
	}
	return ToMesh(tris), nil
}

func toVec(a [3]float32) r3.Vec {
	return r3.Vec{X: float64(a[0]), Y: float64(a[1]), Z: float64(a[2])}
}

func toArray(v r3.Vec) [3]float32 {
	return [3]float32{float32(v.X), float32(v.Y), float32(v.Z)}
}
