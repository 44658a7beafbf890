package pointcloud

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrUnsupportedFormat is returned for file extensions with no decoder.
var ErrUnsupportedFormat = errors.New("unsupported point cloud format")

// maxLineBytes bounds a single text line in any of the text formats.
const maxLineBytes = 1 << 20

// SupportedExtension reports whether a file name has a decodable extension.
func SupportedExtension(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pcd", ".xyz", ".txt", ".csv", ".pts", ".json":
		return true
	}
	return false
}

// Decode reads a cloud from r, picking the format from the extension of name.
func Decode(name string, r io.Reader) (PointCloud, error) {
	var (
		c   PointCloud
		err error
	)
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".pcd":
		c, err = DecodePCD(r)
	case ".xyz", ".txt", ".csv", ".pts":
		c, err = DecodeXYZ(r)
	case ".json":
		err = json.NewDecoder(r).Decode(&c)
	default:
		return PointCloud{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return PointCloud{}, fmt.Errorf("decode %s: %w", name, err)
	}
	if err := c.Validate(); err != nil {
		return PointCloud{}, fmt.Errorf("decode %s: %w", name, err)
	}
	return c, nil
}

// DecodePCD parses an ASCII PCD file. Only the x, y and z fields are kept.
func DecodePCD(r io.Reader) (PointCloud, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	fields := map[string]int{}
	declared := -1
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		parts := strings.Fields(text)
		switch strings.ToUpper(parts[0]) {
		case "FIELDS":
			for i, f := range parts[1:] {
				fields[strings.ToLower(f)] = i
			}
		case "POINTS":
			if len(parts) < 2 {
				return PointCloud{}, fmt.Errorf("line %d: POINTS without a count", line)
			}
			n, err := strconv.Atoi(parts[1])
			if err != nil || n < 0 {
				return PointCloud{}, fmt.Errorf("line %d: invalid POINTS %q", line, parts[1])
			}
			declared = n
		case "DATA":
			if len(parts) < 2 || strings.ToLower(parts[1]) != "ascii" {
				return PointCloud{}, fmt.Errorf("line %d: only ascii PCD data is supported", line)
			}
			return decodePCDBody(sc, fields, declared, line)
		}
	}
	if err := sc.Err(); err != nil {
		return PointCloud{}, err
	}
	return PointCloud{}, errors.New("missing DATA line in PCD header")
}

func decodePCDBody(sc *bufio.Scanner, fields map[string]int, declared, line int) (PointCloud, error) {
	xi, okx := fields["x"]
	yi, oky := fields["y"]
	zi, okz := fields["z"]
	if !okx || !oky || !okz {
		return PointCloud{}, errors.New("PCD FIELDS must include x, y and z")
	}
	need := max(xi, yi, zi) + 1

	pts := make([]Point, 0, max(declared, 0))
	for sc.Scan() {
		line++
		parts := strings.Fields(sc.Text())
		if len(parts) == 0 {
			continue
		}
		if len(parts) < need {
			return PointCloud{}, fmt.Errorf("line %d: expected %d values, got %d", line, need, len(parts))
		}
		p, err := parsePoint(parts[xi], parts[yi], parts[zi])
		if err != nil {
			return PointCloud{}, fmt.Errorf("line %d: %w", line, err)
		}
		pts = append(pts, p)
	}
	if err := sc.Err(); err != nil {
		return PointCloud{}, err
	}
	if declared >= 0 && declared != len(pts) {
		return PointCloud{}, fmt.Errorf("PCD declares %d points, found %d", declared, len(pts))
	}
	return New(pts), nil
}

// DecodeXYZ parses one point per line using the first three numeric columns.
// Columns may be separated by whitespace, commas or semicolons. A first
// line that does not parse is treated as a header.
func DecodeXYZ(r io.Reader) (PointCloud, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	split := func(c rune) bool {
		return c == ',' || c == ';' || c == ' ' || c == '\t'
	}

	var pts []Point
	line := 0
	header := false
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") || strings.HasPrefix(text, "//") {
			continue
		}
		parts := strings.FieldsFunc(text, split)
		if len(parts) < 3 && (len(pts) > 0 || header) {
			return PointCloud{}, fmt.Errorf("line %d: expected at least 3 columns, got %d", line, len(parts))
		}
		if len(parts) < 3 {
			header = true
			continue
		}
		p, err := parsePoint(parts[0], parts[1], parts[2])
		if err != nil {
			if len(pts) == 0 && !header {
				header = true
				continue
			}
			return PointCloud{}, fmt.Errorf("line %d: %w", line, err)
		}
		pts = append(pts, p)
	}
	if err := sc.Err(); err != nil {
		return PointCloud{}, err
	}
	return New(pts), nil
}

func parsePoint(xs, ys, zs string) (Point, error) {
	x, err := strconv.ParseFloat(xs, 64)
	if err != nil {
		return Point{}, fmt.Errorf("parse x %q: %w", xs, err)
	}
	y, err := strconv.ParseFloat(ys, 64)
	if err != nil {
		return Point{}, fmt.Errorf("parse y %q: %w", ys, err)
	}
	z, err := strconv.ParseFloat(zs, 64)
	if err != nil {
		return Point{}, fmt.Errorf("parse z %q: %w", zs, err)
	}
	return Point{X: x, Y: y, Z: z}, nil
}

// EncodePCD writes c as an ASCII PCD v0.7 file.
func EncodePCD(w io.Writer, c PointCloud) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# .PCD v0.7 - Point Cloud Data file format\n")
	fmt.Fprintf(bw, "VERSION 0.7\nFIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nCOUNT 1 1 1\n")
	fmt.Fprintf(bw, "WIDTH %d\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\n", len(c.Points))
	fmt.Fprintf(bw, "POINTS %d\nDATA ascii\n", len(c.Points))
	for _, p := range c.Points {
		bw.WriteString(strconv.FormatFloat(p.X, 'g', -1, 64))
		bw.WriteByte(' ')
		bw.WriteString(strconv.FormatFloat(p.Y, 'g', -1, 64))
		bw.WriteByte(' ')
		bw.WriteString(strconv.FormatFloat(p.Z, 'g', -1, 64))
		bw.WriteByte('\n')
	}
	return bw.Flush()
}
