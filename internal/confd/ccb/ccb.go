// Package ccb parses and validates the CCB (category-control-block)
// file: the table that maps category bit numbers to their required
// handling, gating whether downstream features like DomainTagging are
// even allowed to run.
package ccb

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Record is one `keyword:bitnumber:handling:masked` line.
type Record struct {
	Keyword  string
	Bit      int
	Handling string
	Masked   bool
}

// File is a fully parsed CCB file, records sorted ascending by bit.
type File struct {
	Version int
	Records []Record
}

// BaselineBits is the fixed set of category bit numbers every CCB
// file must define, regardless of deployment. Scenario A in the
// testable-properties section exercises this against bit 1 alone
// being present: the load must fail because none of these are.
func BaselineBits() []int {
	bits := []int{}
	for b := 64; b <= 74; b++ {
		bits = append(bits, b)
	}
	bits = append(bits, 85, 108, 110, 148, 151, 152)
	sort.Ints(bits)
	return bits
}

// BaselineHandling is the handling value every baseline bit is
// required to carry. The file format allows arbitrary handling
// strings per bit; the baseline entries are exactly those that gate
// DomainTagging, so "domaintagging" is the one handling value a
// reimplementation can hold every baseline bit to.
const BaselineHandling = "domaintagging"

// Parse reads a CCB file's lines (already split, newline-free): the
// "ccb <version>" header, "count N", then N colon-separated records.
// Duplicate bit numbers and records out of ascending-bit order are
// rejected.
func Parse(lines []string) (*File, error) {
	if len(lines) < 2 {
		return nil, fmt.Errorf("ccb: file too short, expected header and count lines")
	}

	header := strings.Fields(lines[0])
	if len(header) != 2 || header[0] != "ccb" {
		return nil, fmt.Errorf("ccb: bad header %q", lines[0])
	}
	version, err := strconv.Atoi(header[1])
	if err != nil {
		return nil, fmt.Errorf("ccb: bad version in header %q: %w", lines[0], err)
	}

	countLine := strings.Fields(lines[1])
	if len(countLine) != 2 || countLine[0] != "count" {
		return nil, fmt.Errorf("ccb: bad count line %q", lines[1])
	}
	count, err := strconv.Atoi(countLine[1])
	if err != nil {
		return nil, fmt.Errorf("ccb: bad count value in %q: %w", lines[1], err)
	}

	f := &File{Version: version}
	lastBit := -1
	for i, line := range lines[2:] {
		if line == "" {
			continue
		}
		rec, err := parseRecord(line)
		if err != nil {
			return nil, fmt.Errorf("ccb: line %d: %w", i+3, err)
		}
		if rec.Bit <= lastBit {
			return nil, fmt.Errorf("ccb: line %d: bit %d out of ascending order or duplicate (last %d)", i+3, rec.Bit, lastBit)
		}
		lastBit = rec.Bit
		f.Records = append(f.Records, rec)
	}

	if len(f.Records) != count {
		return nil, fmt.Errorf("ccb: header declares count %d but file has %d records", count, len(f.Records))
	}

	return f, nil
}

func parseRecord(line string) (Record, error) {
	fields := strings.Split(line, ":")
	if len(fields) != 4 {
		return Record{}, fmt.Errorf("expected 4 colon-separated fields, got %d in %q", len(fields), line)
	}
	bit, err := strconv.Atoi(fields[1])
	if err != nil {
		return Record{}, fmt.Errorf("bad bit number in %q: %w", line, err)
	}
	masked := fields[3] == "1"
	return Record{Keyword: fields[0], Bit: bit, Handling: fields[2], Masked: masked}, nil
}

// Validate checks that every bit in required is present in f with the
// expected handling, returning the first violation formatted the way
// the original logs it: "category bit N must have handling H".
func Validate(f *File, required []int, expectedHandling string) error {
	byBit := make(map[int]Record, len(f.Records))
	for _, r := range f.Records {
		byBit[r.Bit] = r
	}

	for _, bit := range required {
		rec, ok := byBit[bit]
		if !ok || rec.Handling != expectedHandling {
			return fmt.Errorf("category bit %d must have handling %s", bit, expectedHandling)
		}
	}
	return nil
}

// ParseLines is a convenience wrapper for loaders that hand back a
// bufio.Scanner instead of a pre-split slice.
func ParseLines(scanner *bufio.Scanner) (*File, error) {
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ccb: scan: %w", err)
	}
	return Parse(lines)
}
