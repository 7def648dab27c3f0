// Package sigfile parses the ClamAV-style text signature formats understood by
// the native engine and stored by the signature database:
//
//	.hdb / .hsb   HASH:SIZE:NAME[:FLEVEL]           (MD5, SHA-1 or SHA-256; SIZE may be *)
//	.ndb          NAME:TARGET:OFFSET:HEX[:FLEVEL...] (TARGET 0, 1 or 6; OFFSET * or decimal)
//
// Lines that are well formed but use constructs the native engine cannot
// evaluate (wildcards, alternations, relative offsets, other targets) are
// reported as ErrUnsupported and skipped by ParseReader.
package sigfile

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
)

type Format string

const (
	FormatHDB Format = "hdb"
	FormatHSB Format = "hsb"
	FormatNDB Format = "ndb"
)

var ErrUnsupported = errors.New("unsupported signature construct")

// FormatOf returns the format implied by a file name's extension.
func FormatOf(name string) (Format, bool) {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(name), ".")) {
	case "hdb":
		return FormatHDB, true
	case "hsb":
		return FormatHSB, true
	case "ndb":
		return FormatNDB, true
	default:
		return "", false
	}
}

func ParseFormat(value string) (Format, error) {
	if f, ok := FormatOf("x." + value); ok {
		return f, nil
	}
	return "", fmt.Errorf("unknown signature format %q", value)
}

type HashAlgo int

const (
	MD5 HashAlgo = iota
	SHA1
	SHA256
)

func (a HashAlgo) String() string {
	switch a {
	case SHA1:
		return "sha1"
	case SHA256:
		return "sha256"
	default:
		return "md5"
	}
}

// HashSig matches a whole file by digest. Size < 0 matches any size.
type HashSig struct {
	Algo   HashAlgo
	Digest string
	Size   int64
	Name   string
}

type Target int

const (
	TargetAny Target = 0
	TargetPE  Target = 1
	TargetELF Target = 6
)

// BodySig matches a byte pattern. Offset < 0 means anywhere.
type BodySig struct {
	Name    string
	Target  Target
	Offset  int64
	Pattern []byte
}

// Set is a parsed collection of signatures.
type Set struct {
	Hashes  []HashSig
	Bodies  []BodySig
	Skipped int
}

func (s *Set) Len() int {
	return len(s.Hashes) + len(s.Bodies)
}

func (s *Set) Merge(other *Set) {
	if other == nil {
		return
	}
	s.Hashes = append(s.Hashes, other.Hashes...)
	s.Bodies = append(s.Bodies, other.Bodies...)
	s.Skipped += other.Skipped
}

// Add parses one line into the set. Blank and comment lines are ignored.
func (s *Set) Add(format Format, line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	switch format {
	case FormatHDB, FormatHSB:
		sig, err := ParseHash(line)
		if err != nil {
			return err
		}
		s.Hashes = append(s.Hashes, sig)
	case FormatNDB:
		sig, err := ParseBody(line)
		if err != nil {
			return err
		}
		s.Bodies = append(s.Bodies, sig)
	default:
		return fmt.Errorf("unknown signature format %q", format)
	}
	return nil
}

// Validate checks one line without keeping the parsed signature.
func Validate(format Format, line string) error {
	var s Set
	return s.Add(format, line)
}

// ParseReader reads every line of r. Unsupported lines are counted in
// Set.Skipped; any malformed line fails the whole read.
func ParseReader(format Format, r io.Reader, source string) (*Set, error) {
	set := &Set{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		err := set.Add(format, sc.Text())
		if errors.Is(err, ErrUnsupported) {
			set.Skipped++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", source, lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", source, err)
	}
	return set, nil
}

// ParseHash parses HASH:SIZE:NAME[:FLEVEL].
func ParseHash(line string) (HashSig, error) {
	fields := strings.Split(line, ":")
	if len(fields) < 3 || len(fields) > 4 {
		return HashSig{}, fmt.Errorf("hash signature needs HASH:SIZE:NAME, got %d fields", len(fields))
	}
	digest := strings.ToLower(fields[0])
	if _, err := hex.DecodeString(digest); err != nil {
		return HashSig{}, fmt.Errorf("invalid hash %q", fields[0])
	}
	var algo HashAlgo
	switch len(digest) {
	case 32:
		algo = MD5
	case 40:
		algo = SHA1
	case 64:
		algo = SHA256
	default:
		return HashSig{}, fmt.Errorf("hash %q has unsupported length %d", fields[0], len(digest))
	}
	size := int64(-1)
	if fields[1] != "*" {
		parsed, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || parsed < 0 {
			return HashSig{}, fmt.Errorf("invalid file size %q", fields[1])
		}
		size = parsed
	}
	name := strings.TrimSpace(fields[2])
	if name == "" {
		return HashSig{}, errors.New("signature name is required")
	}
	return HashSig{Algo: algo, Digest: digest, Size: size, Name: name}, nil
}

// ParseBody parses NAME:TARGET:OFFSET:HEX[:MINFL[:MAXFL]].
func ParseBody(line string) (BodySig, error) {
	fields := strings.Split(line, ":")
	if len(fields) < 4 || len(fields) > 6 {
		return BodySig{}, fmt.Errorf("body signature needs NAME:TARGET:OFFSET:HEX, got %d fields", len(fields))
	}
	name := strings.TrimSpace(fields[0])
	if name == "" {
		return BodySig{}, errors.New("signature name is required")
	}
	target, err := strconv.Atoi(fields[1])
	if err != nil || target < 0 {
		return BodySig{}, fmt.Errorf("invalid target type %q", fields[1])
	}
	switch Target(target) {
	case TargetAny, TargetPE, TargetELF:
	default:
		return BodySig{}, fmt.Errorf("target %d: %w", target, ErrUnsupported)
	}
	offset := int64(-1)
	if fields[2] != "*" {
		parsed, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			if strings.ContainsAny(fields[2], "EOPSV+-,") {
				return BodySig{}, fmt.Errorf("offset %q: %w", fields[2], ErrUnsupported)
			}
			return BodySig{}, fmt.Errorf("invalid offset %q", fields[2])
		}
		if parsed < 0 {
			return BodySig{}, fmt.Errorf("invalid offset %q", fields[2])
		}
		offset = parsed
	}
	raw := strings.ToLower(fields[3])
	if strings.ContainsAny(raw, "?*{}()|[]!") {
		return BodySig{}, fmt.Errorf("pattern %q: %w", fields[3], ErrUnsupported)
	}
	if raw == "" || len(raw)%2 != 0 {
		return BodySig{}, fmt.Errorf("invalid hex pattern %q", fields[3])
	}
	pattern, err := hex.DecodeString(raw)
	if err != nil {
		return BodySig{}, fmt.Errorf("invalid hex pattern %q", fields[3])
	}
	return BodySig{Name: name, Target: Target(target), Offset: offset, Pattern: pattern}, nil
}
