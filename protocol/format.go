// File: protocol/format.go
// Package protocol implements the printf-oriented message wire format.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Single-pass scanner for the printf/scanf specifier subset driving the
// codec. Directives are produced lazily and consumed in lockstep by the
// encoder and decoder.

package protocol

import (
	"fmt"
	"math/bits"

	"github.com/momentics/pompio/api"
)

// argKind identifies the typed value one directive encodes or decodes.
type argKind uint8

const (
	argNone argKind = iota
	argI8
	argU8
	argI16
	argU16
	argI32
	argU32
	argI64
	argU64
	argStr
	argBuf
	argF32
	argF64
	argFD
)

// directive is one scanned %... group.
type directive struct {
	kind argKind
	// alloc is set for %ms: decode-only, the output string is always an
	// allocated copy. Rejected by the encoder.
	alloc bool
}

// length qualifiers
const (
	qualNone = iota
	qualHH
	qualH
	qualL
	qualLL
)

// scanner walks a format string one directive at a time.
type scanner struct {
	format string
	pos    int
}

func newScanner(format string) *scanner {
	return &scanner{format: format}
}

// next returns the next directive. ok is false at the clean end of the
// format string.
func (s *scanner) next() (d directive, ok bool, err error) {
	// Whitespace between directives is allowed and ignored.
	for s.pos < len(s.format) && isSpace(s.format[s.pos]) {
		s.pos++
	}
	if s.pos >= len(s.format) {
		return directive{}, false, nil
	}
	if s.format[s.pos] != '%' {
		return directive{}, false, fmt.Errorf("stray %q at offset %d: %w",
			s.format[s.pos], s.pos, api.ErrInvalidFormat)
	}
	s.pos++

	qual := qualNone
	switch {
	case s.hasPrefix("hh"):
		qual = qualHH
		s.pos += 2
	case s.hasPrefix("h"):
		qual = qualH
		s.pos++
	case s.hasPrefix("ll"):
		qual = qualLL
		s.pos += 2
	case s.hasPrefix("l"):
		qual = qualL
		s.pos++
	}

	if s.pos >= len(s.format) {
		return directive{}, false, fmt.Errorf("truncated directive: %w", api.ErrInvalidFormat)
	}
	conv := s.format[s.pos]
	s.pos++

	switch conv {
	case 'i', 'd':
		return directive{kind: signedKind(qual)}, true, nil
	case 'u':
		return directive{kind: unsignedKind(qual)}, true, nil
	case 'x', 'X':
		// A bare %x is a file descriptor; with a length qualifier it is an
		// unsigned integer of that width.
		if qual == qualNone {
			return directive{kind: argFD}, true, nil
		}
		return directive{kind: unsignedKind(qual)}, true, nil
	case 'f', 'F', 'e', 'E', 'g', 'G':
		switch qual {
		case qualNone:
			return directive{kind: argF32}, true, nil
		case qualL, qualLL:
			return directive{kind: argF64}, true, nil
		default:
			return directive{}, false, fmt.Errorf("float with %q qualifier: %w",
				s.format, api.ErrInvalidFormat)
		}
	case 's':
		if qual != qualNone {
			return directive{}, false, fmt.Errorf("string with length qualifier: %w", api.ErrInvalidFormat)
		}
		return directive{kind: argStr}, true, nil
	case 'm':
		// %ms: scanf style allocated string, decode only.
		if qual != qualNone || s.pos >= len(s.format) || s.format[s.pos] != 's' {
			return directive{}, false, fmt.Errorf("bad %%m directive: %w", api.ErrInvalidFormat)
		}
		s.pos++
		return directive{kind: argStr, alloc: true}, true, nil
	case 'p':
		// %p carries the buffer value and must be paired with an immediate
		// %u carrying its size.
		if qual != qualNone || !s.hasPrefix("%u") {
			return directive{}, false, fmt.Errorf("%%p without %%u pair: %w", api.ErrInvalidFormat)
		}
		s.pos += 2
		return directive{kind: argBuf}, true, nil
	default:
		return directive{}, false, fmt.Errorf("unknown conversion %q: %w", conv, api.ErrInvalidFormat)
	}
}

func (s *scanner) hasPrefix(p string) bool {
	return len(s.format)-s.pos >= len(p) && s.format[s.pos:s.pos+len(p)] == p
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// signedKind maps a length qualifier to a signed integer kind. A bare %l
// follows the host word size so 32-bit callers keep their C source
// compatibility.
func signedKind(qual int) argKind {
	switch qual {
	case qualHH:
		return argI8
	case qualH:
		return argI16
	case qualL:
		if bits.UintSize == 32 {
			return argI32
		}
		return argI64
	case qualLL:
		return argI64
	default:
		return argI32
	}
}

func unsignedKind(qual int) argKind {
	switch qual {
	case qualHH:
		return argU8
	case qualH:
		return argU16
	case qualL:
		if bits.UintSize == 32 {
			return argU32
		}
		return argU64
	case qualLL:
		return argU64
	default:
		return argU32
	}
}
