// File: protocol/format_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"errors"
	"math/bits"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/pompio/api"
)

func scanAll(t *testing.T, format string) []directive {
	t.Helper()
	sc := newScanner(format)
	var out []directive
	for {
		d, ok, err := sc.next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, d)
	}
}

func TestScannerKinds(t *testing.T) {
	tests := []struct {
		format string
		kinds  []argKind
	}{
		{"", nil},
		{"%hhi%hhu", []argKind{argI8, argU8}},
		{"%hi%hu", []argKind{argI16, argU16}},
		{"%i%d%u", []argKind{argI32, argI32, argU32}},
		{"%lli%llu", []argKind{argI64, argU64}},
		{"%f%e%g", []argKind{argF32, argF32, argF32}},
		{"%lf%lE%lG", []argKind{argF64, argF64, argF64}},
		{"%s", []argKind{argStr}},
		{"%ms", []argKind{argStr}},
		{"%p%u", []argKind{argBuf}},
		{"%x", []argKind{argFD}},
		{"%hhx%hx%llx", []argKind{argU8, argU16, argU64}},
		{"%u %s\t%x", []argKind{argU32, argStr, argFD}},
	}
	for _, tt := range tests {
		ds := scanAll(t, tt.format)
		var kinds []argKind
		for _, d := range ds {
			kinds = append(kinds, d.kind)
		}
		assert.Equal(t, tt.kinds, kinds, "format %q", tt.format)
	}
}

func TestScannerWordSize(t *testing.T) {
	ds := scanAll(t, "%li%lu%lx")
	if bits.UintSize == 32 {
		assert.Equal(t, []argKind{argI32, argU32, argU32}, []argKind{ds[0].kind, ds[1].kind, ds[2].kind})
	} else {
		assert.Equal(t, []argKind{argI64, argU64, argU64}, []argKind{ds[0].kind, ds[1].kind, ds[2].kind})
	}
}

func TestScannerAllocatedString(t *testing.T) {
	sc := newScanner("%ms")
	d, ok, err := sc.next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, d.alloc)
}

func TestScannerInvalid(t *testing.T) {
	bad := []string{
		"%q",     // unknown conversion
		"text",   // stray text
		"%u lol", // stray text after directive
		"%",      // truncated
		"%h",     // truncated after qualifier
		"%p",     // %p without %u
		"%p%d",   // %p paired with wrong directive
		"%hs",    // string with qualifier
		"%hf",    // float with bad qualifier
		"%m",     // bare %m
		"%md",    // %m with wrong conversion
	}
	for _, format := range bad {
		sc := newScanner(format)
		var err error
		var ok bool
		for {
			_, ok, err = sc.next()
			if err != nil || !ok {
				break
			}
		}
		require.Error(t, err, "format %q", format)
		assert.True(t, errors.Is(err, api.ErrInvalidFormat), "format %q: %v", format, err)
	}
}
