package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var ErrUnsupportedFormat = errors.New("unsupported format specifier")

// Severity of a diagnostic raised by the native module.
type Severity uint32

const (
	SeverityLog   Severity = 0
	SeverityFatal Severity = 1
)

func (s Severity) String() string {
	switch s {
	case SeverityLog:
		return "log"
	case SeverityFatal:
		return "fatal"
	default:
		return "severity(" + strconv.Itoa(int(s)) + ")"
	}
}

var specifierRE = regexp.MustCompile(`%([-+ 0'#]*)((?:[0-9]+|\*)?)((?:\.(?:[0-9]+|\*))?)((?:hh|h|l|ll|L|z|j|t|I|I32|I64|q)?)([%diufFeEgGxXoscpaA])`)

type argKind int

const (
	argNone argKind = iota
	argI32
	argU32
	argI64
	argU64
	argF64
	argString
)

var (
	shortLengths = map[string]bool{"hh": true, "h": true, "l": true, "z": true, "t": true, "": true}
	longLengths  = map[string]bool{"ll": true, "j": true}
	floatLengths = map[string]bool{"L": true, "": true}
)

// kindFor maps a length modifier and conversion to the width read from the
// varargs buffer.
func kindFor(length string, conv byte) argKind {
	switch {
	case conv == '%' && length == "":
		return argNone
	case conv == 's' && length == "":
		return argString
	case strings.IndexByte("dic", conv) >= 0 && shortLengths[length]:
		return argI32
	case strings.IndexByte("uxXop", conv) >= 0 && shortLengths[length]:
		return argU32
	case strings.IndexByte("di", conv) >= 0 && longLengths[length]:
		return argI64
	case strings.IndexByte("uxXop", conv) >= 0 && longLengths[length]:
		return argU64
	case strings.IndexByte("fFeEgGaA", conv) >= 0 && floatLengths[length]:
		return argF64
	}
	return -1
}

// Format renders a printf-style message. The format string is read as a
// NUL-terminated string at fmtCur; arguments are read from args in order,
// little-endian, with 8-byte values aligned to 8. Flags, width and precision
// are rejected.
func Format(fmtCur, args *Cursor) (string, error) {
	format := fmtCur.CString()
	if err := fmtCur.Err(); err != nil {
		return "", fmt.Errorf("reading format string: %w", err)
	}

	var out strings.Builder
	last := 0
	for _, m := range specifierRE.FindAllStringSubmatchIndex(format, -1) {
		out.WriteString(format[last:m[0]])
		last = m[1]

		spec := format[m[0]:m[1]]
		flags, width, precision := format[m[2]:m[3]], format[m[4]:m[5]], format[m[6]:m[7]]
		length, conv := format[m[8]:m[9]], format[m[10]]
		if flags != "" || width != "" || precision != "" {
			return "", fmt.Errorf("%w: %q uses flags, width or precision", ErrUnsupportedFormat, spec)
		}
		s, err := formatArg(spec, length, conv, args)
		if err != nil {
			return "", err
		}
		out.WriteString(s)
	}
	out.WriteString(format[last:])
	return out.String(), nil
}

func formatArg(spec, length string, conv byte, args *Cursor) (string, error) {
	le := binary.LittleEndian
	var (
		s    string
		kind = kindFor(length, conv)
	)
	switch kind {
	case argNone:
		return "%", nil
	case argString:
		str := args.ForkDeref()
		s = str.CString()
		if err := str.Err(); err != nil {
			return "", fmt.Errorf("dereferencing %q argument: %w", spec, err)
		}
	case argI32:
		s = formatSigned(int64(args.I32(le)), conv)
	case argU32:
		s = formatUnsigned(uint64(args.U32(le)), conv)
	case argI64:
		s = formatSigned(args.Align(8).I64(le), conv)
	case argU64:
		s = formatUnsigned(args.Align(8).U64(le), conv)
	case argF64:
		s = formatFloat(args.Align(8).F64(le), conv)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, spec)
	}
	if err := args.Err(); err != nil {
		return "", fmt.Errorf("reading %q argument: %w", spec, err)
	}
	return s, nil
}

func formatSigned(v int64, conv byte) string {
	if conv == 'c' {
		return string(rune(v))
	}
	return strconv.FormatInt(v, 10)
}

func formatUnsigned(v uint64, conv byte) string {
	switch conv {
	case 'x':
		return strconv.FormatUint(v, 16)
	case 'X':
		return strings.ToUpper(strconv.FormatUint(v, 16))
	case 'o':
		return strconv.FormatUint(v, 8)
	case 'p':
		return "0x" + strconv.FormatUint(v, 16)
	default:
		return strconv.FormatUint(v, 10)
	}
}

func formatFloat(v float64, conv byte) string {
	switch conv {
	case 'f':
		return strconv.FormatFloat(v, 'f', -1, 64)
	case 'F':
		return strings.ToUpper(strconv.FormatFloat(v, 'f', -1, 64))
	case 'e':
		return strconv.FormatFloat(v, 'e', 2, 64)
	case 'E':
		return strconv.FormatFloat(v, 'E', 2, 64)
	case 'g':
		return strconv.FormatFloat(v, 'g', -1, 64)
	case 'G':
		return strconv.FormatFloat(v, 'G', -1, 64)
	case 'a':
		return strconv.FormatFloat(v, 'x', -1, 64)
	default:
		return strconv.FormatFloat(v, 'X', -1, 64)
	}
}

// Varargs lays out arguments the way Format expects to read them. The
// native module uses it to build diagnostic argument buffers.
type Varargs struct {
	buf []byte
}

func (v *Varargs) alignTo(n int) {
	for len(v.buf)%n != 0 {
		v.buf = append(v.buf, 0)
	}
}

func (v *Varargs) I32(x int32) *Varargs {
	v.buf = binary.LittleEndian.AppendUint32(v.buf, uint32(x))
	return v
}

func (v *Varargs) U32(x uint32) *Varargs {
	v.buf = binary.LittleEndian.AppendUint32(v.buf, x)
	return v
}

func (v *Varargs) I64(x int64) *Varargs {
	v.alignTo(8)
	v.buf = binary.LittleEndian.AppendUint64(v.buf, uint64(x))
	return v
}

func (v *Varargs) U64(x uint64) *Varargs {
	v.alignTo(8)
	v.buf = binary.LittleEndian.AppendUint64(v.buf, x)
	return v
}

// Ptr appends a pointer argument, used for %s.
func (v *Varargs) Ptr(p uint32) *Varargs { return v.U32(p) }

func (v *Varargs) Bytes() []byte { return v.buf }
