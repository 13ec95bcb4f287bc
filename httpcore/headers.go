package httpcore

import "strings"

// Header is one (name, value) pair in arrival order. Headers are kept as
// an ordered list rather than a map so duplicates, ordering, and original
// casing survive a parse/serialize round trip (§3 data model).
type Header struct {
	Name  string
	Value string
}

// HeaderList is an ordered sequence of headers, preserving duplicates.
type HeaderList []Header

// Get returns the first value for name (case-insensitive), and whether
// any header with that name was present.
func (h HeaderList) Get(name string) (string, bool) {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value, true
		}
	}
	return "", false
}

// Add appends a header, preserving any existing header of the same name.
func (h HeaderList) Add(name, value string) HeaderList {
	return append(h, Header{Name: name, Value: value})
}

// Set removes every existing header named name (case-insensitive) and
// appends one new header with value, at the position of the first
// removed header if any existed, else at the end.
func (h HeaderList) Set(name, value string) HeaderList {
	out := h[:0:0]
	inserted := false
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			if !inserted {
				out = append(out, Header{Name: name, Value: value})
				inserted = true
			}
			continue
		}
		out = append(out, hdr)
	}
	if !inserted {
		out = append(out, Header{Name: name, Value: value})
	}
	return out
}

// Del removes every header named name (case-insensitive).
func (h HeaderList) Del(name string) HeaderList {
	out := h[:0:0]
	for _, hdr := range h {
		if !strings.EqualFold(hdr.Name, name) {
			out = append(out, hdr)
		}
	}
	return out
}

// HeaderNames returns the set of distinct header names present,
// lowercased, per §6's required header_names utility.
func HeaderNames(h HeaderList) map[string]struct{} {
	names := make(map[string]struct{}, len(h))
	for _, hdr := range h {
		names[strings.ToLower(hdr.Name)] = struct{}{}
	}
	return names
}

// HeaderDict builds a {lowercased-name: [value, ...]} map, comma-splitting
// each header's value. omit, if non-nil, names (lowercased) that should
// be excluded from the result. This comma-split is not safe for fields
// whose value may itself contain a comma inside a quoted string (e.g.
// some Set-Cookie-adjacent headers); callers needing exact values for
// such headers should read HeaderList directly instead.
func HeaderDict(h HeaderList, omit map[string]struct{}) map[string][]string {
	dict := make(map[string][]string)
	for _, hdr := range h {
		name := strings.ToLower(hdr.Name)
		if _, skip := omit[name]; skip {
			continue
		}
		for _, part := range strings.Split(hdr.Value, ",") {
			dict[name] = append(dict[name], strings.TrimSpace(part))
		}
	}
	return dict
}

// GetHeader returns every value for name (case-insensitive), each
// comma-split, per §6's required get_header utility.
func GetHeader(h HeaderList, name string) []string {
	name = strings.ToLower(name)
	var values []string
	for _, hdr := range h {
		if strings.ToLower(hdr.Name) != name {
			continue
		}
		for _, part := range strings.Split(hdr.Value, ",") {
			values = append(values, strings.TrimSpace(part))
		}
	}
	return values
}

// hopByHop is the RFC 7230 §6.1 base set of connection-scoped headers,
// always stripped on send and ignored on receive for user visibility.
// The spec's Open Question leaves the exact set to RFC 7230 §6.1 where
// the source disagrees with itself across revisions; this list is that
// section's enumeration plus any header named by a "Connection" field
// (handled separately in StripHopByHop, since that set is dynamic).
var hopByHop = map[string]struct{}{
	"connection":          {},
	"keep-alive":           {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// IsHopByHop reports whether name (case-insensitive) is one of the
// statically hop-by-hop header names.
func IsHopByHop(name string) bool {
	_, ok := hopByHop[strings.ToLower(name)]
	return ok
}

// StripHopByHop removes the static hop-by-hop headers plus any header
// named in this message's own Connection header field, per §4.3.2.
func StripHopByHop(h HeaderList) HeaderList {
	dynamic := make(map[string]struct{})
	for _, v := range GetHeader(h, "Connection") {
		dynamic[strings.ToLower(v)] = struct{}{}
	}

	out := h[:0:0]
	for _, hdr := range h {
		lower := strings.ToLower(hdr.Name)
		if _, static := hopByHop[lower]; static {
			continue
		}
		if _, named := dynamic[lower]; named {
			continue
		}
		out = append(out, hdr)
	}
	return out
}
