// Package headers implements the Headers data model:
// a case-insensitive, order-preserving multimap with a Guard controlling
// which mutations are permitted. Header name/value token validation uses
// golang.org/x/net/http/httpguts instead of a hand-rolled ASCII table,
// since httpguts already is the ecosystem's RFC 7230 token-validity
// table and golang.org/x/net is already part of the dependency stack.
package headers

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Guard restricts which mutations are permitted on a Headers value.
type Guard int

const (
	// GuardNone places no restriction beyond basic validation.
	GuardNone Guard = iota
	// GuardImmutable rejects every mutation — used for incoming
	// request/response headers and redirect responses.
	GuardImmutable
	// GuardRequest is used for a Request's headers.
	GuardRequest
	// GuardRequestNoCors restricts to a small CORS-safelisted set.
	GuardRequestNoCors
	// GuardResponse is used for a Response's headers.
	GuardResponse
)

// ErrImmutable is returned when a mutation is attempted on
// GuardImmutable headers.
var ErrImmutable = errors.New("headers: immutable")

// ErrForbiddenName is returned when a mutation targets a name forbidden
// by the active guard.
var ErrForbiddenName = errors.New("headers: forbidden header name")

// ErrInvalidName is returned for a header name that fails RFC 7230 token
// validation.
var ErrInvalidName = errors.New("headers: invalid name")

// ErrInvalidValue is returned for a header value that, after trimming,
// still contains a control byte other than HTAB (NUL, CR and LF included).
var ErrInvalidValue = errors.New("headers: invalid value")

// forbiddenRequestNames are header names a Request guard refuses to let
// script set directly, per the Fetch spec's forbidden-header-name list
// (trimmed to the subset relevant to the core's invariants).
var forbiddenRequestNames = map[string]bool{
	"host":                true,
	"content-length":      true,
	"connection":          true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"te":                  true,
	"trailer":             true,
	"proxy-connection":    true,
	"proxy-authorization": true,
}

// requestNoCorsAllowed is the CORS-safelisted request-header set.
var requestNoCorsAllowed = map[string]bool{
	"accept":           true,
	"accept-language":  true,
	"content-language": true,
	"content-type":     true,
}

// entry is one stored (original-case, value) pair, keyed by lowercase
// name in the parent map.
type entry struct {
	value string
}

// Headers is a case-insensitive multimap preserving insertion order for
// iteration.
type Headers struct {
	guard Guard
	// order holds lowercase names in first-insertion order.
	order []string
	// values maps lowercase name to its ordered, comma-joined values as
	// distinct entries (append semantics keep each append as a separate
	// slice element so get() can join with ", ").
	values map[string][]string
}

// New creates an empty Headers with the given guard.
func New(guard Guard) *Headers {
	return &Headers{guard: guard, values: make(map[string][]string)}
}

func normalizeName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if !httpguts.ValidHeaderFieldName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return strings.ToLower(name), nil
}

// normalizeValue trims HTAB/SP/CR/LF from both ends and rejects any
// remaining control byte other than HTAB, NUL, CR and LF included.
func normalizeValue(value string) (string, error) {
	v := strings.Trim(value, "\t\n\r ")
	if !httpguts.ValidHeaderFieldValue(v) {
		return "", fmt.Errorf("%w: %q", ErrInvalidValue, value)
	}
	return v, nil
}

func (h *Headers) checkMutable(name string) error {
	switch h.guard {
	case GuardImmutable:
		return ErrImmutable
	case GuardRequest:
		if forbiddenRequestNames[name] {
			return fmt.Errorf("%w: %q", ErrForbiddenName, name)
		}
	case GuardRequestNoCors:
		if !requestNoCorsAllowed[name] {
			return fmt.Errorf("%w: %q", ErrForbiddenName, name)
		}
	}
	return nil
}

// Append adds a value, keeping any existing values for the same name
// (case-insensitively).
func (h *Headers) Append(name, value string) error {
	lname, err := normalizeName(name)
	if err != nil {
		return err
	}
	if err := h.checkMutable(lname); err != nil {
		return err
	}
	v, err := normalizeValue(value)
	if err != nil {
		return err
	}
	if lname == "set-cookie" {
		for _, part := range splitSetCookie(v) {
			h.appendRaw(lname, part)
		}
		return nil
	}
	h.appendRaw(lname, v)
	return nil
}

func (h *Headers) appendRaw(lname, value string) {
	if _, ok := h.values[lname]; !ok {
		h.order = append(h.order, lname)
	}
	h.values[lname] = append(h.values[lname], value)
}

// Set replaces all existing values for name with a single value.
func (h *Headers) Set(name, value string) error {
	lname, err := normalizeName(name)
	if err != nil {
		return err
	}
	if err := h.checkMutable(lname); err != nil {
		return err
	}
	v, err := normalizeValue(value)
	if err != nil {
		return err
	}
	if _, existed := h.values[lname]; !existed {
		h.order = append(h.order, lname)
	}
	h.values[lname] = []string{v}
	return nil
}

// Delete removes all values for name.
func (h *Headers) Delete(name string) error {
	lname, err := normalizeName(name)
	if err != nil {
		return err
	}
	if err := h.checkMutable(lname); err != nil {
		return err
	}
	if _, ok := h.values[lname]; !ok {
		return nil
	}
	delete(h.values, lname)
	for i, n := range h.order {
		if n == lname {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns the joined value (", "-separated) for name, and whether it
// is present at all.
func (h *Headers) Get(name string) (string, bool) {
	lname, err := normalizeName(name)
	if err != nil {
		return "", false
	}
	vals, ok := h.values[lname]
	if !ok {
		return "", false
	}
	return strings.Join(vals, ", "), true
}

// GetAll returns every individually-appended value for name, in
// insertion order.
func (h *Headers) GetAll(name string) []string {
	lname, err := normalizeName(name)
	if err != nil {
		return nil
	}
	vals := h.values[lname]
	out := make([]string, len(vals))
	copy(out, vals)
	return out
}

// Has reports whether name has any value.
func (h *Headers) Has(name string) bool {
	lname, err := normalizeName(name)
	if err != nil {
		return false
	}
	_, ok := h.values[lname]
	return ok
}

// Pair is a (lowercase name, joined value) pair as returned by iteration.
type Pair struct {
	Name  string
	Value string
}

// Entries returns every header as (lowercase-name, joined-value) pairs
// in insertion order.
func (h *Headers) Entries() []Pair {
	out := make([]Pair, 0, len(h.order))
	for _, name := range h.order {
		out = append(out, Pair{Name: name, Value: strings.Join(h.values[name], ", ")})
	}
	return out
}

// Guard returns the active guard.
func (h *Headers) Guard() Guard { return h.guard }

// Clone returns a uniquely-owned writable copy with the given guard,
// suitable for sending (clone() that always yields a
// uniquely-owned writable copy").
func (h *Headers) Clone(guard Guard) *Headers {
	out := New(guard)
	out.order = append([]string(nil), h.order...)
	out.values = make(map[string][]string, len(h.values))
	for k, v := range h.values {
		out.values[k] = append([]string(nil), v...)
	}
	return out
}

// splitSetCookie splits a comma-joined set-cookie value into individual
// cookies, treating commas that appear inside an attribute's value (as
// opposed to separating two cookies) as non-splitting. A new cookie
// boundary is recognized by "<comma><ws>token=" not preceded by an
// attribute-continuation context; this mirrors the cookie-aware comma
// rule from the original headers.cpp.
func splitSetCookie(v string) []string {
	if !strings.Contains(v, ",") {
		return []string{v}
	}
	var out []string
	start := 0
	for i := 0; i < len(v); i++ {
		if v[i] != ',' {
			continue
		}
		rest := strings.TrimLeft(v[i+1:], " ")
		if looksLikeCookieStart(rest) {
			out = append(out, strings.TrimSpace(v[start:i]))
			start = i + 1
		}
	}
	out = append(out, strings.TrimSpace(v[start:]))
	return out
}

// looksLikeCookieStart reports whether s begins with a plausible cookie
// name=value pair: a token followed by '=' before any ';' or ','.
func looksLikeCookieStart(s string) bool {
	eq := strings.IndexByte(s, '=')
	if eq <= 0 {
		return false
	}
	name := s[:eq]
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == ' ' || c == ';' || c == ',' {
			return false
		}
	}
	return true
}
