// Package sessionid generates opaque chat session identifiers.
//
// Ids look like session_<unix millis>_<9 base36 chars>. They only need to be unique
// enough to avoid backend collisions; the backend stays the source of truth and may
// hand back a different id.
package sessionid

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

const (
	Prefix       = "session"
	suffixLength = 9
)

// Generator produces session ids.
type Generator interface {
	Generate() string
}

type GeneratorFunc func() string

func (f GeneratorFunc) Generate() string { return f() }

// Default generates ids with the process clock and a random suffix.
var Default Generator = GeneratorFunc(Generate)

// Generate never blocks and never panics.
func Generate() string {
	now := time.Now()
	return fmt.Sprintf("%s_%d_%s", Prefix, now.UnixMilli(), randomSuffix(now))
}

func randomSuffix(now time.Time) string {
	var seed uint64
	if u, err := uuid.NewRandom(); err == nil {
		seed = binary.BigEndian.Uint64(u[:8])
	} else {
		seed = uint64(now.UnixNano())
	}
	s := strconv.FormatUint(seed, 36)
	if len(s) < suffixLength {
		s = strings.Repeat("0", suffixLength-len(s)) + s
	}
	return s[len(s)-suffixLength:]
}

// Valid reports whether id can be used as a session id in request paths.
func Valid(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if r == '/' || r == '?' || r == '#' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}
