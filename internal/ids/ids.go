// Package ids issues identifiers for durable engagement records.
package ids

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Provider issues unique record identifiers.
type Provider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a Provider that issues UUIDv7 identifiers, which
// sort by creation time.
func NewUUIDProvider() Provider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Sequence issues prefixed, zero-padded, monotonically increasing identifiers.
type Sequence struct {
	prefix string
	next   atomic.Int64
}

// NewSequence constructs a deterministic provider, mostly useful in tests.
func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix}
}

func (s *Sequence) NewID() (string, error) {
	return fmt.Sprintf("%s%06d", s.prefix, s.next.Add(1)), nil
}
