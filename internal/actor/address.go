package actor

import (
	"fmt"
	"strings"
)

// Address serialization. Refs are process-local, so the encoded form is a
// reconstruction hint — system name plus actor id — rather than a portable
// address. The registry stores the bytes opaquely and round-trips them
// byte-exactly; decoding resolves the id against the live actor table.

const addressScheme = "orchid-actor://"

// EncodeRef serializes a ref into an opaque byte string.
func (s *System) EncodeRef(ref *Ref) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", addressScheme, s.name, ref.id))
}

// DecodeRef reconstructs a live ref from its serialized form. Fails when the
// bytes are malformed, belong to another system, or the actor is no longer
// alive.
func (s *System) DecodeRef(data []byte) (*Ref, error) {
	addr := string(data)
	if !strings.HasPrefix(addr, addressScheme) {
		return nil, fmt.Errorf("%w: malformed address %q", ErrUnknownRef, addr)
	}
	rest := addr[len(addressScheme):]
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: malformed address %q", ErrUnknownRef, addr)
	}
	if parts[0] != s.name {
		return nil, fmt.Errorf("%w: address %q belongs to system %q", ErrUnknownRef, addr, parts[0])
	}
	ref, ok := s.Lookup(parts[1])
	if !ok {
		return nil, fmt.Errorf("%w: actor %q is not alive", ErrUnknownRef, parts[1])
	}
	return ref, nil
}
