package securesocket

import "strings"

// Validator decides whether the peer certificate is acceptable. cert is nil
// when the peer presented none. A Validator's verdict replaces the library
// verification.
type Validator interface {
	Validate(cert *Certificate) bool
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(cert *Certificate) bool

// Validate calls f.
func (f ValidatorFunc) Validate(cert *Certificate) bool {
	return f(cert)
}

// PinnedValidator accepts exactly the certificates whose SHA-256
// fingerprint it knows.
type PinnedValidator struct {
	fingerprints map[string]struct{}
}

// NewPinnedValidator accepts hex fingerprints with or without colons.
func NewPinnedValidator(fingerprints ...string) *PinnedValidator {
	v := &PinnedValidator{fingerprints: make(map[string]struct{}, len(fingerprints))}
	for _, fp := range fingerprints {
		v.fingerprints[normalizeFingerprint(fp)] = struct{}{}
	}
	return v
}

// Validate reports whether cert is pinned.
func (v *PinnedValidator) Validate(cert *Certificate) bool {
	if cert == nil {
		return false
	}
	_, ok := v.fingerprints[cert.Fingerprint()]
	return ok
}

func normalizeFingerprint(fp string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(fp), ":", ""))
}
