package channel

import (
	"encoding/json"

	"github.com/codefionn/pluginhost/internal/core"
)

// Element is a JSON value that can render itself and be populated from bytes.
type Element interface {
	json.Marshaler
	json.Unmarshaler
}

// Package is one outbound queue entry: either a shared JSON element or a
// plain string owned by value.
type Package struct {
	element *core.Ref[Element]
	text    string
}

// JSONPackage wraps an element handle. The queue takes over the caller's
// reference and releases it once the element has been flushed or dropped.
func JSONPackage(element *core.Ref[Element]) Package {
	return Package{element: element}
}

// ElementPackage wraps a freshly created element in its own handle.
func ElementPackage(element Element) Package {
	return Package{element: core.NewRef(element, nil)}
}

// TextPackage wraps a plain string.
func TextPackage(text string) Package {
	return Package{text: text}
}

// IsText reports whether the package carries a plain string.
func (p Package) IsText() bool {
	return p.element == nil
}

// Element returns the JSON element, or nil for text packages.
func (p Package) Element() Element {
	if p.element == nil {
		return nil
	}
	return p.element.Get()
}

// Text returns the string payload of a text package.
func (p Package) Text() string {
	return p.text
}

func (p Package) release() {
	if p.element != nil {
		p.element.Release()
	}
}

// bytes renders the payload in wire form.
func (p Package) bytes() ([]byte, error) {
	if p.element == nil {
		return []byte(p.text), nil
	}
	return p.element.Get().MarshalJSON()
}
