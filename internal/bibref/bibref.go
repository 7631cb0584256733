// Package bibref defines the value types shared by every bibauthor layer:
// author-mention references on documents, the mentions extraction reports,
// and the signatures that attach mentions to persons.
package bibref

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind tags where on a document a mention was extracted from.
type Kind int

const (
	// KindAuthor is the primary-author field.
	KindAuthor Kind = 100

	// KindCoauthor is the co-author field.
	KindCoauthor Kind = 700
)

// Valid reports whether k is one of the known mention kinds.
func (k Kind) Valid() bool {
	return k == KindAuthor || k == KindCoauthor
}

func (k Kind) String() string {
	switch k {
	case KindAuthor:
		return "author"
	case KindCoauthor:
		return "coauthor"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// BibRef identifies one author-mention occurrence on one document.
// It is comparable and safe to use as a map key.
type BibRef struct {
	Kind Kind
	Ref  int64
	Doc  int64
}

// String renders the reference as "kind:ref,doc", e.g. "100:12,345".
func (b BibRef) String() string {
	return fmt.Sprintf("%d:%d,%d", int(b.Kind), b.Ref, b.Doc)
}

// Less orders references by document, then kind, then local ref.
func (b BibRef) Less(o BibRef) bool {
	if b.Doc != o.Doc {
		return b.Doc < o.Doc
	}
	if b.Kind != o.Kind {
		return b.Kind < o.Kind
	}
	return b.Ref < o.Ref
}

// Parse reads the text form produced by String.
func Parse(s string) (BibRef, error) {
	s = strings.TrimSpace(s)
	kindPart, rest, ok := strings.Cut(s, ":")
	if !ok {
		return BibRef{}, fmt.Errorf("parsing bibref %q: missing ':'", s)
	}
	refPart, docPart, ok := strings.Cut(rest, ",")
	if !ok {
		return BibRef{}, fmt.Errorf("parsing bibref %q: missing ','", s)
	}

	kind, err := strconv.Atoi(kindPart)
	if err != nil {
		return BibRef{}, fmt.Errorf("parsing bibref %q kind: %w", s, err)
	}
	if !Kind(kind).Valid() {
		return BibRef{}, fmt.Errorf("parsing bibref %q: unknown kind %d", s, kind)
	}
	ref, err := strconv.ParseInt(refPart, 10, 64)
	if err != nil {
		return BibRef{}, fmt.Errorf("parsing bibref %q ref: %w", s, err)
	}
	doc, err := strconv.ParseInt(docPart, 10, 64)
	if err != nil {
		return BibRef{}, fmt.Errorf("parsing bibref %q doc: %w", s, err)
	}

	return BibRef{Kind: Kind(kind), Ref: ref, Doc: doc}, nil
}

// Mention is an author mention as currently reported by extraction.
type Mention struct {
	Ref         BibRef
	Name        string
	ExternalIDs []string
}

// Status is the review state of a signature.
type Status string

const (
	StatusUndecided Status = "undecided"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
)

// ParseStatus converts a string to a Status, returning an error for unknown values.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusUndecided, "":
		return StatusUndecided, nil
	case StatusConfirmed:
		return StatusConfirmed, nil
	case StatusRejected:
		return StatusRejected, nil
	default:
		return "", fmt.Errorf("unknown status %q (use: undecided, confirmed, rejected)", s)
	}
}

// Signature is a mention attached to a person.
type Signature struct {
	Ref      BibRef
	PersonID int64
	Name     string
	Status   Status
}
