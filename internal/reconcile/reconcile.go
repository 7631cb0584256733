// Package reconcile keeps a document's signatures in step with what
// extraction currently reports for it.
//
// For each document the reconciler diffs current mentions against stored
// signatures, re-points vacated signatures to renamed mentions through an
// optimal assignment on name similarity, detaches what no longer exists, and
// places every remaining mention on a person: by external id, by exact name,
// or on a freshly created person.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/hurttlocker/bibauthor/internal/assign"
	"github.com/hurttlocker/bibauthor/internal/bibref"
	"github.com/hurttlocker/bibauthor/internal/logging"
	"github.com/hurttlocker/bibauthor/internal/namesim"
)

const (
	// DefaultThreshold is the name similarity a re-pointing must exceed.
	DefaultThreshold = 0.80

	// DefaultMemoLimit clears the name memo between documents once it holds
	// this many pairs.
	DefaultMemoLimit = 100_000
)

// ErrMalformedDocument marks a document that is skipped rather than reconciled.
var ErrMalformedDocument = errors.New("malformed document")

// PendingAssignment pairs a new mention with the signature slot it takes over.
type PendingAssignment struct {
	New   bibref.Mention
	Old   bibref.Signature
	Score float64
}

// Diagnostic records why a document was skipped or failed.
type Diagnostic struct {
	Doc     int64  `json:"doc"`
	Outcome string `json:"outcome"` // "skipped" or "failed"
	Message string `json:"message"`
}

// Report holds the counters of one batch.
type Report struct {
	RunID          string       `json:"run_id"`
	Documents      int          `json:"documents"`
	Unchanged      int          `json:"unchanged"`
	Matched        int          `json:"matched"`
	Detached       int          `json:"detached"`
	ByExternalID   int          `json:"by_external_id"`
	ByName         int          `json:"by_name"`
	Created        int          `json:"created"`
	Deleted        int          `json:"deleted"`
	Skipped        int          `json:"skipped"`
	Failed         int          `json:"failed"`
	PersonsRemoved int          `json:"persons_removed"`
	Diagnostics    []Diagnostic `json:"diagnostics,omitempty"`
}

type docResult struct {
	unchanged, matched, detached, byExternalID, byName, created, deleted int
	touched                                                              []int64
}

func (r *Report) add(d docResult) {
	r.Unchanged += d.unchanged
	r.Matched += d.matched
	r.Detached += d.detached
	r.ByExternalID += d.byExternalID
	r.ByName += d.byName
	r.Created += d.created
	r.Deleted += d.deleted
}

// Reconciler processes documents one after another.
type Reconciler struct {
	store     SignatureStore
	memo      *namesim.Memo
	memoLimit int
	threshold float64
	logger    *logging.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithThreshold sets the similarity a re-pointing must exceed.
func WithThreshold(t float64) Option { return func(r *Reconciler) { r.threshold = t } }

// WithMemo shares a name memo with the reconciler.
func WithMemo(m *namesim.Memo) Option {
	return func(r *Reconciler) {
		if m != nil {
			r.memo = m
		}
	}
}

// WithMemoLimit sets the memo size that triggers a clear between documents.
func WithMemoLimit(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.memoLimit = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a reconciler over store.
func New(store SignatureStore, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:     store,
		memo:      namesim.NewMemo(),
		memoLimit: DefaultMemoLimit,
		threshold: DefaultThreshold,
		logger:    logging.Noop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run reconciles docs in order. A malformed document is skipped and a storage
// failure aborts only its own document; both are reported as diagnostics.
// Afterwards touched persons are refreshed and empty persons deleted.
func (r *Reconciler) Run(ctx context.Context, docs []int64) (*Report, error) {
	report := &Report{RunID: uuid.NewString()}
	log := r.logger.WithRun(report.RunID)
	touched := make(map[int64]struct{})

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Documents++

		var res docResult
		err := r.store.Atomic(ctx, doc, func(s SignatureStore) error {
			var err error
			res, err = r.reconcileDocument(ctx, s, doc)
			return err
		})
		switch {
		case errors.Is(err, ErrMalformedDocument):
			report.Skipped++
			report.Diagnostics = append(report.Diagnostics, Diagnostic{Doc: doc, Outcome: "skipped", Message: err.Error()})
			log.LogDocument(ctx, doc, "skipped", err)
		case err != nil:
			report.Failed++
			report.Diagnostics = append(report.Diagnostics, Diagnostic{Doc: doc, Outcome: "failed", Message: err.Error()})
			log.LogDocument(ctx, doc, "failed", err)
		default:
			report.add(res)
			for _, p := range res.touched {
				touched[p] = struct{}{}
			}
			log.LogDocument(ctx, doc, "reconciled", nil)
		}

		if r.memo.Len() > r.memoLimit {
			r.memo.Clear()
		}
	}

	var ids []int64
	if len(touched) > 0 {
		ids = make([]int64, 0, len(touched))
		for p := range touched {
			ids = append(ids, p)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	if err := r.store.RefreshPersons(ctx, ids); err != nil {
		return report, fmt.Errorf("refreshing persons: %w", err)
	}
	removed, err := r.store.DeleteEmptyPersons(ctx)
	if err != nil {
		return report, fmt.Errorf("deleting empty persons: %w", err)
	}
	report.PersonsRemoved = removed

	r.memo.Clear()
	log.LogBatch(ctx, report.Documents, report.Failed, report.Skipped)
	return report, nil
}

func (r *Reconciler) reconcileDocument(ctx context.Context, s SignatureStore, doc int64) (docResult, error) {
	var res docResult

	exists, deleted, err := s.DocumentStatus(ctx, doc)
	if err != nil {
		return res, fmt.Errorf("reading document %d: %w", doc, err)
	}
	if !exists {
		return res, fmt.Errorf("%w: document %d not found", ErrMalformedDocument, doc)
	}

	stored, err := s.SignaturesOfDocument(ctx, doc)
	if err != nil {
		return res, fmt.Errorf("reading signatures of %d: %w", doc, err)
	}

	if deleted {
		if len(stored) == 0 {
			return res, nil
		}
		refs := make([]bibref.BibRef, len(stored))
		for i, sig := range stored {
			refs[i] = sig.Ref
			res.touched = append(res.touched, sig.PersonID)
		}
		if err := s.DetachSignatures(ctx, refs); err != nil {
			return res, fmt.Errorf("detaching signatures of deleted %d: %w", doc, err)
		}
		res.deleted = len(refs)
		return res, nil
	}

	current, err := currentMentions(ctx, s, doc)
	if err != nil {
		return res, err
	}

	currentRefs := make(map[bibref.BibRef]struct{}, len(current))
	for _, m := range current {
		currentRefs[m.Ref] = struct{}{}
	}
	storedRefs := make(map[bibref.BibRef]struct{}, len(stored))
	onDoc := make(map[int64]struct{})
	var oldSigs []bibref.Signature
	for _, sig := range stored {
		storedRefs[sig.Ref] = struct{}{}
		if _, ok := currentRefs[sig.Ref]; ok {
			onDoc[sig.PersonID] = struct{}{}
			res.unchanged++
			continue
		}
		oldSigs = append(oldSigs, sig)
	}
	var newRefs []bibref.Mention
	for _, m := range current {
		if _, ok := storedRefs[m.Ref]; !ok {
			newRefs = append(newRefs, m)
		}
	}

	pending, err := r.pair(newRefs, oldSigs)
	if err != nil {
		return res, err
	}

	placed := make(map[bibref.BibRef]struct{}, len(pending))
	vacated := make(map[bibref.BibRef]struct{}, len(pending))
	for _, p := range pending {
		if err := s.MoveSignature(ctx, p.Old.Ref, p.New.Ref, p.New.Name); err != nil {
			return res, fmt.Errorf("moving signature %s to %s: %w", p.Old.Ref, p.New.Ref, err)
		}
		placed[p.New.Ref] = struct{}{}
		vacated[p.Old.Ref] = struct{}{}
		onDoc[p.Old.PersonID] = struct{}{}
		res.touched = append(res.touched, p.Old.PersonID)
		res.matched++
	}

	var detach []bibref.BibRef
	for _, sig := range oldSigs {
		if _, ok := vacated[sig.Ref]; ok {
			continue
		}
		detach = append(detach, sig.Ref)
		res.touched = append(res.touched, sig.PersonID)
	}
	if len(detach) > 0 {
		if err := s.DetachSignatures(ctx, detach); err != nil {
			return res, fmt.Errorf("detaching stale signatures: %w", err)
		}
		res.detached = len(detach)
	}

	for _, m := range newRefs {
		if _, ok := placed[m.Ref]; ok {
			continue
		}
		person, how, err := r.place(ctx, s, m, onDoc)
		if err != nil {
			return res, err
		}
		if err := s.AttachSignature(ctx, m.Ref, m.Name, person); err != nil {
			return res, fmt.Errorf("attaching %s to person %d: %w", m.Ref, person, err)
		}
		onDoc[person] = struct{}{}
		res.touched = append(res.touched, person)
		switch how {
		case placedByExternalID:
			res.byExternalID++
		case placedByName:
			res.byName++
		default:
			res.created++
		}
	}

	return res, nil
}

// currentMentions reads and validates what extraction reports for doc.
func currentMentions(ctx context.Context, s SignatureStore, doc int64) ([]bibref.Mention, error) {
	authors, err := s.AuthorRefs(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("reading author refs of %d: %w", doc, err)
	}
	coauthors, err := s.CoauthorRefs(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("reading coauthor refs of %d: %w", doc, err)
	}

	seen := make(map[bibref.BibRef]struct{}, len(authors)+len(coauthors))
	check := func(m bibref.Mention, kind bibref.Kind) error {
		switch {
		case m.Ref.Doc != doc:
			return fmt.Errorf("%w: mention %s belongs to document %d", ErrMalformedDocument, m.Ref, m.Ref.Doc)
		case m.Ref.Kind != kind:
			return fmt.Errorf("%w: mention %s listed as %s", ErrMalformedDocument, m.Ref, kind)
		case strings.TrimSpace(m.Name) == "":
			return fmt.Errorf("%w: mention %s has no name", ErrMalformedDocument, m.Ref)
		}
		if _, dup := seen[m.Ref]; dup {
			return fmt.Errorf("%w: mention %s repeated", ErrMalformedDocument, m.Ref)
		}
		seen[m.Ref] = struct{}{}
		return nil
	}

	current := make([]bibref.Mention, 0, len(authors)+len(coauthors))
	for _, m := range authors {
		if err := check(m, bibref.KindAuthor); err != nil {
			return nil, err
		}
		current = append(current, m)
	}
	for _, m := range coauthors {
		if err := check(m, bibref.KindCoauthor); err != nil {
			return nil, err
		}
		current = append(current, m)
	}
	return current, nil
}

// pair matches new mentions to vacated signatures by name similarity and
// keeps the pairs scoring above the threshold.
func (r *Reconciler) pair(newRefs []bibref.Mention, oldSigs []bibref.Signature) ([]PendingAssignment, error) {
	if len(newRefs) == 0 || len(oldSigs) == 0 {
		return nil, nil
	}

	scores := make([][]float64, len(newRefs))
	for i, n := range newRefs {
		scores[i] = make([]float64, len(oldSigs))
		for j, o := range oldSigs {
			scores[i][j] = r.memo.Similarity(n.Name, o.Name)
		}
	}

	matches, err := assign.Solve(scores)
	if err != nil {
		return nil, fmt.Errorf("assigning renamed mentions: %w", err)
	}

	var out []PendingAssignment
	for _, a := range matches {
		if a.Score > r.threshold {
			out = append(out, PendingAssignment{New: newRefs[a.Row], Old: oldSigs[a.Col], Score: a.Score})
		}
	}
	return out, nil
}

type placement int

const (
	placedByExternalID placement = iota
	placedByName
	placedNew
)

// place picks the person for an unmatched mention. Exact-name candidates
// are tried in ascending person id order; persons already signed on the
// document are never chosen.
func (r *Reconciler) place(ctx context.Context, s SignatureStore, m bibref.Mention, onDoc map[int64]struct{}) (int64, placement, error) {
	for _, id := range m.ExternalIDs {
		person, ok, err := s.PersonByExternalID(ctx, id)
		if err != nil {
			return 0, 0, fmt.Errorf("looking up external id %q: %w", id, err)
		}
		if !ok {
			continue
		}
		if _, taken := onDoc[person]; !taken {
			return person, placedByExternalID, nil
		}
	}

	candidates, err := s.PersonsByExactName(ctx, m.Name)
	if err != nil {
		return 0, 0, fmt.Errorf("looking up persons named %q: %w", m.Name, err)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	for _, person := range candidates {
		if _, taken := onDoc[person]; !taken {
			return person, placedByName, nil
		}
	}

	person, err := s.CreatePerson(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("creating person: %w", err)
	}
	return person, placedNew, nil
}
