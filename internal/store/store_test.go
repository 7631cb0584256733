package store

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/hurttlocker/bibauthor/internal/bibref"
	"github.com/hurttlocker/bibauthor/internal/reconcile"
)

// newTestStore creates an in-memory store for testing.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewStore(StoreConfig{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func ref(kind bibref.Kind, r, doc int64) bibref.BibRef {
	return bibref.BibRef{Kind: kind, Ref: r, Doc: doc}
}

func mention(kind bibref.Kind, r, doc int64, name string, ext ...string) bibref.Mention {
	return bibref.Mention{Ref: ref(kind, r, doc), Name: name, ExternalIDs: ext}
}

// --- Database Initialization ---

func TestNewStore(t *testing.T) {
	s := newTestStore(t)

	tables := []string{"documents", "mentions", "mention_external_ids", "persons",
		"person_external_ids", "signatures", "meta"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}

	version, err := s.getMetaValue("schema_version")
	if err != nil {
		t.Fatalf("getMetaValue: %v", err)
	}
	if version != SchemaVersion {
		t.Fatalf("schema_version = %q, want %q", version, SchemaVersion)
	}

	done, err := s.isMetaFlagEnabled("status_index_v1")
	if err != nil || !done {
		t.Fatalf("status index migration not recorded: %v", err)
	}
}

func TestVacuum(t *testing.T) {
	s := newTestStore(t)
	if err := s.Vacuum(context.Background()); err != nil {
		t.Fatalf("Vacuum failed: %v", err)
	}
}

func TestNewStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "bib.db")
	ctx := context.Background()

	s, err := NewStore(StoreConfig{DBPath: path})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.UpsertDocument(ctx, Document{ID: 1, Title: "kept"}); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	s.Close()

	s, err = NewStore(StoreConfig{DBPath: path})
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	defer s.Close()

	ids, err := s.DocumentIDs(ctx)
	if err != nil {
		t.Fatalf("DocumentIDs: %v", err)
	}
	if !reflect.DeepEqual(ids, []int64{1}) {
		t.Fatalf("DocumentIDs = %v, want [1]", ids)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.DBSizeBytes == 0 {
		t.Fatal("expected non-zero database size for file store")
	}
}

// --- Documents and mentions ---

func TestUpsertDocumentMentions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := Document{
		ID:    7,
		Title: "On Things",
		Mentions: []bibref.Mention{
			mention(bibref.KindAuthor, 3, 7, "Smith, J.", "orcid:2", "orcid:1"),
			mention(bibref.KindCoauthor, 9, 7, "K. Jones"),
			mention(bibref.KindCoauthor, 4, 7, "L. Brown"),
		},
	}
	if err := s.UpsertDocument(ctx, doc); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	authors, err := s.AuthorRefs(ctx, 7)
	if err != nil {
		t.Fatalf("AuthorRefs: %v", err)
	}
	want := []bibref.Mention{mention(bibref.KindAuthor, 3, 7, "Smith, J.", "orcid:1", "orcid:2")}
	if !reflect.DeepEqual(authors, want) {
		t.Fatalf("AuthorRefs = %+v, want %+v", authors, want)
	}

	coauthors, err := s.CoauthorRefs(ctx, 7)
	if err != nil {
		t.Fatalf("CoauthorRefs: %v", err)
	}
	if len(coauthors) != 2 || coauthors[0].Name != "K. Jones" || coauthors[1].Name != "L. Brown" {
		t.Fatalf("CoauthorRefs should keep extraction order, got %+v", coauthors)
	}

	m, err := s.Mention(ctx, ref(bibref.KindAuthor, 3, 7))
	if err != nil {
		t.Fatalf("Mention: %v", err)
	}
	if !reflect.DeepEqual(m, want[0]) {
		t.Fatalf("Mention = %+v, want %+v", m, want[0])
	}
	if _, err := s.Mention(ctx, ref(bibref.KindAuthor, 99, 7)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Mention(missing) err = %v, want ErrNotFound", err)
	}

	// re-import replaces the mention list
	doc.Mentions = []bibref.Mention{mention(bibref.KindAuthor, 5, 7, "J. Smith")}
	if err := s.UpsertDocument(ctx, doc); err != nil {
		t.Fatalf("re-import: %v", err)
	}
	authors, _ = s.AuthorRefs(ctx, 7)
	coauthors, _ = s.CoauthorRefs(ctx, 7)
	if len(authors) != 1 || authors[0].Ref.Ref != 5 || len(coauthors) != 0 {
		t.Fatalf("re-import left authors=%+v coauthors=%+v", authors, coauthors)
	}
}

func TestMarkDeleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertDocument(ctx, Document{ID: 1, Mentions: []bibref.Mention{mention(bibref.KindAuthor, 1, 1, "A")}}); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	if err := s.MarkDeleted(ctx, 1); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}

	exists, deleted, err := s.DocumentStatus(ctx, 1)
	if err != nil || !exists || !deleted {
		t.Fatalf("DocumentStatus = (%v, %v, %v), want (true, true, nil)", exists, deleted, err)
	}
	authors, _ := s.AuthorRefs(ctx, 1)
	if len(authors) != 0 {
		t.Fatalf("deleted document still has mentions: %+v", authors)
	}

	if err := s.MarkDeleted(ctx, 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkDeleted(unknown) err = %v, want ErrNotFound", err)
	}
	exists, _, err = s.DocumentStatus(ctx, 2)
	if err != nil || exists {
		t.Fatalf("unknown document reported as existing")
	}
}

func TestUnmodifiedSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for id, at := range map[int64]time.Time{1: base, 2: base.Add(time.Hour)} {
		if err := s.UpsertDocument(ctx, Document{ID: id, ModifiedAt: at}); err != nil {
			t.Fatalf("UpsertDocument(%d): %v", id, err)
		}
	}

	refs := []bibref.BibRef{
		ref(bibref.KindAuthor, 1, 1),
		ref(bibref.KindCoauthor, 2, 1),
		ref(bibref.KindAuthor, 1, 2),
		ref(bibref.KindAuthor, 1, 3),
	}
	got, err := s.UnmodifiedSince(ctx, refs, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("UnmodifiedSince: %v", err)
	}
	want := map[bibref.BibRef]struct{}{refs[0]: {}, refs[1]: {}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("UnmodifiedSince = %v, want %v", got, want)
	}

	// modification at exactly since is not "before"
	got, _ = s.UnmodifiedSince(ctx, refs, base)
	if len(got) != 0 {
		t.Fatalf("expected no refs unmodified since %v, got %v", base, got)
	}
}

func TestUnmodifiedSinceChunks(t *testing.T) {
	s, err := NewStore(StoreConfig{DBPath: ":memory:", BatchSize: 2})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	var refs []bibref.BibRef
	for id := int64(1); id <= 5; id++ {
		if err := s.UpsertDocument(ctx, Document{ID: id, ModifiedAt: time.Unix(100, 0)}); err != nil {
			t.Fatalf("UpsertDocument: %v", err)
		}
		refs = append(refs, ref(bibref.KindAuthor, 1, id))
	}
	got, err := s.UnmodifiedSince(ctx, refs, time.Unix(200, 0))
	if err != nil {
		t.Fatalf("UnmodifiedSince: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected all 5 refs across chunks, got %d", len(got))
	}
}

// --- Signatures and persons ---

func TestSignatureLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.CreatePerson(ctx)
	if err != nil {
		t.Fatalf("CreatePerson: %v", err)
	}
	from := ref(bibref.KindAuthor, 1, 10)
	if err := s.AttachSignature(ctx, from, "J Smith", p); err != nil {
		t.Fatalf("AttachSignature: %v", err)
	}
	if err := s.AttachSignature(ctx, from, "J Smith", p); err == nil {
		t.Fatal("expected duplicate signature to fail")
	}
	if err := s.SetSignatureStatus(ctx, from, bibref.StatusConfirmed); err != nil {
		t.Fatalf("SetSignatureStatus: %v", err)
	}

	to := ref(bibref.KindAuthor, 2, 10)
	if err := s.MoveSignature(ctx, from, to, "J. Smith"); err != nil {
		t.Fatalf("MoveSignature: %v", err)
	}
	sigs, err := s.SignaturesOfDocument(ctx, 10)
	if err != nil {
		t.Fatalf("SignaturesOfDocument: %v", err)
	}
	want := []bibref.Signature{{Ref: to, PersonID: p, Name: "J. Smith", Status: bibref.StatusConfirmed}}
	if !reflect.DeepEqual(sigs, want) {
		t.Fatalf("signatures = %+v, want %+v", sigs, want)
	}
	if err := s.MoveSignature(ctx, from, to, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MoveSignature(missing) err = %v, want ErrNotFound", err)
	}

	buckets, err := s.Buckets(ctx)
	if err != nil {
		t.Fatalf("Buckets: %v", err)
	}
	if !reflect.DeepEqual(buckets, []string{"smith"}) {
		t.Fatalf("Buckets = %v, want [smith]", buckets)
	}

	if err := s.DetachSignatures(ctx, []bibref.BibRef{to, from}); err != nil {
		t.Fatalf("DetachSignatures: %v", err)
	}
	n, err := s.DeleteEmptyPersons(ctx)
	if err != nil {
		t.Fatalf("DeleteEmptyPersons: %v", err)
	}
	if n != 1 {
		t.Fatalf("DeleteEmptyPersons removed %d, want 1", n)
	}
}

func TestRefreshPersons(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docs := []Document{
		{ID: 1, Mentions: []bibref.Mention{mention(bibref.KindAuthor, 1, 1, "J. Smith", "orcid:1")}},
		{ID: 2, Mentions: []bibref.Mention{mention(bibref.KindAuthor, 1, 2, "John Smith")}},
		{ID: 3, Mentions: []bibref.Mention{mention(bibref.KindAuthor, 1, 3, "John Smith", "orcid:9")}},
	}
	for _, d := range docs {
		if err := s.UpsertDocument(ctx, d); err != nil {
			t.Fatalf("UpsertDocument: %v", err)
		}
	}
	p, _ := s.CreatePerson(ctx)
	for _, d := range docs {
		m := d.Mentions[0]
		if err := s.AttachSignature(ctx, m.Ref, m.Name, p); err != nil {
			t.Fatalf("AttachSignature: %v", err)
		}
	}
	if err := s.SetSignatureStatus(ctx, docs[2].Mentions[0].Ref, bibref.StatusRejected); err != nil {
		t.Fatalf("SetSignatureStatus: %v", err)
	}

	if err := s.RefreshPersons(ctx, nil); err != nil {
		t.Fatalf("RefreshPersons: %v", err)
	}

	persons, err := s.Persons(ctx)
	if err != nil {
		t.Fatalf("Persons: %v", err)
	}
	want := []Person{{ID: p, CanonicalName: "J. Smith", ExternalIDs: []string{"orcid:1"}, Signatures: 3}}
	if !reflect.DeepEqual(persons, want) {
		t.Fatalf("Persons = %+v, want %+v", persons, want)
	}

	got, ok, err := s.PersonByExternalID(ctx, "orcid:1")
	if err != nil || !ok || got != p {
		t.Fatalf("PersonByExternalID = (%d, %v, %v), want (%d, true, nil)", got, ok, err, p)
	}
	if _, ok, _ := s.PersonByExternalID(ctx, "orcid:9"); ok {
		t.Fatal("external id of a rejected signature must not identify the person")
	}

	q, _ := s.CreatePerson(ctx)
	if _, err := s.q.ExecContext(ctx, `UPDATE persons SET canonical_name = 'John Smith' WHERE id = ?`, q); err != nil {
		t.Fatalf("renaming person: %v", err)
	}
	ids, err := s.PersonsByExactName(ctx, "John Smith")
	if err != nil {
		t.Fatalf("PersonsByExactName: %v", err)
	}
	if !reflect.DeepEqual(ids, []int64{p, q}) {
		t.Fatalf("PersonsByExactName = %v, want [%d %d]", ids, p, q)
	}
}

func TestClusterSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.CreatePerson(ctx)
	b, _ := s.CreatePerson(ctx)
	attach := func(r bibref.BibRef, name string, person int64) {
		t.Helper()
		if err := s.AttachSignature(ctx, r, name, person); err != nil {
			t.Fatalf("AttachSignature: %v", err)
		}
	}
	attach(ref(bibref.KindAuthor, 1, 1), "J. Smith", a)
	attach(ref(bibref.KindAuthor, 1, 2), "John Smith", a)
	attach(ref(bibref.KindCoauthor, 4, 3), "Smith, J.", a)
	attach(ref(bibref.KindAuthor, 1, 4), "K. Smith", b)
	attach(ref(bibref.KindAuthor, 1, 5), "K. Jones", b)
	if err := s.SetSignatureStatus(ctx, ref(bibref.KindCoauthor, 4, 3), bibref.StatusRejected); err != nil {
		t.Fatalf("SetSignatureStatus: %v", err)
	}

	set, err := s.ClusterSet(ctx, "smith")
	if err != nil {
		t.Fatalf("ClusterSet: %v", err)
	}
	if set.Len() != 3 {
		t.Fatalf("expected 3 clusters, got %d", set.Len())
	}
	clusters := set.Clusters()
	if len(clusters[0].Refs) != 2 || len(clusters[1].Refs) != 1 || len(clusters[2].Refs) != 1 {
		t.Fatalf("unexpected cluster shapes: %+v", clusters)
	}
	if !set.Hates(0, 1) || set.Hates(0, 2) || set.Hates(1, 2) {
		t.Fatal("rejected signature must hate only its own person's cluster")
	}
	if len(set.Universe()) != 4 {
		t.Fatalf("expected 4 refs in bucket smith, got %d", len(set.Universe()))
	}
}

func TestAtomicRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Atomic(ctx, 1, func(tx reconcile.SignatureStore) error {
		p, err := tx.CreatePerson(ctx)
		if err != nil {
			return err
		}
		if err := tx.AttachSignature(ctx, ref(bibref.KindAuthor, 1, 1), "A", p); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Atomic err = %v, want boom", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Persons != 0 || stats.Signatures != 0 {
		t.Fatalf("rolled back work is visible: %+v", stats)
	}
}

// --- Reconciliation over SQLite ---

func TestReconcileOverSQLite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docs := []Document{
		{ID: 1, Mentions: []bibref.Mention{
			mention(bibref.KindAuthor, 1, 1, "J Smith", "orcid:1"),
			mention(bibref.KindCoauthor, 1, 1, "K. Jones"),
		}},
		{ID: 2, Mentions: []bibref.Mention{mention(bibref.KindAuthor, 1, 2, "Jane Doe", "orcid:1")}},
		{ID: 3, Mentions: []bibref.Mention{mention(bibref.KindAuthor, 1, 3, "K. Jones")}},
	}
	for _, d := range docs {
		if err := s.UpsertDocument(ctx, d); err != nil {
			t.Fatalf("UpsertDocument: %v", err)
		}
	}

	r := reconcile.New(reconcile.NewCachedStore(s))
	report, err := r.Run(ctx, []int64{1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Created != 2 {
		t.Fatalf("expected 2 persons created, got %+v", report)
	}

	// later documents find persons by external id and by exact name
	report, err = r.Run(ctx, []int64{2, 3})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.ByExternalID != 1 || report.ByName != 1 || report.Created != 0 {
		t.Fatalf("unexpected fallback counts: %+v", report)
	}

	smith := ref(bibref.KindAuthor, 1, 1)
	if err := s.SetSignatureStatus(ctx, smith, bibref.StatusConfirmed); err != nil {
		t.Fatalf("SetSignatureStatus: %v", err)
	}
	before, _ := s.SignaturesOfDocument(ctx, 1)

	// re-extraction renumbers the mention and tweaks its spelling
	docs[0].Mentions[0] = mention(bibref.KindAuthor, 2, 1, "J. Smith", "orcid:1")
	if err := s.UpsertDocument(ctx, docs[0]); err != nil {
		t.Fatalf("re-import: %v", err)
	}
	report, err = reconcile.New(s).Run(ctx, []int64{1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Matched != 1 || report.Unchanged != 1 {
		t.Fatalf("expected one re-pointed signature, got %+v", report)
	}

	after, _ := s.SignaturesOfDocument(ctx, 1)
	var moved bibref.Signature
	for _, sig := range after {
		if sig.Ref == ref(bibref.KindAuthor, 2, 1) {
			moved = sig
		}
	}
	if moved.PersonID != before[0].PersonID || moved.Status != bibref.StatusConfirmed || moved.Name != "J. Smith" {
		t.Fatalf("moved signature = %+v, want person %d confirmed", moved, before[0].PersonID)
	}

	// deleting the document frees its persons that sign nowhere else
	if err := s.MarkDeleted(ctx, 1); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}
	report, err = reconcile.New(s).Run(ctx, []int64{1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Deleted != 2 {
		t.Fatalf("expected 2 detached signatures, got %+v", report)
	}
	if report.PersonsRemoved != 0 {
		t.Fatalf("persons still signed on documents 2 and 3 were removed: %+v", report)
	}
}
