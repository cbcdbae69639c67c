package usecase

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/user/portal-ingest/internal/entity"
	"github.com/user/portal-ingest/pkg/config"
)

func TestMovedFileIsRecrawledAndRediscovered(t *testing.T) {
	h := newHarness(t, []config.CategoryConfig{initiativesCategory}, []config.SchemaConfig{initiativesSchemaConfig}, nil)
	ctx := context.Background()

	h.portal.setPage(initiativesPage, listingHTML([3]string{"/files/Ini2024.xml?v=1", "Iniciativas XV", ""}))
	h.portal.setFile("/files/Ini2024.xml?v=1", http.StatusNotFound, "")

	if _, err := h.discovery.Run(ctx, DiscoveryOptions{}); err != nil {
		t.Fatal(err)
	}
	files := h.all(t)
	if len(files) != 1 {
		t.Fatalf("got %d records after discovery, want 1", len(files))
	}
	id := files[0].ID

	report, err := h.download.Run(ctx, documentsOnly)
	if err != nil {
		t.Fatal(err)
	}
	if report.Moved != 1 {
		t.Fatalf("report = %+v, want one moved file", report)
	}
	f := h.mustGet(t, id)
	if f.Status != entity.StatusRecrawl || f.RecrawlCount != 1 || f.ErrorCount != 0 {
		t.Fatalf("after 404: status=%s recrawl_count=%d error_count=%d", f.Status, f.RecrawlCount, f.ErrorCount)
	}

	// The portal moved the file and the listing now links the new URL under the same text.
	h.portal.setPage(initiativesPage, listingHTML([3]string{"/files/Ini2025.xml?v=7", "Iniciativas XV", ""}))
	dr, err := h.discovery.Run(ctx, DiscoveryOptions{Recrawl: true})
	if err != nil {
		t.Fatal(err)
	}
	if dr.Repaired != 1 {
		t.Errorf("discovery report = %+v, want one repair", dr)
	}

	f = h.mustGet(t, id)
	if f.Status != entity.StatusDiscovered || f.FileURL != h.portal.url("/files/Ini2025.xml?v=7") {
		t.Fatalf("after recrawl: status=%s url=%s", f.Status, f.FileURL)
	}
	if f.RecrawlCount != 1 {
		t.Errorf("recrawl_count = %d, want 1", f.RecrawlCount)
	}
	if n := len(h.all(t)); n != 1 {
		t.Errorf("got %d records, want the moved record only", n)
	}
}

func TestRecrawlRepairRequiresExactAnchorText(t *testing.T) {
	h := newHarness(t, []config.CategoryConfig{initiativesCategory}, nil, nil)
	ctx := context.Background()

	h.portal.setPage(initiativesPage, listingHTML([3]string{"/files/Ini2024.xml", "Iniciativas XV", ""}))
	h.discovery.Run(ctx, DiscoveryOptions{})
	h.download.Run(ctx, documentsOnly)

	h.portal.setPage(initiativesPage, listingHTML([3]string{"/files/Ini2025.xml", "Iniciativas XVI", ""}))
	if _, err := h.discovery.Run(ctx, DiscoveryOptions{Recrawl: true}); err != nil {
		t.Fatal(err)
	}

	old, err := h.repo.GetByURL(ctx, h.portal.url("/files/Ini2024.xml"))
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != entity.StatusRecrawl {
		t.Errorf("status = %s, want recrawl without an exact anchor match", old.Status)
	}
}

func TestRecrawlRepairFollowsAnchorTextAcrossURLShapes(t *testing.T) {
	h := newHarness(t, []config.CategoryConfig{initiativesCategory}, nil, nil)
	ctx := context.Background()

	const oldURI = "/docs/doc.xml?path=abcDEF&fich=IniciativasXV.xml"
	const newURI = "/docs/doc.xml?path=qrsTUV&fich=IniciativasXV.xml"
	h.portal.setPage(initiativesPage, listingHTML([3]string{"/docs/doc.xml?path=abcDEF&amp;fich=IniciativasXV.xml", "Iniciativas XV", ""}))
	h.discovery.Run(ctx, DiscoveryOptions{})
	h.download.Run(ctx, documentsOnly)
	old, err := h.repo.GetByURL(ctx, h.portal.url(oldURI))
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != entity.StatusRecrawl {
		t.Fatalf("status = %s, want recrawl after 404", old.Status)
	}

	h.portal.setPage(initiativesPage, listingHTML([3]string{"/docs/doc.xml?path=qrsTUV&amp;fich=IniciativasXV.xml", "Iniciativas XV", ""}))
	dr, err := h.discovery.Run(ctx, DiscoveryOptions{Recrawl: true})
	if err != nil {
		t.Fatal(err)
	}
	if dr.Repaired != 1 {
		t.Errorf("discovery report = %+v, want one repair", dr)
	}
	f := h.mustGet(t, old.ID)
	if f.Status != entity.StatusDiscovered || f.FileURL != h.portal.url(newURI) {
		t.Fatalf("after recrawl: status=%s url=%s", f.Status, f.FileURL)
	}
	if n := len(h.all(t)); n != 1 {
		t.Errorf("got %d records, want the moved record only", n)
	}
}

func TestRecrawlRepairUsesURLPatternToBreakTies(t *testing.T) {
	tests := []struct {
		name    string
		rows    [][3]string
		wantURI string
	}{
		{
			name: "one candidate matches the pattern",
			rows: [][3]string{
				{"/outros/IniXV.xml", "Iniciativas XV", ""},
				{"/files/Ini2025.xml", "Iniciativas XV", ""},
			},
			wantURI: "/files/Ini2025.xml",
		},
		{
			name: "several candidates match the pattern",
			rows: [][3]string{
				{"/files/Ini2025.xml", "Iniciativas XV", ""},
				{"/files/Ini2026.xml", "Iniciativas XV", ""},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, []config.CategoryConfig{initiativesCategory}, nil, nil)
			ctx := context.Background()

			h.portal.setPage(initiativesPage, listingHTML([3]string{"/files/Ini2024.xml", "Iniciativas XV", ""}))
			h.discovery.Run(ctx, DiscoveryOptions{})
			h.download.Run(ctx, documentsOnly)
			old, err := h.repo.GetByURL(ctx, h.portal.url("/files/Ini2024.xml"))
			if err != nil {
				t.Fatal(err)
			}

			h.portal.setPage(initiativesPage, listingHTML(tt.rows...))
			if _, err := h.discovery.Run(ctx, DiscoveryOptions{Recrawl: true}); err != nil {
				t.Fatal(err)
			}
			f := h.mustGet(t, old.ID)
			if tt.wantURI == "" {
				if f.Status != entity.StatusRecrawl || f.FileURL != h.portal.url("/files/Ini2024.xml") {
					t.Errorf("ambiguous repair applied: status=%s url=%s", f.Status, f.FileURL)
				}
				return
			}
			if f.Status != entity.StatusDiscovered || f.FileURL != h.portal.url(tt.wantURI) {
				t.Errorf("status=%s url=%s, want discovered at %s", f.Status, f.FileURL, tt.wantURI)
			}
		})
	}
}

func TestImportedFileStaysCompletedOnUnchangedListing(t *testing.T) {
	h := newHarness(t, []config.CategoryConfig{initiativesCategory}, []config.SchemaConfig{initiativesSchemaConfig}, nil)
	ctx := context.Background()

	h.portal.setPage(initiativesPage, listingHTML([3]string{"/files/Ini.xml", "Iniciativas", ""}))
	h.portal.setFile("/files/Ini.xml", http.StatusOK, initiativesXMLWith(42))

	h.discovery.Run(ctx, DiscoveryOptions{})
	if _, err := h.download.Run(ctx, documentsOnly); err != nil {
		t.Fatal(err)
	}
	f := h.all(t)[0]
	if f.Status != entity.StatusPending || f.ContentHash == "" || f.EntityTag == "" {
		t.Fatalf("after download: %+v", f)
	}
	hash := f.ContentHash

	if _, err := h.importer.Run(ctx, ImportOptions{BatchSize: 5}); err != nil {
		t.Fatal(err)
	}
	f = h.mustGet(t, f.ID)
	if f.Status != entity.StatusCompleted || f.RecordsImported == nil || *f.RecordsImported != 42 || f.ErrorMessage != "" {
		t.Fatalf("after import: status=%s records=%v err=%q", f.Status, f.RecordsImported, f.ErrorMessage)
	}

	for _, opts := range []DiscoveryOptions{{}, {NoCache: true}} {
		if _, err := h.discovery.Run(ctx, opts); err != nil {
			t.Fatal(err)
		}
		files := h.all(t)
		if len(files) != 1 {
			t.Fatalf("got %d records, want 1", len(files))
		}
		if files[0].Status != entity.StatusCompleted || files[0].ContentHash != hash {
			t.Fatalf("after rediscovery (%+v): status=%s", opts, files[0].Status)
		}
	}
}

func TestForceReimportIsIdempotent(t *testing.T) {
	h := newHarness(t, []config.CategoryConfig{initiativesCategory}, []config.SchemaConfig{initiativesSchemaConfig}, nil)
	ctx := context.Background()
	f := h.seedPending(t, "https://portal.example.org/files/Ini.xml", "initiatives", initiativesXMLWith(42))

	if _, err := h.importer.Run(ctx, ImportOptions{}); err != nil {
		t.Fatal(err)
	}
	first := *h.mustGet(t, f.ID).RecordsImported

	report, err := h.importer.Run(ctx, ImportOptions{ForceReimport: true})
	if err != nil {
		t.Fatal(err)
	}
	if report.Completed != 1 {
		t.Fatalf("report = %+v, want one reimported file", report)
	}
	again := h.mustGet(t, f.ID)
	if again.Status != entity.StatusCompleted || *again.RecordsImported != first || first != 42 {
		t.Errorf("reimport: status=%s records=%d first=%d", again.Status, *again.RecordsImported, first)
	}
	if n := h.sink.Count("initiative"); n != 42 {
		t.Errorf("sink holds %d initiatives, want 42", n)
	}

	// Without the flag completed records are left alone.
	report, _ = h.importer.Run(ctx, ImportOptions{})
	if report.Completed != 0 {
		t.Errorf("plain run reimported %d files", report.Completed)
	}
}

func TestSchemaMismatchIsNotRetried(t *testing.T) {
	h := newHarness(t, []config.CategoryConfig{initiativesCategory}, []config.SchemaConfig{initiativesSchemaConfig}, nil)
	ctx := context.Background()
	f := h.seedPending(t, "https://portal.example.org/files/Ini.xml", "initiatives",
		`<ArrayOfIniciativa><Outro/></ArrayOfIniciativa>`)

	if _, err := h.importer.Run(ctx, ImportOptions{}); err != nil {
		t.Fatal(err)
	}
	got := h.mustGet(t, f.ID)
	if got.Status != entity.StatusSchemaMismatch {
		t.Fatalf("status = %s, want schema_mismatch", got.Status)
	}
	if len(got.SchemaIssues) != 1 || got.SchemaIssues[0].Element != "Iniciativas" || got.SchemaIssues[0].Kind != entity.IssueMissingElement {
		t.Fatalf("schema_issues = %+v", got.SchemaIssues)
	}
	if got.ErrorMessage == "" || got.RecordsImported != nil {
		t.Errorf("error_message=%q records_imported=%v", got.ErrorMessage, got.RecordsImported)
	}

	h.download.Run(ctx, documentsOnly)
	report, err := h.importer.Run(ctx, ImportOptions{})
	if err != nil {
		t.Fatal(err)
	}
	after := h.mustGet(t, f.ID)
	if report.SchemaMismatches != 0 || after.Status != entity.StatusSchemaMismatch || !after.UpdatedAt.Equal(got.UpdatedAt) {
		t.Errorf("automatic run touched the record: report=%+v status=%s", report, after.Status)
	}
}

func TestImportNeverStartsDownstreamEarly(t *testing.T) {
	schemas := []config.SchemaConfig{
		{Category: "base", Kind: "deputy", Root: "Deputados", RecordPath: "Deputado", Key: "Id"},
		{
			Category: "activities", Kind: "activity", Root: "Atividades", RecordPath: "Atividade", Key: "Id",
			Fields:     []config.FieldConfig{{Source: "Autor", Target: "author", Required: true}},
			References: []config.ReferenceConfig{{Field: "author", Kind: "deputy"}},
		},
		{
			Category: "crossrefs", Kind: "crossref", Root: "Refs", RecordPath: "Ref", Key: "Id",
			Fields:     []config.FieldConfig{{Source: "Atividade", Target: "activity", Required: true}},
			References: []config.ReferenceConfig{{Field: "activity", Kind: "activity"}},
		},
	}
	order := []string{"base", "activities", "crossrefs"}
	h := newHarness(t, nil, schemas, order)
	ctx := context.Background()

	// Seeded downstream first so discovery order alone would import them too early.
	cross := h.seedPending(t, "https://p/refs.xml", "crossrefs", `<Refs><Ref><Id>r1</Id><Atividade>a1</Atividade></Ref></Refs>`)
	act := h.seedPending(t, "https://p/act.xml", "activities", `<Atividades><Atividade><Id>a1</Id><Autor>d1</Autor></Atividade></Atividades>`)
	base := h.seedPending(t, "https://p/dep.xml", "base", `<Deputados><Deputado><Id>d1</Id></Deputado></Deputados>`)
	late, _, _ := h.repo.UpsertDiscovered(ctx, &entity.DiscoveredFile{FileURL: "https://p/dep2.xml", FileType: entity.FileTypeDocument, Category: "base"})

	_, err := h.importer.Run(ctx, ImportOptions{})
	if !errors.Is(err, ErrCategoryBlocked) {
		t.Fatalf("err = %v, want ErrCategoryBlocked", err)
	}
	if got := h.mustGet(t, base.ID).Status; got != entity.StatusCompleted {
		t.Errorf("base status = %s, want completed", got)
	}
	for _, id := range []int64{act.ID, cross.ID} {
		f := h.mustGet(t, id)
		if f.Status != entity.StatusPending || f.ProcessingStartedAt != nil {
			t.Fatalf("downstream record %d (%s) was claimed while base is unfinished", id, f.Category)
		}
	}

	if _, err := h.repo.Transition(ctx, late.ID, entity.StatusDiscovered, entity.StatusSkipped, nil); err != nil {
		t.Fatal(err)
	}
	report, err := h.importer.Run(ctx, ImportOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Completed != 2 || report.ImportErrors != 0 {
		t.Fatalf("report = %+v, want both downstream files completed", report)
	}
	for _, id := range []int64{act.ID, cross.ID} {
		if f := h.mustGet(t, id); f.Status != entity.StatusCompleted {
			t.Errorf("record %d: status=%s err=%q", id, f.Status, f.ErrorMessage)
		}
	}
}

func TestImportRunsCategoriesInDependencyOrder(t *testing.T) {
	schemas := []config.SchemaConfig{
		{Category: "base", Kind: "deputy", Root: "D", RecordPath: "R", Key: "Id"},
		{Category: "activities", Kind: "activity", Root: "D", RecordPath: "R", Key: "Id"},
		{Category: "crossrefs", Kind: "crossref", Root: "D", RecordPath: "R", Key: "Id"},
	}
	h := newHarness(t, nil, schemas, []string{"base", "activities", "crossrefs"})
	ctx := context.Background()

	doc := `<D><R><Id>1</Id></R></D>`
	var ids []int64
	for i, cat := range []string{"crossrefs", "activities", "base", "crossrefs", "base", "activities"} {
		ids = append(ids, h.seedPending(t, "https://p/"+cat+string(rune('a'+i))+".xml", cat, doc).ID)
	}

	if _, err := h.importer.Run(ctx, ImportOptions{BatchSize: 1}); err != nil {
		t.Fatal(err)
	}

	rank := map[string]int{"base": 0, "activities": 1, "crossrefs": 2}
	files := make([]*entity.TrackedFile, 0, len(ids))
	for _, id := range ids {
		files = append(files, h.mustGet(t, id))
	}
	for _, a := range files {
		for _, b := range files {
			if rank[a.Category] < rank[b.Category] && !a.ProcessingCompletedAt.Before(*b.ProcessingStartedAt) &&
				!a.ProcessingCompletedAt.Equal(*b.ProcessingStartedAt) {
				t.Errorf("%s record %d finished after %s record %d started", a.Category, a.ID, b.Category, b.ID)
			}
		}
	}
}
