package review

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dvloznov/finance-intake/internal/aggregate"
	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/lifecycle"
	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNotion keeps pages in memory and answers Item ID equality queries.
type fakeNotion struct {
	pages   map[string]notionapi.Properties
	created int
	updated int
}

func newFakeNotion() *fakeNotion {
	return &fakeNotion{pages: make(map[string]notionapi.Properties)}
}

func itemID(props notionapi.Properties) string {
	p, ok := props[propItemID].(notionapi.RichTextProperty)
	if !ok || len(p.RichText) == 0 {
		return ""
	}
	return p.RichText[0].Text.Content
}

func selectName(props notionapi.Properties, name string) string {
	p, ok := props[name].(notionapi.SelectProperty)
	if !ok {
		return ""
	}
	return p.Select.Name
}

func (f *fakeNotion) CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error) {
	f.created++
	id := fmt.Sprintf("page-%d", f.created)
	f.pages[id] = properties
	return &notionapi.Page{ID: notionapi.ObjectID(id)}, nil
}

func (f *fakeNotion) UpdatePage(ctx context.Context, pageID string, properties notionapi.Properties) (*notionapi.Page, error) {
	f.updated++
	for k, v := range properties {
		f.pages[pageID][k] = v
	}
	return &notionapi.Page{ID: notionapi.ObjectID(pageID)}, nil
}

func (f *fakeNotion) QueryDatabase(ctx context.Context, databaseID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	want := req.Filter.(notionapi.PropertyFilter).RichText.Equals
	resp := &notionapi.DatabaseQueryResponse{}
	for id, props := range f.pages {
		if itemID(props) == want {
			resp.Results = append(resp.Results, notionapi.Page{ID: notionapi.ObjectID(id)})
		}
	}
	return resp, nil
}

func (f *fakeNotion) byItem(id string) notionapi.Properties {
	for _, props := range f.pages {
		if itemID(props) == id {
			return props
		}
	}
	return nil
}

func newNotifier(fake *fakeNotion) *Notifier {
	n := NewNotifier(fake, "db-1")
	n.now = func() time.Time { return time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC) }
	return n
}

func TestNotifier_FailedFile(t *testing.T) {
	ctx := context.Background()
	fake := newFakeNotion()
	n := newNotifier(fake)

	f := &domain.File{ID: "f-1", SubmissionID: "sub-1", TenantID: "tenant-1", Name: "march.pdf", Status: domain.FileFailed, ErrorText: "timed out"}
	require.NoError(t, n.OnTransition(ctx, lifecycle.Event{File: f, From: domain.FileProcessing, To: domain.FileFailed}))

	require.Equal(t, 1, fake.created)
	props := fake.byItem("f-1")
	require.NotNil(t, props)
	assert.Equal(t, KindFile, selectName(props, propKind))
	assert.Equal(t, StateOpen, selectName(props, propState))
	assert.Equal(t, "march.pdf", props[propName].(notionapi.TitleProperty).Title[0].Text.Content)
	assert.Equal(t, "timed out", props[propReason].(notionapi.RichTextProperty).RichText[0].Text.Content)

	// A second failure of the same File updates the existing page.
	require.NoError(t, n.OnTransition(ctx, lifecycle.Event{File: f, From: domain.FileProcessing, To: domain.FileFailed}))
	assert.Equal(t, 1, fake.created)
	assert.Equal(t, 1, fake.updated)
}

func TestNotifier_PartiallyFailedSubmission(t *testing.T) {
	ctx := context.Background()
	fake := newFakeNotion()
	n := newNotifier(fake)

	f := &domain.File{ID: "f-2", SubmissionID: "sub-1", TenantID: "tenant-1", Status: domain.FileProcessed}
	ev := lifecycle.Event{
		File: f, From: domain.FileProcessing, To: domain.FileProcessed,
		Rollup: &aggregate.Result{
			SubmissionID: "sub-1", TenantID: "tenant-1",
			Previous: domain.SubmissionProcessing, Status: domain.SubmissionPartiallyFailed,
			FilesTotal: 2, FilesProcessed: 2,
		},
	}
	require.NoError(t, n.OnTransition(ctx, ev))

	props := fake.byItem("sub-1")
	require.NotNil(t, props)
	assert.Equal(t, KindSubmission, selectName(props, propKind))
	assert.Nil(t, fake.byItem("f-2"), "processed files are not review items")

	// Unchanged rollups are not raised again.
	ev.Rollup.Previous = domain.SubmissionPartiallyFailed
	require.NoError(t, n.OnTransition(ctx, ev))
	assert.Equal(t, 1, fake.created)
	assert.Zero(t, fake.updated)
}

func TestNotifier_ReprocessResolves(t *testing.T) {
	ctx := context.Background()
	fake := newFakeNotion()
	n := newNotifier(fake)

	f := &domain.File{ID: "f-1", SubmissionID: "sub-1", TenantID: "tenant-1", Status: domain.FileFailed, ErrorText: "bad payload"}
	require.NoError(t, n.OnTransition(ctx, lifecycle.Event{File: f, From: domain.FileProcessing, To: domain.FileFailed}))

	reset := &domain.File{ID: "f-1", SubmissionID: "sub-1", TenantID: "tenant-1", Status: domain.FileClassified}
	require.NoError(t, n.OnTransition(ctx, lifecycle.Event{File: reset, From: domain.FileFailed, To: domain.FileClassified, Reprocessed: true}))
	assert.Equal(t, StateResolved, selectName(fake.byItem("f-1"), propState))

	// Resolving an item that was never raised is a no-op.
	require.NoError(t, n.Resolve(ctx, "f-unknown"))
}

func TestText_Truncates(t *testing.T) {
	long := make([]rune, maxTextLen+10)
	for i := range long {
		long[i] = 'é'
	}
	got := text(string(long))
	assert.Len(t, []rune(got[0].Text.Content), maxTextLen)
}
