// Package review surfaces work that needs a human: failed Files and
// partially failed Submissions are posted to a Notion review database, and
// their pages are marked resolved when an operator reprocesses the File.
package review

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/lifecycle"
	"github.com/dvloznov/finance-intake/internal/logger"
	"github.com/jomei/notionapi"
)

// Review database property names.
const (
	propName       = "Name"
	propItemID     = "Item ID"
	propKind       = "Kind"
	propState      = "State"
	propTenant     = "Tenant"
	propSubmission = "Submission"
	propReason     = "Reason"
	propRaised     = "Raised"
)

// Item kinds and states.
const (
	KindFile       = "file"
	KindSubmission = "submission"

	StateOpen     = "Open"
	StateResolved = "Resolved"
)

// maxTextLen is Notion's limit for one rich text block.
const maxTextLen = 2000

// Item is one entry of the review queue.
type Item struct {
	ID           string
	Kind         string
	TenantID     string
	SubmissionID string
	Title        string
	Reason       string
	Raised       time.Time
}

// Notifier posts review items to Notion. It is a lifecycle.Listener.
type Notifier struct {
	notion     NotionService
	databaseID string
	now        func() time.Time
}

// NewNotifier creates a Notifier writing to databaseID.
func NewNotifier(notion NotionService, databaseID string) *Notifier {
	return &Notifier{notion: notion, databaseID: databaseID, now: time.Now}
}

// OnTransition implements lifecycle.Listener.
func (n *Notifier) OnTransition(ctx context.Context, ev lifecycle.Event) error {
	f := ev.File
	switch {
	case ev.Reprocessed:
		return n.Resolve(ctx, f.ID)
	case ev.To == domain.FileFailed:
		if err := n.Raise(ctx, Item{
			ID:           f.ID,
			Kind:         KindFile,
			TenantID:     f.TenantID,
			SubmissionID: f.SubmissionID,
			Title:        fileTitle(f),
			Reason:       f.ErrorText,
			Raised:       n.now().UTC(),
		}); err != nil {
			return err
		}
	}

	if r := ev.Rollup; r != nil && r.Changed() && r.Status == domain.SubmissionPartiallyFailed {
		return n.Raise(ctx, Item{
			ID:           r.SubmissionID,
			Kind:         KindSubmission,
			TenantID:     r.TenantID,
			SubmissionID: r.SubmissionID,
			Title:        "Submission " + r.SubmissionID,
			Reason:       fmt.Sprintf("%d of %d files processed, at least one failed", r.FilesProcessed, r.FilesTotal),
			Raised:       n.now().UTC(),
		})
	}
	return nil
}

func fileTitle(f *domain.File) string {
	if f.Name != "" {
		return f.Name
	}
	return "File " + f.ID
}

// Raise creates the item's page, or reopens and updates it when it exists.
func (n *Notifier) Raise(ctx context.Context, item Item) error {
	log := logger.FromContext(ctx)

	page, err := n.find(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("Raise: %w", err)
	}

	props := itemProperties(item)
	if page != nil {
		if _, err := n.notion.UpdatePage(ctx, string(page.ID), props); err != nil {
			return fmt.Errorf("Raise: %w", err)
		}
		log.Info().Str("item_id", item.ID).Str("page_id", string(page.ID)).Msg("Reopened review item")
		return nil
	}

	created, err := n.notion.CreatePage(ctx, n.databaseID, props)
	if err != nil {
		return fmt.Errorf("Raise: %w", err)
	}
	log.Info().
		Str("item_id", item.ID).
		Str("kind", item.Kind).
		Str("page_id", string(created.ID)).
		Msg("Raised review item")
	return nil
}

// Resolve marks the item's page resolved. A missing page is not an error.
func (n *Notifier) Resolve(ctx context.Context, itemID string) error {
	page, err := n.find(ctx, itemID)
	if err != nil {
		return fmt.Errorf("Resolve: %w", err)
	}
	if page == nil {
		return nil
	}
	props := notionapi.Properties{
		propState: notionapi.SelectProperty{Select: notionapi.Option{Name: StateResolved}},
	}
	if _, err := n.notion.UpdatePage(ctx, string(page.ID), props); err != nil {
		return fmt.Errorf("Resolve: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().Str("item_id", itemID).Msg("Resolved review item")
	return nil
}

func (n *Notifier) find(ctx context.Context, itemID string) (*notionapi.Page, error) {
	resp, err := n.notion.QueryDatabase(ctx, n.databaseID, &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: propItemID,
			RichText: &notionapi.TextFilterCondition{Equals: itemID},
		},
		PageSize: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	return &resp.Results[0], nil
}

func text(s string) []notionapi.RichText {
	if r := []rune(s); len(r) > maxTextLen {
		s = string(r[:maxTextLen])
	}
	return []notionapi.RichText{
		{
			Type: notionapi.ObjectTypeText,
			Text: &notionapi.Text{Content: s},
		},
	}
}

func itemProperties(item Item) notionapi.Properties {
	raised := notionapi.Date(item.Raised)
	props := notionapi.Properties{
		propName:   notionapi.TitleProperty{Title: text(item.Title)},
		propItemID: notionapi.RichTextProperty{RichText: text(item.ID)},
		propKind:   notionapi.SelectProperty{Select: notionapi.Option{Name: item.Kind}},
		propState:  notionapi.SelectProperty{Select: notionapi.Option{Name: StateOpen}},
		propTenant: notionapi.RichTextProperty{RichText: text(item.TenantID)},
		propRaised: notionapi.DateProperty{Date: &notionapi.DateObject{Start: &raised}},
	}
	if item.SubmissionID != "" {
		props[propSubmission] = notionapi.RichTextProperty{RichText: text(item.SubmissionID)}
	}
	if item.Reason != "" {
		props[propReason] = notionapi.RichTextProperty{RichText: text(item.Reason)}
	}
	return props
}

var _ lifecycle.Listener = (*Notifier)(nil)
