package maildir

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/fenilsonani/mailrules/internal/provider"
)

const newsletter = "From: Weekly News <newsletter@x.com>\r\n" +
	"To: me@example.com\r\n" +
	"Subject: This week in Go\r\n" +
	"Date: Fri, 15 Mar 2024 10:30:00 +0000\r\n" +
	"Message-ID: <n1@x.com>\r\n" +
	"Authentication-Results: mx.example.com; dkim=pass header.d=x.com; spf=pass smtp.mailfrom=x.com\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hello   readers,\r\nthis week we talk about generics.\r\n"

const invoice = "From: billing@vendor.com\r\n" +
	"To: me@example.com\r\n" +
	"Subject: Invoice 42\r\n" +
	"Date: Sat, 16 Mar 2024 09:00:00 +0000\r\n" +
	"\r\n" +
	"Amount due: 10 EUR\r\n"

func setup(t *testing.T) (*Client, string, string) {
	t.Helper()
	c, err := Open(t.TempDir(), "", nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	n, err := c.Deliver(strings.NewReader(newsletter))
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	i, err := c.Deliver(strings.NewReader(invoice))
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	return c, n, i
}

func TestGetMessage(t *testing.T) {
	c, id, _ := setup(t)

	msg, err := c.GetMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if msg.ID != id {
		t.Errorf("ID = %q, want %q", msg.ID, id)
	}
	if msg.From != "Weekly News <newsletter@x.com>" {
		t.Errorf("From = %q", msg.From)
	}
	if msg.Subject != "This week in Go" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if !strings.HasPrefix(msg.Snippet, "Hello readers, this week") {
		t.Errorf("Snippet = %q", msg.Snippet)
	}
	if msg.IsRead {
		t.Error("new message reported as read")
	}
	if !slices.Equal(msg.Labels, []string{provider.LabelInbox}) {
		t.Errorf("Labels = %v, want [INBOX]", msg.Labels)
	}
	if !slices.Contains(msg.AuthResults, "dkim=pass") || !slices.Contains(msg.AuthResults, "spf=pass") {
		t.Errorf("AuthResults = %v", msg.AuthResults)
	}
	if msg.ReceivedAt.Day() != 15 {
		t.Errorf("ReceivedAt = %v", msg.ReceivedAt)
	}
}

func TestGetMessageNotFound(t *testing.T) {
	c, _, _ := setup(t)

	_, err := c.GetMessage(context.Background(), "missing")
	if !errors.Is(err, provider.ErrMessageNotFound) {
		t.Errorf("GetMessage() error = %v, want ErrMessageNotFound", err)
	}
	if provider.Classify(err) != provider.ClassFatal {
		t.Errorf("Classify() = %v, want fatal", provider.Classify(err))
	}
}

func TestModifyLabelsAndRead(t *testing.T) {
	c, id, _ := setup(t)
	ctx := context.Background()
	read := true

	if err := c.Modify(ctx, id, provider.Modification{AddLabels: []string{"Newsletter", "Go"}, MarkRead: &read}); err != nil {
		t.Fatalf("Modify() error = %v", err)
	}

	msg, err := c.GetMessage(ctx, id)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if !msg.IsRead {
		t.Error("message not marked read")
	}
	for _, l := range []string{provider.LabelInbox, "Newsletter", "Go"} {
		if !slices.Contains(msg.Labels, l) {
			t.Errorf("Labels = %v, missing %s", msg.Labels, l)
		}
	}

	if err := c.Modify(ctx, id, provider.Modification{RemoveLabels: []string{"go"}}); err != nil {
		t.Fatalf("Modify(remove) error = %v", err)
	}
	msg, _ = c.GetMessage(ctx, id)
	if slices.Contains(msg.Labels, "Go") {
		t.Errorf("Labels after remove = %v", msg.Labels)
	}
}

func TestArchiveAndRestore(t *testing.T) {
	c, id, other := setup(t)
	ctx := context.Background()

	if err := c.Modify(ctx, id, provider.Modification{Archive: true}); err != nil {
		t.Fatalf("Modify(archive) error = %v", err)
	}
	msg, err := c.GetMessage(ctx, id)
	if err != nil {
		t.Fatalf("GetMessage() after archive error = %v", err)
	}
	if slices.Contains(msg.Labels, provider.LabelInbox) {
		t.Errorf("archived message still in inbox: %v", msg.Labels)
	}

	ids, err := c.ListMessages(ctx, provider.ListOptions{})
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if !slices.Equal(ids, []string{other}) {
		t.Errorf("inbox = %v, want [%s]", ids, other)
	}

	if err := c.Modify(ctx, id, provider.Modification{AddLabels: []string{provider.LabelInbox}}); err != nil {
		t.Fatalf("Modify(restore) error = %v", err)
	}
	msg, _ = c.GetMessage(ctx, id)
	if !slices.Contains(msg.Labels, provider.LabelInbox) {
		t.Errorf("restored message labels = %v", msg.Labels)
	}
}

func TestTrash(t *testing.T) {
	c, id, _ := setup(t)
	ctx := context.Background()

	if err := c.Modify(ctx, id, provider.Modification{Trash: true}); err != nil {
		t.Fatalf("Modify(trash) error = %v", err)
	}
	ids, err := c.ListMessages(ctx, provider.ListOptions{Label: provider.LabelTrash})
	if err != nil {
		t.Fatalf("ListMessages(TRASH) error = %v", err)
	}
	if !slices.Equal(ids, []string{id}) {
		t.Errorf("trash = %v, want [%s]", ids, id)
	}
}

func TestListByLabel(t *testing.T) {
	c, _, other := setup(t)
	ctx := context.Background()

	if err := c.Modify(ctx, other, provider.Modification{AddLabels: []string{"Finance"}}); err != nil {
		t.Fatalf("Modify() error = %v", err)
	}

	ids, err := c.ListMessages(ctx, provider.ListOptions{Label: "finance"})
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if !slices.Equal(ids, []string{other}) {
		t.Errorf("ListMessages(Finance) = %v, want [%s]", ids, other)
	}

	ids, err = c.ListMessages(ctx, provider.ListOptions{Label: "Unknown"})
	if err != nil || len(ids) != 0 {
		t.Errorf("ListMessages(Unknown) = %v, %v", ids, err)
	}

	all, _ := c.ListMessages(ctx, provider.ListOptions{Limit: 1})
	if len(all) != 1 {
		t.Errorf("ListMessages(Limit=1) returned %d ids", len(all))
	}
}

func TestBatchModifyPerItem(t *testing.T) {
	c, id, other := setup(t)
	read := true

	results, err := c.BatchModify(context.Background(), []string{id, "missing", other}, provider.Modification{MarkRead: &read})
	if err != nil {
		t.Fatalf("BatchModify() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Errorf("unexpected item errors: %v, %v", results[0].Err, results[2].Err)
	}
	if !errors.Is(results[1].Err, provider.ErrMessageNotFound) {
		t.Errorf("results[1].Err = %v, want ErrMessageNotFound", results[1].Err)
	}
}

func TestForwardWithoutRelay(t *testing.T) {
	c, id, _ := setup(t)

	err := c.Forward(context.Background(), id, "boss@example.com")
	if provider.Classify(err) != provider.ClassFatal {
		t.Errorf("Forward() without relay error = %v, want fatal", err)
	}
}

func TestKeywordsFileRoundTrip(t *testing.T) {
	path := t.TempDir() + "/" + keywordsFile
	want := []string{"Newsletter", "Finance", "Travel"}
	if err := writeKeywords(path, want); err != nil {
		t.Fatalf("writeKeywords() error = %v", err)
	}
	got, err := readKeywords(path)
	if err != nil {
		t.Fatalf("readKeywords() error = %v", err)
	}
	if !slices.Equal(got, want) {
		t.Errorf("readKeywords() = %v, want %v", got, want)
	}
}
