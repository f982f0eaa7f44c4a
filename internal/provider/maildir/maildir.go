// Package maildir implements provider.Client on a local Maildir++ tree.
//
// The root directory is the inbox. Archive moves a message to the .Archive
// folder and Trash to .Trash. Labels are Dovecot keywords: lowercase flag
// letters indexed by the dovecot-keywords file at the root.
package maildir

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-maildir"

	"github.com/fenilsonani/mailrules/internal/provider"
)

const (
	archiveFolder = ".Archive"
	trashFolder   = ".Trash"
	keywordsFile  = "dovecot-keywords"
	maxKeywords   = 26

	// DefaultBatchLimit bounds BatchModify.
	DefaultBatchLimit = 100
)

// keywordsMu serializes dovecot-keywords updates across clients.
var keywordsMu sync.Mutex

// Client is a provider.Client backed by a Maildir.
type Client struct {
	root      string
	from      string
	forwarder *provider.Forwarder
	limit     int
}

// Dial opens the maildir of account, creating the folders it needs. It has
// the provider.Dialer signature.
func Dial(ctx context.Context, account *provider.Account, fwd *provider.Forwarder) (provider.Client, error) {
	return Open(account.Address, account.ForwardFrom, fwd)
}

// Open opens the maildir rooted at root.
func Open(root, forwardFrom string, fwd *provider.Forwarder) (*Client, error) {
	for _, dir := range []string{root, filepath.Join(root, archiveFolder), filepath.Join(root, trashFolder)} {
		if err := ensureMaildir(dir); err != nil {
			return nil, err
		}
	}
	return &Client{root: root, from: forwardFrom, forwarder: fwd, limit: DefaultBatchLimit}, nil
}

func ensureMaildir(path string) error {
	for _, sub := range []string{"cur", "new", "tmp"} {
		if err := os.MkdirAll(filepath.Join(path, sub), 0750); err != nil {
			return fmt.Errorf("failed to create %s: %w", sub, err)
		}
	}
	return nil
}

func (c *Client) folders() []maildir.Dir {
	return []maildir.Dir{
		maildir.Dir(c.root),
		maildir.Dir(filepath.Join(c.root, archiveFolder)),
		maildir.Dir(filepath.Join(c.root, trashFolder)),
	}
}

// Deliver writes raw into the inbox and returns its key. Used by the CLI
// and tests to seed a mailbox.
func (c *Client) Deliver(raw io.Reader) (string, error) {
	msg, w, err := maildir.Dir(c.root).Create(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create message: %w", err)
	}
	if _, err := io.Copy(w, raw); err != nil {
		w.Close()
		return "", fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return msg.Key(), nil
}

type located struct {
	msg    *maildir.Message
	folder string
	mtime  time.Time
}

func (c *Client) find(id string) (*located, error) {
	if id == "" || strings.ContainsAny(id, "/:") {
		return nil, fmt.Errorf("%w: %q", provider.ErrMessageNotFound, id)
	}
	for _, dir := range c.folders() {
		if _, err := dir.Unseen(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, &provider.Error{Op: "get", Err: err}
		}
		msg, err := dir.MessageByKey(id)
		if err != nil {
			continue
		}
		loc := &located{msg: msg, folder: folderName(c.root, dir)}
		if fi, err := os.Stat(msg.Filename()); err == nil {
			loc.mtime = fi.ModTime().UTC()
		}
		return loc, nil
	}
	return nil, fmt.Errorf("%w: %s", provider.ErrMessageNotFound, id)
}

func folderName(root string, dir maildir.Dir) string {
	rel, err := filepath.Rel(root, string(dir))
	if err != nil || rel == "." {
		return ""
	}
	return rel
}

func (c *Client) ListMessages(ctx context.Context, opts provider.ListOptions) ([]string, error) {
	dir := maildir.Dir(c.root)
	if strings.EqualFold(opts.Label, provider.LabelTrash) {
		dir = maildir.Dir(filepath.Join(c.root, trashFolder))
	}
	if _, err := dir.Unseen(); err != nil {
		return nil, &provider.Error{Op: "list", Err: err}
	}

	var keywordFlag maildir.Flag
	if opts.Label != "" && !isFolderLabel(opts.Label) {
		kw, err := c.keywords()
		if err != nil {
			return nil, err
		}
		idx := slices.IndexFunc(kw, func(k string) bool { return strings.EqualFold(k, opts.Label) })
		if idx < 0 {
			return nil, nil
		}
		keywordFlag = maildir.Flag('a' + idx)
	}

	type entry struct {
		key   string
		mtime time.Time
	}
	var entries []entry
	err := dir.Walk(func(msg *maildir.Message) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if keywordFlag != 0 && !slices.Contains(msg.Flags(), keywordFlag) {
			return nil
		}
		fi, err := os.Stat(msg.Filename())
		if err != nil {
			return nil
		}
		if !opts.Since.IsZero() && fi.ModTime().Before(opts.Since) {
			return nil
		}
		entries = append(entries, entry{key: msg.Key(), mtime: fi.ModTime()})
		return nil
	})
	if err != nil {
		return nil, &provider.Error{Op: "list", Err: err}
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].mtime.Equal(entries[j].mtime) {
			return entries[i].mtime.After(entries[j].mtime)
		}
		return entries[i].key < entries[j].key
	})
	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.key
	}
	return ids, nil
}

func isFolderLabel(label string) bool {
	return strings.EqualFold(label, provider.LabelInbox) || strings.EqualFold(label, provider.LabelTrash)
}

func (c *Client) GetMessage(ctx context.Context, id string) (*provider.Message, error) {
	loc, err := c.find(id)
	if err != nil {
		return nil, err
	}

	r, err := loc.msg.Open()
	if err != nil {
		return nil, &provider.Error{Op: "get", Err: err}
	}
	defer r.Close()

	msg, err := provider.ParseMessage(r)
	if err != nil {
		return nil, provider.Fatal("get", err)
	}
	msg.ID = id
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = loc.mtime
	}

	kw, err := c.keywords()
	if err != nil {
		return nil, err
	}
	msg.Labels, msg.IsRead = labelsOf(loc, kw)
	return msg, nil
}

func labelsOf(loc *located, kw []string) ([]string, bool) {
	var labels []string
	switch loc.folder {
	case "":
		labels = append(labels, provider.LabelInbox)
	case trashFolder:
		labels = append(labels, provider.LabelTrash)
	}

	read := false
	for _, f := range loc.msg.Flags() {
		switch {
		case f == maildir.FlagSeen:
			read = true
		case f >= 'a' && f <= 'z':
			if i := int(f - 'a'); i < len(kw) {
				labels = append(labels, kw[i])
			}
		}
	}
	return labels, read
}

func (c *Client) Modify(ctx context.Context, id string, mod provider.Modification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc, err := c.find(id)
	if err != nil {
		return err
	}

	// Adding INBOX to an archived message moves it back.
	restore := loc.folder != "" && slices.ContainsFunc(mod.AddLabels, func(l string) bool {
		return strings.EqualFold(l, provider.LabelInbox)
	})

	var add, remove []string
	for _, l := range mod.AddLabels {
		if !isFolderLabel(l) {
			add = append(add, l)
		}
	}
	for _, l := range mod.RemoveLabels {
		if strings.EqualFold(l, provider.LabelInbox) {
			mod.Archive = true
			continue
		}
		if !isFolderLabel(l) {
			remove = append(remove, l)
		}
	}

	flags := loc.msg.Flags()
	if len(add) > 0 || len(remove) > 0 {
		kw, err := c.ensureKeywords(add)
		if err != nil {
			return err
		}
		for _, l := range remove {
			if i := slices.IndexFunc(kw, func(k string) bool { return strings.EqualFold(k, l) }); i >= 0 {
				flags = slices.DeleteFunc(flags, func(f maildir.Flag) bool { return f == maildir.Flag('a'+i) })
			}
		}
		for _, l := range add {
			i := slices.IndexFunc(kw, func(k string) bool { return strings.EqualFold(k, l) })
			if f := maildir.Flag('a' + i); !slices.Contains(flags, f) {
				flags = append(flags, f)
			}
		}
	}
	if mod.MarkRead != nil {
		flags = slices.DeleteFunc(flags, func(f maildir.Flag) bool { return f == maildir.FlagSeen })
		if *mod.MarkRead {
			flags = append(flags, maildir.FlagSeen)
		}
	}
	if !slices.Equal(flags, loc.msg.Flags()) {
		if err := loc.msg.SetFlags(flags); err != nil {
			return &provider.Error{Op: "modify", Err: err}
		}
	}

	target := loc.folder
	switch {
	case mod.Trash:
		target = trashFolder
	case mod.Archive:
		if loc.folder == "" {
			target = archiveFolder
		}
	case restore:
		target = ""
	}
	if target != loc.folder {
		dest := maildir.Dir(filepath.Join(c.root, target))
		if err := loc.msg.MoveTo(dest); err != nil {
			return &provider.Error{Op: "modify", Err: fmt.Errorf("failed to move message: %w", err)}
		}
	}
	return nil
}

func (c *Client) BatchModify(ctx context.Context, ids []string, mod provider.Modification) ([]provider.ItemResult, error) {
	if len(ids) > c.limit {
		return nil, provider.Fatal("batch_modify", fmt.Errorf("batch of %d exceeds limit %d", len(ids), c.limit))
	}
	results := make([]provider.ItemResult, len(ids))
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results[i] = provider.ItemResult{ID: id, Err: c.Modify(ctx, id, mod)}
	}
	return results, nil
}

func (c *Client) Forward(ctx context.Context, id, to string) error {
	if c.forwarder == nil || c.from == "" {
		return provider.Fatal("forward", fmt.Errorf("%w: forwarding is not configured", provider.ErrUnsupported))
	}
	loc, err := c.find(id)
	if err != nil {
		return err
	}
	r, err := loc.msg.Open()
	if err != nil {
		return &provider.Error{Op: "forward", Err: err}
	}
	raw, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return &provider.Error{Op: "forward", Err: err}
	}
	return c.forwarder.Send(ctx, c.from, to, raw)
}

func (c *Client) BatchLimit() int { return c.limit }

func (c *Client) Close() error { return nil }

// keywords reads dovecot-keywords; index i maps to flag 'a'+i.
func (c *Client) keywords() ([]string, error) {
	keywordsMu.Lock()
	defer keywordsMu.Unlock()
	return readKeywords(filepath.Join(c.root, keywordsFile))
}

// ensureKeywords returns the keyword table after assigning letters to any
// label in want that has none yet.
func (c *Client) ensureKeywords(want []string) ([]string, error) {
	keywordsMu.Lock()
	defer keywordsMu.Unlock()

	path := filepath.Join(c.root, keywordsFile)
	kw, err := readKeywords(path)
	if err != nil {
		return nil, err
	}

	changed := false
	for _, l := range want {
		if slices.ContainsFunc(kw, func(k string) bool { return strings.EqualFold(k, l) }) {
			continue
		}
		if len(kw) >= maxKeywords {
			return nil, provider.Fatal("modify", fmt.Errorf("maildir supports at most %d labels", maxKeywords))
		}
		kw = append(kw, l)
		changed = true
	}
	if changed {
		if err := writeKeywords(path, kw); err != nil {
			return nil, &provider.Error{Op: "modify", Err: err}
		}
	}
	return kw, nil
}

func readKeywords(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &provider.Error{Op: "keywords", Err: err}
	}
	defer f.Close()

	kw := make([]string, 0, maxKeywords)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		idx, name, ok := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
		if !ok {
			continue
		}
		i, err := strconv.Atoi(idx)
		if err != nil || i < 0 || i >= maxKeywords {
			continue
		}
		for len(kw) <= i {
			kw = append(kw, "")
		}
		kw[i] = name
	}
	return kw, scanner.Err()
}

func writeKeywords(path string, kw []string) error {
	var b strings.Builder
	for i, k := range kw {
		if k != "" {
			fmt.Fprintf(&b, "%d %s\n", i, k)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
