// Package imap implements provider.Client over an IMAP4 connection.
//
// Message ids are UIDs of the account mailbox. Labels are IMAP keywords,
// read state is \Seen, and archive/trash are MOVEs to the configured
// folders.
package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/fenilsonani/mailrules/internal/provider"
)

const (
	// DefaultBatchLimit bounds BatchModify UID sets.
	DefaultBatchLimit = 100

	logoutTimeout = 5 * time.Second

	defaultArchive = "Archive"
	defaultTrash   = "Trash"
)

// Options configures the adapter beyond the account itself.
type Options struct {
	// TLS is "tls" (implicit), "starttls" or "none".
	TLS                string
	InsecureSkipVerify bool
	ArchiveMailbox     string
	TrashMailbox       string
	BatchLimit         int
}

// Client is a provider.Client on one authenticated, selected IMAP session.
type Client struct {
	mu        sync.Mutex
	conn      *imapclient.Client
	mailbox   string
	opts      Options
	from      string
	forwarder *provider.Forwarder
}

// Dialer returns a provider.Dialer using opts.
func Dialer(opts Options) provider.Dialer {
	return func(ctx context.Context, account *provider.Account, fwd *provider.Forwarder) (provider.Client, error) {
		return Dial(ctx, account, fwd, opts)
	}
}

// Dial connects, logs in and selects the account mailbox.
func Dial(ctx context.Context, account *provider.Account, fwd *provider.Forwarder, opts Options) (*Client, error) {
	if opts.ArchiveMailbox == "" {
		opts.ArchiveMailbox = defaultArchive
	}
	if opts.TrashMailbox == "" {
		opts.TrashMailbox = defaultTrash
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = DefaultBatchLimit
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	host, _, _ := net.SplitHostPort(account.Address)
	clientOpts := &imapclient.Options{
		TLSConfig: &tls.Config{
			ServerName:         host,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		},
	}

	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", account.Address)
	if err != nil {
		return nil, &provider.Error{Op: "dial", Err: err}
	}
	// Until the session is ready, ctx ending closes the socket, which fails
	// whatever step is waiting on the server.
	stop := context.AfterFunc(ctx, func() { raw.Close() })

	conn, err := handshake(raw, opts.TLS, clientOpts)
	if err != nil {
		stop()
		raw.Close()
		return nil, fail(ctx, "dial", err)
	}

	if err := conn.Login(account.Username, account.Password).Wait(); err != nil {
		stop()
		conn.Close()
		return nil, fail(ctx, "login", err)
	}

	mailbox := account.Mailbox
	if mailbox == "" {
		mailbox = provider.LabelInbox
	}
	if _, err := conn.Select(mailbox, nil).Wait(); err != nil {
		stop()
		conn.Close()
		return nil, fail(ctx, "select", err)
	}
	if !stop() {
		conn.Close()
		return nil, &provider.Error{Op: "dial", Err: ctx.Err()}
	}

	return &Client{
		conn:      conn,
		mailbox:   mailbox,
		opts:      opts,
		from:      account.ForwardFrom,
		forwarder: fwd,
	}, nil
}

func handshake(raw net.Conn, mode string, opts *imapclient.Options) (*imapclient.Client, error) {
	switch mode {
	case "none":
		return imapclient.New(raw, opts), nil
	case "starttls":
		return imapclient.NewStartTLS(raw, opts)
	default:
		tlsConfig := opts.TLSConfig.Clone()
		tlsConfig.NextProtos = []string{"imap"}
		return imapclient.New(tls.Client(raw, tlsConfig), opts), nil
	}
}

// begin locks the session for one command. If ctx ends before the returned
// func is called, the connection is closed so the pending command fails;
// the client is unusable afterwards.
func (c *Client) begin(ctx context.Context) (end func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	return func() {
		stop()
		c.mu.Unlock()
	}, nil
}

// fail maps a command error, reporting the context error when the command
// was cut off by cancellation.
func fail(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &provider.Error{Op: op, Err: fmt.Errorf("%w: %v", ctxErr, err)}
	}
	return mapError(op, err)
}

func (c *Client) ListMessages(ctx context.Context, opts provider.ListOptions) ([]string, error) {
	end, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer end()

	criteria := &imap.SearchCriteria{}
	if !opts.Since.IsZero() {
		criteria.Since = opts.Since
	}
	if opts.Label != "" && !strings.EqualFold(opts.Label, provider.LabelInbox) {
		criteria.Flag = []imap.Flag{keyword(opts.Label)}
	}

	data, err := c.conn.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fail(ctx, "list", err)
	}

	uids := data.AllUIDs()
	ids := make([]string, 0, len(uids))
	// Newest first: UIDs grow with arrival order.
	for i := len(uids) - 1; i >= 0; i-- {
		if opts.Limit > 0 && len(ids) >= opts.Limit {
			break
		}
		ids = append(ids, formatUID(uids[i]))
	}
	return ids, nil
}

func (c *Client) GetMessage(ctx context.Context, id string) (*provider.Message, error) {
	uid, err := parseUID(id)
	if err != nil {
		return nil, err
	}

	header := &imap.FetchItemBodySection{Specifier: imap.PartSpecifierHeader, Peek: true}
	text := &imap.FetchItemBodySection{Specifier: imap.PartSpecifierText, Peek: true, Partial: &imap.SectionPartial{Offset: 0, Size: 4096}}

	end, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	msgs, err := c.conn.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{header, text},
	}).Collect()
	end()
	if err != nil {
		return nil, fail(ctx, "get", err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: uid %d", provider.ErrMessageNotFound, uid)
	}
	buf := msgs[0]

	raw := append(bytes.Clone(buf.FindBodySection(header)), buf.FindBodySection(text)...)
	msg, err := provider.ParseMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, provider.Fatal("get", err)
	}

	msg.ID = id
	if !buf.InternalDate.IsZero() {
		msg.ReceivedAt = buf.InternalDate.UTC()
	}
	msg.Labels, msg.IsRead = labelsFromFlags(c.mailbox, buf.Flags)
	return msg, nil
}

func (c *Client) Modify(ctx context.Context, id string, mod provider.Modification) error {
	uid, err := parseUID(id)
	if err != nil {
		return err
	}
	end, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer end()
	return c.modify(ctx, imap.UIDSetNum(uid), mod)
}

// modify applies mod to uids. Flag changes come before moves since a moved
// message leaves the selected mailbox.
func (c *Client) modify(ctx context.Context, uids imap.UIDSet, mod provider.Modification) error {
	add, remove := flagChanges(mod)
	if len(add) > 0 {
		if err := c.conn.Store(uids, &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: add}, nil).Close(); err != nil {
			return fail(ctx, "modify", err)
		}
	}
	if len(remove) > 0 {
		if err := c.conn.Store(uids, &imap.StoreFlags{Op: imap.StoreFlagsDel, Silent: true, Flags: remove}, nil).Close(); err != nil {
			return fail(ctx, "modify", err)
		}
	}

	var target string
	switch {
	case mod.Trash:
		target = c.opts.TrashMailbox
	case mod.Archive || containsFold(mod.RemoveLabels, provider.LabelInbox):
		if strings.EqualFold(c.mailbox, provider.LabelInbox) {
			target = c.opts.ArchiveMailbox
		}
	}
	if target != "" {
		if _, err := c.conn.Move(uids, target).Wait(); err != nil {
			return fail(ctx, "modify", err)
		}
	}
	return nil
}

// BatchModify sends one STORE/MOVE per call for ids that exist. Unknown
// ids are reported per item; a failed command fails the whole call.
func (c *Client) BatchModify(ctx context.Context, ids []string, mod provider.Modification) ([]provider.ItemResult, error) {
	if len(ids) > c.opts.BatchLimit {
		return nil, provider.Fatal("batch_modify", fmt.Errorf("batch of %d exceeds limit %d", len(ids), c.opts.BatchLimit))
	}

	results := make([]provider.ItemResult, len(ids))
	var set imap.UIDSet
	for i, id := range ids {
		results[i].ID = id
		uid, err := parseUID(id)
		if err != nil {
			results[i].Err = err
			continue
		}
		set.AddNum(uid)
	}
	if len(set) == 0 {
		return results, nil
	}

	end, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer end()

	// Find which UIDs still exist so missing ones get a per-item error.
	data, err := c.conn.UIDSearch(&imap.SearchCriteria{UID: []imap.UIDSet{set}}, nil).Wait()
	if err != nil {
		return nil, fail(ctx, "batch_modify", err)
	}
	present := make(map[imap.UID]bool)
	var existing imap.UIDSet
	for _, uid := range data.AllUIDs() {
		present[uid] = true
		existing.AddNum(uid)
	}
	for i := range results {
		if results[i].Err != nil {
			continue
		}
		uid, _ := parseUID(results[i].ID)
		if !present[uid] {
			results[i].Err = fmt.Errorf("%w: uid %d", provider.ErrMessageNotFound, uid)
		}
	}

	if len(existing) > 0 {
		if err := c.modify(ctx, existing, mod); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (c *Client) Forward(ctx context.Context, id, to string) error {
	if c.forwarder == nil || c.from == "" {
		return provider.Fatal("forward", fmt.Errorf("%w: forwarding is not configured", provider.ErrUnsupported))
	}
	uid, err := parseUID(id)
	if err != nil {
		return err
	}

	section := &imap.FetchItemBodySection{Peek: true}
	end, err := c.begin(ctx)
	if err != nil {
		return err
	}
	cmd := c.conn.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{BodySection: []*imap.FetchItemBodySection{section}})
	raw, err := readBody(cmd)
	end()
	if err != nil {
		return fail(ctx, "forward", err)
	}
	if raw == nil {
		return fmt.Errorf("%w: uid %d", provider.ErrMessageNotFound, uid)
	}
	return c.forwarder.Send(ctx, c.from, to, raw)
}

// readBody streams the first body section of a fetch, closing the command.
func readBody(cmd *imapclient.FetchCommand) ([]byte, error) {
	defer cmd.Close()

	msg := cmd.Next()
	if msg == nil {
		return nil, cmd.Close()
	}
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		if body, ok := item.(imapclient.FetchItemDataBodySection); ok {
			return io.ReadAll(body.Literal)
		}
	}
	return nil, cmd.Close()
}

func (c *Client) BatchLimit() int { return c.opts.BatchLimit }

// Close logs out and closes the connection. A server that does not answer
// LOGOUT within a few seconds is disconnected.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()
	end, _ := c.begin(ctx)
	defer end()
	if err := c.conn.Logout().Wait(); err != nil {
		c.conn.Close()
		return err
	}
	return c.conn.Close()
}

func flagChanges(mod provider.Modification) (add, remove []imap.Flag) {
	for _, l := range mod.AddLabels {
		if isSystemLabel(l) {
			continue
		}
		add = append(add, keyword(l))
	}
	for _, l := range mod.RemoveLabels {
		if isSystemLabel(l) {
			continue
		}
		remove = append(remove, keyword(l))
	}
	if mod.MarkRead != nil {
		if *mod.MarkRead {
			add = append(add, imap.FlagSeen)
		} else {
			remove = append(remove, imap.FlagSeen)
		}
	}
	return add, remove
}

func labelsFromFlags(mailbox string, flags []imap.Flag) ([]string, bool) {
	var labels []string
	if strings.EqualFold(mailbox, provider.LabelInbox) {
		labels = append(labels, provider.LabelInbox)
	}
	read := false
	for _, f := range flags {
		switch {
		case f == imap.FlagSeen:
			read = true
		case strings.HasPrefix(string(f), "\\"), strings.HasPrefix(string(f), "$"):
			// System flags and IANA keywords are not labels.
		default:
			labels = append(labels, string(f))
		}
	}
	return labels, read
}

func isSystemLabel(l string) bool {
	return strings.EqualFold(l, provider.LabelInbox) || strings.EqualFold(l, provider.LabelTrash)
}

// keyword turns a label into a valid IMAP flag atom.
func keyword(label string) imap.Flag {
	return imap.Flag(strings.Map(func(r rune) rune {
		switch {
		case r <= ' ' || r >= 0x7f:
			return '_'
		case strings.ContainsRune(`(){%*"\]`, r):
			return '_'
		}
		return r
	}, label))
}

func parseUID(id string) (imap.UID, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: invalid uid %q", provider.ErrMessageNotFound, id)
	}
	return imap.UID(n), nil
}

func formatUID(uid imap.UID) string {
	return strconv.FormatUint(uint64(uid), 10)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// mapError classifies IMAP responses: LIMIT is a rate limit, NONEXISTENT
// and authentication failures are permanent, NO/BAD and I/O errors are
// transient.
func mapError(op string, err error) error {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		switch imapErr.Code {
		case imap.ResponseCodeLimit:
			return &provider.RateLimitedError{RetryAfter: time.Minute, Err: err}
		case imap.ResponseCodeNonExistent, imap.ResponseCodeTryCreate:
			return provider.Fatal(op, fmt.Errorf("%w: %v", provider.ErrMessageNotFound, err))
		case imap.ResponseCodeAuthenticationFailed, imap.ResponseCodeAuthorizationFailed:
			return provider.Fatal(op, err)
		}
	}
	return &provider.Error{Op: op, Err: err}
}
