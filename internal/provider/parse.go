package provider

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/authres"
)

const (
	// SnippetLength is the maximum snippet length in runes.
	SnippetLength = 200
	snippetScan   = 8 << 10
)

// ParseMessage reads an RFC 5322 message and extracts the fields rules can
// match on. ID, Labels, IsRead and ReceivedAt are left for the caller when
// the store knows better (Date header is used as a fallback ReceivedAt).
func ParseMessage(r io.Reader) (*Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	defer mr.Close()

	msg := &Message{}
	h := mr.Header

	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = formatAddress(from[0])
	} else {
		msg.From = strings.TrimSpace(h.Get("From"))
	}

	for _, key := range []string{"To", "Cc"} {
		list, err := h.AddressList(key)
		if err != nil {
			continue
		}
		for _, a := range list {
			msg.To = append(msg.To, formatAddress(a))
		}
	}

	if date, err := h.Date(); err == nil {
		msg.ReceivedAt = date.UTC()
	}
	if id, err := h.MessageID(); err == nil {
		msg.ThreadID = threadID(h, id)
	}

	msg.AuthResults = parseAuthResults(h.Header.FieldsByKey("Authentication-Results"))
	msg.Snippet = firstTextSnippet(mr)
	return msg, nil
}

// ParseHeader is ParseMessage for callers that only fetched the header
// section. The snippet stays empty.
func ParseHeader(r io.Reader) (*Message, error) {
	// Terminate the header so the body reader yields nothing.
	return ParseMessage(io.MultiReader(r, strings.NewReader("\r\n")))
}

func formatAddress(a *mail.Address) string {
	if a.Name == "" {
		return a.Address
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Address)
}

// threadID is the first message id of References, or the message's own id.
func threadID(h mail.Header, own string) string {
	if refs, err := h.MsgIDList("References"); err == nil && len(refs) > 0 {
		return refs[0]
	}
	if irt, err := h.MsgIDList("In-Reply-To"); err == nil && len(irt) > 0 {
		return irt[0]
	}
	return own
}

// parseAuthResults flattens Authentication-Results into "method=result"
// strings such as "dkim=pass".
func parseAuthResults(fields textproto.HeaderFields) []string {
	var out []string
	seen := make(map[string]bool)
	for fields.Next() {
		_, results, err := authres.Parse(fields.Value())
		if err != nil {
			continue
		}
		for _, res := range results {
			s := formatAuthResult(res)
			if s != "" && !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

func formatAuthResult(res authres.Result) string {
	switch r := res.(type) {
	case *authres.SPFResult:
		return "spf=" + string(r.Value)
	case *authres.DKIMResult:
		return "dkim=" + string(r.Value)
	case *authres.DMARCResult:
		return "dmarc=" + string(r.Value)
	case *authres.AuthResult:
		return "auth=" + string(r.Value)
	case *authres.IPRevResult:
		return "iprev=" + string(r.Value)
	case *authres.GenericResult:
		return strings.ToLower(r.Method) + "=" + string(r.Value)
	default:
		return ""
	}
}

// firstTextSnippet returns the whitespace-collapsed start of the first
// inline text part, preferring text/plain.
func firstTextSnippet(mr *mail.Reader) string {
	var fallback string
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				continue
			}
			break
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, err := h.ContentType()
		if err != nil {
			ct = "text/plain"
		}

		switch ct {
		case "text/plain":
			return snippet(p.Body, false)
		case "text/html":
			if fallback == "" {
				fallback = snippet(p.Body, true)
			}
		}
	}
	return fallback
}

func snippet(r io.Reader, html bool) string {
	br := bufio.NewReader(io.LimitReader(r, snippetScan))
	var (
		b       strings.Builder
		inTag   bool
		space   bool
		written int
	)
	for written < SnippetLength {
		c, _, err := br.ReadRune()
		if err != nil {
			break
		}
		if html {
			if c == '<' {
				inTag = true
				continue
			}
			if inTag {
				if c == '>' {
					inTag = false
					space = b.Len() > 0
				}
				continue
			}
		}
		if c == utf8.RuneError || unicode.IsControl(c) && !unicode.IsSpace(c) {
			continue
		}
		if unicode.IsSpace(c) {
			space = b.Len() > 0
			continue
		}
		if space {
			if written+2 > SnippetLength {
				break
			}
			b.WriteByte(' ')
			written++
			space = false
		}
		b.WriteRune(c)
		written++
	}
	return b.String()
}
