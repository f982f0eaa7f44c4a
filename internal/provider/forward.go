package provider

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// TLS modes for the forwarding relay.
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
)

// ForwarderConfig configures the SMTP relay used for forward actions.
type ForwarderConfig struct {
	Addr               string
	TLS                string
	InsecureSkipVerify bool
	Username           string
	Password           string
	LocalName          string
	Timeout            time.Duration

	DKIMDomain   string
	DKIMSelector string
	DKIMKeyPath  string
}

// Forwarder relays raw messages to a new recipient over SMTP.
type Forwarder struct {
	cfg  ForwarderConfig
	dkim *dkimSigner
}

// NewForwarder creates a forwarder, loading the DKIM key if configured.
func NewForwarder(cfg ForwarderConfig) (*Forwarder, error) {
	if cfg.Addr == "" {
		return nil, errors.New("forwarder address is required")
	}
	switch cfg.TLS {
	case "":
		cfg.TLS = TLSStartTLS
	case TLSNone, TLSStartTLS, TLSImplicit:
	default:
		return nil, fmt.Errorf("unknown forwarder tls mode %q", cfg.TLS)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	f := &Forwarder{cfg: cfg}
	if cfg.DKIMDomain != "" && cfg.DKIMKeyPath != "" {
		signer, err := loadDKIMSigner(cfg.DKIMDomain, cfg.DKIMSelector, cfg.DKIMKeyPath)
		if err != nil {
			return nil, err
		}
		f.dkim = signer
	}
	return f, nil
}

// Send relays raw from the envelope sender to one recipient. Resent-*
// headers are prepended so the recipient can tell the message was
// forwarded.
func (f *Forwarder) Send(ctx context.Context, from, to string, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "Resent-From: <%s>\r\n", from)
	fmt.Fprintf(&msg, "Resent-To: <%s>\r\n", to)
	fmt.Fprintf(&msg, "Resent-Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	msg.Write(raw)

	data := msg.Bytes()
	if f.dkim != nil {
		var signed bytes.Buffer
		if err := f.dkim.sign(&signed, bytes.NewReader(data)); err != nil {
			return Fatal("forward", fmt.Errorf("dkim signing failed: %w", err))
		}
		data = signed.Bytes()
	}

	return f.send(ctx, from, to, data)
}

// send runs one relay session bounded by the configured timeout and ctx.
// When either ends, the connection is closed, failing the current step.
func (f *Forwarder) send(ctx context.Context, from, to string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", f.cfg.Addr)
	if err != nil {
		return &Error{Op: "forward", Err: fmt.Errorf("failed to connect to relay: %w", err)}
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	err = f.session(ctx, conn, from, to, data)
	if err != nil && ctx.Err() != nil {
		return &Error{Op: "forward", Err: fmt.Errorf("%w: %v", ctx.Err(), err)}
	}
	return err
}

func (f *Forwarder) client(conn net.Conn) (*smtp.Client, error) {
	host, _, _ := net.SplitHostPort(f.cfg.Addr)
	tlsConfig := &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: f.cfg.InsecureSkipVerify,
	}
	switch f.cfg.TLS {
	case TLSNone:
		return smtp.NewClient(conn), nil
	case TLSImplicit:
		return smtp.NewClient(tls.Client(conn, tlsConfig)), nil
	default:
		return smtp.NewClientStartTLS(conn, tlsConfig)
	}
}

func (f *Forwarder) session(ctx context.Context, conn net.Conn, from, to string, data []byte) error {
	c, err := f.client(conn)
	if err != nil {
		return classifySMTP("start session", err)
	}
	defer c.Close()

	// ctx already bounds the session; these only stop the client's own
	// deadlines from firing first.
	c.CommandTimeout = f.cfg.Timeout
	c.SubmissionTimeout = f.cfg.Timeout

	if f.cfg.LocalName != "" {
		if err := c.Hello(f.cfg.LocalName); err != nil {
			return classifySMTP("hello", err)
		}
	}
	if f.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", f.cfg.Username, f.cfg.Password)); err != nil {
			return classifySMTP("authenticate", err)
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return classifySMTP("set sender", err)
	}
	if err := c.Rcpt(to, nil); err != nil {
		return classifySMTP("set recipient", err)
	}
	wc, err := c.Data()
	if err != nil {
		return classifySMTP("start data", err)
	}
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return &Error{Op: "forward", Err: fmt.Errorf("failed to write message: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return classifySMTP("close data", err)
	}

	// The message is accepted at this point; a failed QUIT does not matter.
	_ = c.Quit()
	return nil
}

// classifySMTP maps SMTP replies: 421, and 450 with a 4.7.x policy code,
// are rate limits; other 4xx are temporary; 5xx are permanent.
func classifySMTP(step string, err error) error {
	wrapped := fmt.Errorf("failed to %s: %w", step, err)

	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		return &Error{Op: "forward", Err: wrapped}
	}
	switch {
	case smtpErr.Code == 421 || smtpErr.Code == 450 && smtpErr.EnhancedCode[1] == 7:
		return &RateLimitedError{Err: wrapped}
	case smtpErr.Temporary():
		return &Error{Op: "forward", Err: wrapped}
	default:
		return Fatal("forward", wrapped)
	}
}

type dkimSigner struct {
	domain   string
	selector string
	key      *rsa.PrivateKey
}

func loadDKIMSigner(domain, selector, keyPath string) (*dkimSigner, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read DKIM key: %w", err)
	}
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		var ok bool
		if key, ok = parsed.(*rsa.PrivateKey); !ok {
			return nil, fmt.Errorf("key is not an RSA private key")
		}
	}
	if selector == "" {
		selector = "default"
	}
	return &dkimSigner{domain: domain, selector: selector, key: key}, nil
}

func (s *dkimSigner) sign(w *bytes.Buffer, r *bytes.Reader) error {
	return dkim.Sign(w, r, &dkim.SignOptions{
		Domain:   s.domain,
		Selector: s.selector,
		Signer:   s.key,
		Hash:     crypto.SHA256,
		HeaderKeys: []string{
			"From", "To", "Subject", "Date", "Message-ID",
			"Resent-From", "Resent-To", "Resent-Date",
		},
	})
}
