package provider

import (
	"slices"
	"strings"
	"testing"
	"time"
)

const multipartMessage = "From: \"Billing Team\" <billing@vendor.com>\r\n" +
	"To: me@example.com, Other <other@example.com>\r\n" +
	"Cc: boss@example.com\r\n" +
	"Subject: =?UTF-8?Q?Invoice_=E2=82=AC42?=\r\n" +
	"Date: Fri, 15 Mar 2024 10:30:00 +0100\r\n" +
	"Message-ID: <m2@vendor.com>\r\n" +
	"References: <root@vendor.com> <m1@vendor.com>\r\n" +
	"Authentication-Results: mx.example.com; spf=pass smtp.mailfrom=vendor.com; dkim=fail header.d=vendor.com\r\n" +
	"Authentication-Results: mx.example.com; dmarc=pass header.from=vendor.com\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=BOUNDARY\r\n" +
	"\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>HTML <b>version</b></p>\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Your invoice\r\n\r\nis attached.\r\n" +
	"--BOUNDARY--\r\n"

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage(strings.NewReader(multipartMessage))
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}

	if msg.From != "Billing Team <billing@vendor.com>" {
		t.Errorf("From = %q", msg.From)
	}
	wantTo := []string{"me@example.com", "Other <other@example.com>", "boss@example.com"}
	if !slices.Equal(msg.To, wantTo) {
		t.Errorf("To = %v, want %v", msg.To, wantTo)
	}
	if msg.Subject != "Invoice €42" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if want := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC); !msg.ReceivedAt.Equal(want) {
		t.Errorf("ReceivedAt = %v, want %v", msg.ReceivedAt, want)
	}
	if msg.ThreadID != "root@vendor.com" {
		t.Errorf("ThreadID = %q", msg.ThreadID)
	}
	if msg.Snippet != "Your invoice is attached." {
		t.Errorf("Snippet = %q", msg.Snippet)
	}

	wantAuth := []string{"dkim=fail", "dmarc=pass", "spf=pass"}
	gotAuth := slices.Sorted(slices.Values(msg.AuthResults))
	if !slices.Equal(gotAuth, wantAuth) {
		t.Errorf("AuthResults = %v, want %v", msg.AuthResults, wantAuth)
	}
}

func TestParseMessageHTMLOnly(t *testing.T) {
	raw := "From: a@b.com\r\nSubject: hi\r\nContent-Type: text/html\r\n\r\n<div>Hello <i>there</i></div>"
	msg, err := ParseMessage(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if msg.Snippet != "Hello there" {
		t.Errorf("Snippet = %q, want %q", msg.Snippet, "Hello there")
	}
}

func TestParseHeader(t *testing.T) {
	msg, err := ParseHeader(strings.NewReader("From: a@b.com\r\nSubject: only headers\r\n"))
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if msg.Subject != "only headers" || msg.Snippet != "" {
		t.Errorf("ParseHeader() = %+v", msg)
	}
}

func TestSnippetTruncates(t *testing.T) {
	got := snippet(strings.NewReader(strings.Repeat("word ", 200)), false)
	if n := len([]rune(got)); n > SnippetLength || n < SnippetLength-5 {
		t.Errorf("snippet length = %d, want close to %d", n, SnippetLength)
	}
	if strings.HasSuffix(got, " ") {
		t.Errorf("snippet ends with a space: %q", got)
	}
}
