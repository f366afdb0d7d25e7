package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailfold/mailsync/internal/provider"
	"github.com/mailfold/mailsync/internal/store"
)

func TestParseMessage(t *testing.T) {
	msg := &provider.MessagePayload{
		ID:           "m1",
		ThreadID:     "t1",
		LabelIDs:     []string{"INBOX", "STARRED"},
		Snippet:      "snippet text",
		SizeEstimate: 2048,
		InternalDate: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Headers: []provider.Header{
			{Name: "Subject", Value: "Quarterly report"},
			{Name: "From", Value: "Ann Smith <ann@example.com>"},
			{Name: "To", Value: "bob@example.com, Carol Jones <carol@example.com>"},
			{Name: "Cc", Value: "dave@example.com"},
			{Name: "Reply-To", Value: "ann-reply@example.com"},
			{Name: "Message-ID", Value: "<abc@mail.example.com>"},
			{Name: "Date", Value: "Mon, 02 Feb 2026 10:30:00 +0000"},
		},
		Payload: provider.Part{
			MimeType: "multipart/alternative",
			Parts: []provider.Part{
				{MimeType: "text/plain", Data: []byte("plain body")},
				{MimeType: "text/html", Data: []byte("<p>html body</p>")},
			},
		},
	}

	rec := parseMessage("acct", msg)

	assert.Equal(t, "acct", rec.AccountID)
	assert.Equal(t, "m1", rec.ProviderID)
	assert.Equal(t, "t1", rec.ThreadID)
	assert.Equal(t, "Quarterly report", rec.Subject)
	assert.Equal(t, store.Address{Name: "Ann Smith", Email: "ann@example.com"}, rec.From)
	require.Len(t, rec.To, 2)
	assert.Equal(t, store.Address{Email: "bob@example.com"}, rec.To[0])
	assert.Equal(t, store.Address{Name: "Carol Jones", Email: "carol@example.com"}, rec.To[1])
	require.Len(t, rec.Cc, 1)
	assert.Equal(t, "ann-reply@example.com", rec.ReplyTo)
	assert.Equal(t, "<abc@mail.example.com>", rec.MessageID)
	assert.Equal(t, time.Date(2026, 2, 2, 10, 30, 0, 0, time.UTC), rec.Date.UTC())
	assert.Equal(t, "plain body", rec.TextBody)
	assert.Equal(t, "<p>html body</p>", rec.HTMLBody)
	assert.True(t, rec.Read)
	assert.True(t, rec.Starred)
	assert.False(t, rec.Important)
	assert.Equal(t, int64(2048), rec.Size)
}

func TestParseMessage_FlagsFromLabels(t *testing.T) {
	rec := parseMessage("acct", &provider.MessagePayload{
		ID:       "m1",
		LabelIDs: []string{"UNREAD", "IMPORTANT"},
	})
	assert.False(t, rec.Read)
	assert.False(t, rec.Starred)
	assert.True(t, rec.Important)
}

func TestParseMessage_DateFallsBackToInternal(t *testing.T) {
	internal := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := parseMessage("acct", &provider.MessagePayload{
		ID:           "m1",
		InternalDate: internal,
		Headers: []provider.Header{
			{Name: "Date", Value: "not a date at all"},
		},
	})
	assert.Equal(t, internal, rec.Date)
}

func TestExtractBodies_FirstPartWins(t *testing.T) {
	root := provider.Part{
		MimeType: "multipart/mixed",
		Parts: []provider.Part{
			{
				MimeType: "multipart/alternative",
				Parts: []provider.Part{
					{MimeType: "text/plain", Data: []byte("first plain")},
					{MimeType: "text/html", Data: []byte("first html")},
				},
			},
			{MimeType: "text/plain", Data: []byte("second plain")},
			{MimeType: "text/html", Data: []byte("second html")},
		},
	}
	text, html := extractBodies(root)
	assert.Equal(t, "first plain", text)
	assert.Equal(t, "first html", html)
}

func TestExtractBodies_SinglePart(t *testing.T) {
	text, html := extractBodies(provider.Part{
		MimeType: "text/plain",
		Data:     []byte("just text"),
	})
	assert.Equal(t, "just text", text)
	assert.Empty(t, html)
}

func TestParseAddress(t *testing.T) {
	cases := []struct {
		in   string
		want store.Address
	}{
		{"Ann Smith <ann@example.com>", store.Address{Name: "Ann Smith", Email: "ann@example.com"}},
		{"ann@example.com", store.Address{Email: "ann@example.com"}},
		{`"Smith, Ann" <ann@example.com>`, store.Address{Name: "Smith, Ann", Email: "ann@example.com"}},
		{"", store.Address{}},
		{"Mailer Daemon", store.Address{Name: "Mailer Daemon"}},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, parseAddress(c.in), "input %q", c.in)
	}
}

func TestSplitAddresses(t *testing.T) {
	got := splitAddresses("a@example.com, B <b@example.com>")
	require.Len(t, got, 2)
	assert.Equal(t, "a@example.com", got[0].Email)
	assert.Equal(t, "B", got[1].Name)

	assert.Nil(t, splitAddresses(""))
}
