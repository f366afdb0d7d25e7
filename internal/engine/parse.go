package engine

import (
	"net/mail"
	"strings"

	"github.com/mailfold/mailsync/internal/provider"
	"github.com/mailfold/mailsync/internal/store"
)

// Label values the provider uses for message flags.
const (
	labelUnread    = "UNREAD"
	labelStarred   = "STARRED"
	labelImportant = "IMPORTANT"
)

// parseMessage turns a fetched payload into the persisted record.
func parseMessage(accountID string, msg *provider.MessagePayload) *store.MessageRecord {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[strings.ToLower(h.Name)] = h.Value
	}

	text, html := extractBodies(msg.Payload)

	date := msg.InternalDate
	if raw := headers["date"]; raw != "" {
		if parsed, err := mail.ParseDate(raw); err == nil {
			date = parsed
		}
	}

	return &store.MessageRecord{
		AccountID:  accountID,
		ProviderID: msg.ID,
		ThreadID:   msg.ThreadID,
		Subject:    headers["subject"],
		From:       parseAddress(headers["from"]),
		To:         splitAddresses(headers["to"]),
		Cc:         splitAddresses(headers["cc"]),
		Bcc:        splitAddresses(headers["bcc"]),
		ReplyTo:    headers["reply-to"],
		MessageID:  headers["message-id"],
		Date:       date,
		Snippet:    msg.Snippet,
		TextBody:   text,
		HTMLBody:   html,
		Labels:     msg.LabelIDs,
		Read:       !hasLabel(msg.LabelIDs, labelUnread),
		Starred:    hasLabel(msg.LabelIDs, labelStarred),
		Important:  hasLabel(msg.LabelIDs, labelImportant),
		Size:       msg.SizeEstimate,
	}
}

// extractBodies walks the MIME tree depth-first. The first text/plain
// part wins for the text body and the first text/html part for the HTML
// body, independently. Both empty is a valid outcome.
func extractBodies(root provider.Part) (text, html string) {
	var walk func(p provider.Part)
	walk = func(p provider.Part) {
		if len(p.Data) > 0 {
			switch p.MimeType {
			case "text/plain":
				if text == "" {
					text = string(p.Data)
				}
			case "text/html":
				if html == "" {
					html = string(p.Data)
				}
			}
		}
		for _, child := range p.Parts {
			walk(child)
		}
	}
	walk(root)
	return text, html
}

// parseAddress splits one header value into display name and address.
// net/mail handles the RFC form; the fallback mirrors what mailers
// actually emit for bare or malformed values.
func parseAddress(value string) store.Address {
	value = strings.TrimSpace(value)
	if value == "" {
		return store.Address{}
	}
	if addr, err := mail.ParseAddress(value); err == nil {
		return store.Address{Name: addr.Name, Email: addr.Address}
	}

	if open := strings.Index(value, "<"); open >= 0 {
		name := strings.Trim(strings.TrimSpace(value[:open]), `"`)
		email := value[open+1:]
		if gt := strings.Index(email, ">"); gt >= 0 {
			email = email[:gt]
		}
		return store.Address{Name: name, Email: strings.TrimSpace(email)}
	}
	if strings.Contains(value, "@") {
		return store.Address{Email: value}
	}
	return store.Address{Name: value}
}

// splitAddresses parses a comma-separated recipient header.
func splitAddresses(value string) []store.Address {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if list, err := mail.ParseAddressList(value); err == nil {
		out := make([]store.Address, 0, len(list))
		for _, a := range list {
			out = append(out, store.Address{Name: a.Name, Email: a.Address})
		}
		return out
	}
	var out []store.Address
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, parseAddress(part))
	}
	return out
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}
