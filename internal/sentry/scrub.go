// Package sentry scrubs relay events before they are sent to error tracking.
// Session cookies, Basic credentials and service tokens never leave the
// process.
package sentry

import (
	"net/url"
	"strings"

	"github.com/getsentry/sentry-go"
)

const filtered = "[Filtered]"

// sensitiveHeaders are HTTP headers redacted from events. Keys are
// canonical header names.
var sensitiveHeaders = map[string]bool{
	"Authorization":          true,
	"Cookie":                 true,
	"Set-Cookie":             true,
	"Sec-Websocket-Protocol": true,
}

// sensitiveKeys are tag, breadcrumb, extra and query keys that may carry
// credentials. Matching is case-insensitive.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"token":         true,
	"access_token":  true,
	"secret":        true,
	"jwt":           true,
	"authorization": true,
	"cookie":        true,
	"sessionid":     true,
	"session_key":   true,
	"session_data":  true,
}

func isSensitive(key string) bool {
	return sensitiveKeys[strings.ToLower(key)]
}

// Options returns client options for dsn with scrubbing installed.
func Options(dsn, environment string) sentry.ClientOptions {
	return sentry.ClientOptions{
		Dsn:                   dsn,
		Environment:           environment,
		BeforeSend:            ScrubEvent,
		BeforeSendTransaction: ScrubTransaction,
	}
}

// ScrubEvent removes sensitive data from a Sentry event before it is sent.
func ScrubEvent(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	if event == nil {
		return nil
	}

	if event.Request != nil {
		for header := range event.Request.Headers {
			if sensitiveHeaders[header] || isSensitive(header) {
				event.Request.Headers[header] = filtered
			}
		}
		if event.Request.Cookies != "" {
			event.Request.Cookies = filtered
		}
		event.Request.QueryString = scrubQuery(event.Request.QueryString)
		// Notify bodies carry opaque application data.
		event.Request.Data = ""
	}

	for key := range event.Tags {
		if isSensitive(key) {
			event.Tags[key] = filtered
		}
	}
	for key := range event.Extra {
		if isSensitive(key) {
			event.Extra[key] = filtered
		}
	}
	for i := range event.Breadcrumbs {
		for key := range event.Breadcrumbs[i].Data {
			if isSensitive(key) {
				event.Breadcrumbs[i].Data[key] = filtered
			}
		}
	}

	return event
}

// ScrubTransaction applies the same scrubbing logic to transaction events.
func ScrubTransaction(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	return ScrubEvent(event, hint)
}

func scrubQuery(raw string) string {
	if raw == "" {
		return raw
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return filtered
	}
	changed := false
	for key := range values {
		if isSensitive(key) {
			values[key] = []string{filtered}
			changed = true
		}
	}
	if !changed {
		return raw
	}
	return values.Encode()
}
