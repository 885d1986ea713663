package server

import (
	"strings"

	"github.com/google/uuid"
)

// ActionDownloadPage asks the session to snapshot its page.
const ActionDownloadPage = "downloadPage"

// ErrNotActive is reported for messages sent to a session that was never
// injected or has expired.
const ErrNotActive = "execution context not active"

// InjectRequest is the body of PUT /sessions/{id}.
type InjectRequest struct {
	URL string `json:"url"`
}

// InjectResult answers an inject.
type InjectResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	URL     string `json:"url,omitempty"`
	Title   string `json:"title,omitempty"`
}

// Message is the body of POST /sessions/{id}/messages.
type Message struct {
	Action string `json:"action"`
}

// SessionID derives the session address of a page, so every client talking
// about the same page talks to the same session.
func SessionID(pageURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(strings.TrimSpace(pageURL))).String()
}
