// Package upload implements HTTP File Upload (XEP-0363): slot requests and
// the HTTP PUT of file data to the granted slot.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
	xmppupload "mellium.im/xmpp/upload"

	"github.com/meszmate/rostersync/internal/xmpp/element"
)

const NS = xmppupload.NS

// RequestPrefix prefixes slot request ids
const RequestPrefix = "upload-request-"

// DefaultMaxSize caps uploads when the service advertises no limit
const DefaultMaxSize = 10 * 1024 * 1024

// Slot is a granted upload slot. Only the Authorization, Cookie and
// Expires headers of the slot are kept.
type Slot = xmppupload.Slot

// RequestID returns a slot request id derived from t in unix milliseconds
func RequestID(t time.Time) string {
	return RequestPrefix + strconv.FormatInt(t.UnixMilli(), 10)
}

// ContentType guesses a MIME type from the file name
func ContentType(filename string) string {
	if ct := mime.TypeByExtension(filepath.Ext(filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// SlotRequest builds the slot request IQ sent to the upload service
func SlotRequest(id string, service jid.JID, filename string, size int64, contentType string) *element.Element {
	file := xmppupload.File{Name: filename, Size: int(size), Type: contentType}
	return element.Build(stanza.IQ{ID: id, To: service, Type: stanza.GetIQ}.Wrap(file.TokenReader()))
}

// ParseSlot reads the put/get URLs and allowed headers of a slot result
func ParseSlot(st *element.Element) (Slot, error) {
	if st.Type() == string(stanza.ErrorIQ) {
		return Slot{}, fmt.Errorf("upload slot refused: %w", element.ErrMalformedStanza)
	}
	el, ok := st.ChildNS(NS, "slot").Get()
	if !ok {
		return Slot{}, fmt.Errorf("%w: missing slot", element.ErrMalformedStanza)
	}
	var slot Slot
	if err := el.DecodeAs(&slot); err != nil {
		return Slot{}, fmt.Errorf("%w: slot: %v", element.ErrMalformedStanza, err)
	}
	if slot.PutURL == nil {
		return Slot{}, fmt.Errorf("%w: slot put url", element.ErrMalformedStanza)
	}
	return slot, nil
}

// Manager performs uploads into granted slots
type Manager struct {
	client  *http.Client
	maxSize int64
}

// NewManager creates a new upload manager. A nil client uses a client
// with a 60 second timeout.
func NewManager(client *http.Client) *Manager {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Manager{
		client:  client,
		maxSize: DefaultMaxSize,
	}
}

// SetMaxSize sets the maximum upload size
func (m *Manager) SetMaxSize(size int64) {
	m.maxSize = size
}

// MaxSize returns the maximum upload size
func (m *Manager) MaxSize() int64 {
	return m.maxSize
}

// Put uploads data to the slot and returns the URL the file is served at.
// Slots without a get URL serve the file at the put URL.
func (m *Manager) Put(ctx context.Context, slot Slot, contentType string, data []byte) (string, error) {
	if int64(len(data)) > m.maxSize {
		return "", fmt.Errorf("file too large: %d > %d bytes", len(data), m.maxSize)
	}
	if slot.PutURL == nil {
		return "", fmt.Errorf("%w: slot put url", element.ErrMalformedStanza)
	}

	req, err := slot.Put(ctx, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload failed with status: %d", resp.StatusCode)
	}
	if slot.GetURL == nil {
		return slot.PutURL.String(), nil
	}
	return slot.GetURL.String(), nil
}
