package upload

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/rostersync/internal/xmpp/element"
)

func TestRequestID(t *testing.T) {
	assert.Equal(t, "upload-request-1724148000000", RequestID(time.UnixMilli(1724148000000)))
}

func TestSlotRequest(t *testing.T) {
	st := SlotRequest("upload-request-1", jid.MustParse("httpfileupload.d"), "cat.png", 42, "image/png")

	req, ok := st.ChildNS(NS, "request").Get()
	require.True(t, ok)
	assert.Equal(t, "get", st.Type())
	assert.Equal(t, "httpfileupload.d", st.AttrOr("to", ""))
	assert.Equal(t, "cat.png", req.AttrOr("filename", ""))
	assert.Equal(t, "42", req.AttrOr("size", ""))
	assert.Equal(t, "image/png", req.AttrOr("content-type", ""))
}

func TestParseSlot(t *testing.T) {
	st := element.MustParse(`<iq type='result' id='upload-request-1'>
		<slot xmlns='urn:xmpp:http:upload:0'>
			<put url='https://up/put/cat.png'>
				<header name='Authorization'>Basic x</header>
				<header name='X-Evil'>no</header>
			</put>
			<get url='https://up/get/cat.png'/>
		</slot></iq>`)

	slot, err := ParseSlot(st)
	require.NoError(t, err)
	assert.Equal(t, "https://up/put/cat.png", slot.PutURL.String())
	assert.Equal(t, "https://up/get/cat.png", slot.GetURL.String())
	assert.Equal(t, http.Header{"Authorization": {"Basic x"}}, slot.Header)
}

func TestParseSlotErrors(t *testing.T) {
	_, err := ParseSlot(element.MustParse(`<iq type='error'/>`))
	assert.ErrorIs(t, err, element.ErrMalformedStanza)

	_, err = ParseSlot(element.MustParse(`<iq type='result'><slot xmlns='urn:xmpp:http:upload:0'><put/></slot></iq>`))
	assert.ErrorIs(t, err, element.ErrMalformedStanza)

	_, err = ParseSlot(element.MustParse(`<iq type='result'/>`))
	assert.ErrorIs(t, err, element.ErrMalformedStanza)
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestPut(t *testing.T) {
	var body []byte
	var auth, ct string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		body, _ = io.ReadAll(r.Body)
		auth = r.Header.Get("Authorization")
		ct = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	m := NewManager(srv.Client())
	got, err := m.Put(context.Background(), Slot{
		PutURL: mustURL(t, srv.URL+"/put"),
		GetURL: mustURL(t, srv.URL+"/get"),
		Header: http.Header{"Authorization": {"Basic x"}},
	}, "text/plain", []byte("hello"))

	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/get", got)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, "Basic x", auth)
	assert.Equal(t, "text/plain", ct)
}

func TestPutRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewManager(srv.Client()).Put(context.Background(), Slot{PutURL: mustURL(t, srv.URL)}, "text/plain", []byte("x"))
	assert.ErrorContains(t, err, "403")
}

func TestPutWithoutGetURLServesPutURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	got, err := NewManager(srv.Client()).Put(context.Background(), Slot{PutURL: mustURL(t, srv.URL+"/f")}, "text/plain", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/f", got)
}

func TestPutTooLarge(t *testing.T) {
	m := NewManager(nil)
	m.SetMaxSize(2)
	_, err := m.Put(context.Background(), Slot{PutURL: mustURL(t, "http://unused")}, "text/plain", []byte("abc"))
	assert.ErrorContains(t, err, "too large")
}
