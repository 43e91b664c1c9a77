package gatewayclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	c, err := New(server.URL, Options{}, logging.Discard())
	require.NoError(t, err)
	return c
}

func TestSendTextUsesIdentityToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/send/text", r.URL.Path)
		assert.Equal(t, "seller-token", r.Header.Get("Token"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "555197519607", body["Phone"])
		assert.Equal(t, "ola", body["Body"])
		w.Write([]byte(`{"code":200,"success":true,"data":{"Details":"Sent","Id":"3EB0ABC","Timestamp":1700000000}}`))
	})

	res, err := c.SendText(context.Background(), "seller-token", "555197519607", "ola")
	require.NoError(t, err)
	assert.Equal(t, "3EB0ABC", res.ID)
}

func TestSendRequiresToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("no request expected")
	})
	_, err := c.SendText(context.Background(), "", "555197519607", "ola")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestSendMediaPicksEndpoint(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/send/document", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://cdn/a.pdf", body["Document"])
		assert.Equal(t, "a.pdf", body["FileName"])
		w.Write([]byte(`{"code":200,"success":true,"data":{"Id":"DOC1"}}`))
	})
	res, err := c.SendMedia(context.Background(), "tok", "555197519607", Media{Kind: MediaDocument, URL: "https://cdn/a.pdf", FileName: "a.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "DOC1", res.ID)
}

func TestSendRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"code":500,"success":false,"error":"not connected"}`))
	})
	_, err := c.SendText(context.Background(), "tok", "555197519607", "ola")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
}

func TestGetStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat/status/3EB0ABC":
			w.Write([]byte(`{"code":200,"success":true,"data":{"Id":"3EB0ABC","Status":"DELIVERY_ACK"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	st, err := c.GetStatus(context.Background(), "tok", "3EB0ABC")
	require.NoError(t, err)
	assert.Equal(t, "DELIVERY_ACK", st.Status)

	_, err = c.GetStatus(context.Background(), "tok", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"message"}`)
	assert.NoError(t, VerifySignature("", "", body))
	assert.NoError(t, VerifySignature("s3cret", Sign("s3cret", body), body))
	assert.NoError(t, VerifySignature("s3cret", "sha256="+Sign("s3cret", body), body))
	assert.ErrorIs(t, VerifySignature("s3cret", "", body), ErrMissingSignature)
	assert.ErrorIs(t, VerifySignature("s3cret", Sign("other", body), body), ErrBadSignature)
}

func TestDownloadMediaSendsToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files/a.jpg", r.URL.Path)
		assert.Equal(t, "tok", r.Header.Get("Token"))
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte{0xff, 0xd8})
	}))
	t.Cleanup(server.Close)
	c, err := New(server.URL, Options{}, logging.Discard())
	require.NoError(t, err)

	data, mime, err := c.DownloadMedia(context.Background(), "tok", server.URL+"/files/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8}, data)
	assert.Equal(t, "image/jpeg", mime)

	_, _, err = c.DownloadMedia(context.Background(), "", server.URL+"/files/a.jpg")
	assert.ErrorIs(t, err, ErrMissingToken)
}
