package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/scrapeserv/engine"
	"github.com/use-agent/scrapeserv/models"
	"github.com/use-agent/scrapeserv/stream"
)

func encodedServer(t *testing.T, check func(*http.Request)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		format, err := models.NegotiateFormat(r.Header.Get("Accept"))
		require.NoError(t, err)

		enc, err := stream.New(&engine.Success{
			Status:      200,
			Headers:     map[string]string{"content-type": "text/html"},
			Content:     engine.BytesArtifact("<p>hello</p>"),
			Screenshots: []engine.Artifact{engine.BytesArtifact("one"), engine.BytesArtifact("two")},
			Metadata:    map[string]any{"title": "Hello"},
		}, format)
		require.NoError(t, err)

		w.Header().Set("Content-Type", enc.ContentType())
		_, err = enc.WriteTo(w)
		require.NoError(t, err)
	}))
}

func TestClient_Scrape(t *testing.T) {
	var got models.ScrapeRequest
	srv := encodedServer(t, func(r *http.Request) {
		assert.Equal(t, "/scrape", r.URL.Path)
		assert.Equal(t, "Bearer k1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	})
	defer srv.Close()

	wait := 0
	resp, err := New(srv.URL+"/", "k1").Scrape(context.Background(), models.ScrapeRequest{
		URL:  "https://example.com",
		Wait: &wait,
	}, "image/png")
	require.NoError(t, err)

	assert.Equal(t, "https://example.com", got.URL)
	require.NotNil(t, got.Wait)
	assert.Equal(t, 0, *got.Wait)
	assert.Nil(t, got.MaxScreenshots, "absent fields stay absent on the wire")

	assert.Equal(t, 200, resp.Info.Status)
	assert.Equal(t, "Hello", resp.Info.Metadata["title"])
	assert.Equal(t, "main.html", resp.Content.Name)
	assert.Equal(t, "<p>hello</p>", string(resp.Content.Data))
	require.Len(t, resp.Screenshots, 2)
	assert.Equal(t, "ss1.png", resp.Screenshots[1].Name)
	assert.Equal(t, "image/png", resp.Screenshots[1].ContentType)
	assert.Equal(t, "two", string(resp.Screenshots[1].Data))
}

func TestClient_NoKeyNoHeader(t *testing.T) {
	srv := encodedServer(t, func(r *http.Request) {
		_, present := r.Header["Authorization"]
		assert.False(t, present)
	})
	defer srv.Close()

	_, err := New(srv.URL, "").Scrape(context.Background(), models.ScrapeRequest{URL: "https://example.com"}, "")
	require.NoError(t, err)
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"URL was judged to be unsafe"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Scrape(context.Background(), models.ScrapeRequest{URL: "http://10.0.0.1"}, "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, models.MsgUnsafeURL, apiErr.Message)
}

func TestDecode_Rejects(t *testing.T) {
	_, err := Decode("application/json", strings.NewReader("{}"), 1024)
	assert.Error(t, err)

	body := "--b\r\nContent-Type: text/plain\r\nContent-Disposition: attachment; name=\"x\"; filename=\"x.txt\"\r\n\r\nhi\r\n--b--\r\n"
	_, err = Decode("multipart/mixed; boundary=b", strings.NewReader(body), 1024)
	assert.ErrorContains(t, err, "info.json")
}

func TestDecode_PartTooLarge(t *testing.T) {
	enc, err := stream.New(&engine.Success{
		Status:  200,
		Headers: map[string]string{"content-type": "text/plain"},
		Content: engine.BytesArtifact(strings.Repeat("x", 2048)),
	}, models.FormatJPEG)
	require.NoError(t, err)

	var sb strings.Builder
	_, err = enc.WriteTo(&sb)
	require.NoError(t, err)

	_, err = Decode(enc.ContentType(), strings.NewReader(sb.String()), 1024)
	assert.ErrorContains(t, err, "exceeds")
}
