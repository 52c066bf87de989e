package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"unitmover.io/unitmover/internal/domain"
	"unitmover.io/unitmover/internal/pkg/logger"
	"unitmover.io/unitmover/internal/provider"
	"unitmover.io/unitmover/internal/transfer"
)

func init() {
	_ = logger.Init("error", "json")
	gin.SetMode(gin.TestMode)
}

func TestDaemonRouter(t *testing.T) {
	ctx := context.Background()
	sink, err := transfer.NewDirSink(t.TempDir())
	require.NoError(t, err)
	svc := transfer.NewService(sink, transfer.Config{MaxChunkSize: 64})

	srv := httptest.NewServer(newRouter(svc, "v1.3.0"))
	t.Cleanup(srv.Close)

	probe := provider.NewDaemonClient(time.Second)
	require.NoError(t, probe.Health(ctx, srv.URL))
	version, err := probe.Version(ctx, srv.URL)
	require.NoError(t, err)
	require.Equal(t, "v1.3.0", version)

	item := domain.Item{ID: "m1", Data: []byte("daemon payload")}
	client := transfer.NewClient(srv.URL, time.Second)
	sessionID, err := client.Begin(ctx, 1, uint64(len(item.Data)))
	require.NoError(t, err)

	chunks, manifest := transfer.Split(item, 8)
	for _, ch := range chunks {
		_, err := client.PutChunk(ctx, sessionID, item.ID, ch.Index, ch.Data, ch.Hash)
		require.NoError(t, err)
	}
	result, err := client.CommitItem(ctx, sessionID, manifest)
	require.NoError(t, err)
	require.True(t, result.OK())

	summary, err := client.Finalize(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, 1, summary.ItemsCommitted)
}

func TestDaemonRouter_RejectsOversizedChunk(t *testing.T) {
	ctx := context.Background()
	sink, err := transfer.NewDirSink(t.TempDir())
	require.NoError(t, err)
	svc := transfer.NewService(sink, transfer.Config{MaxChunkSize: 64})

	srv := httptest.NewServer(newRouter(svc, "v1.3.0"))
	t.Cleanup(srv.Close)

	sessionID, err := transfer.NewClient(srv.URL, time.Second).Begin(ctx, 1, 64)
	require.NoError(t, err)
	url := srv.URL + "/transfer/v1/sessions/" + sessionID + "/chunks"
	oversized := bytes.Repeat([]byte{0xff}, 8<<10)

	tests := []struct {
		name string
		body io.Reader
	}{
		{"declared length", bytes.NewReader(oversized)},
		{"unknown length", io.MultiReader(bytes.NewReader(oversized))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, tt.body)
			require.NoError(t, err)
			req.Header.Set("Content-Type", transfer.ContentType)

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)

			raw, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			var body struct {
				Code string `cbor:"1,keyasint"`
			}
			require.NoError(t, transfer.Unmarshal(raw, &body))
			require.Equal(t, "CHUNK_TOO_LARGE", body.Code)
		})
	}
}
