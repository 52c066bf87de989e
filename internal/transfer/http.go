package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"unitmover.io/unitmover/internal/domain"
	apperrors "unitmover.io/unitmover/internal/pkg/errors"
)

// ContentType is the media type of every transfer request and response.
const ContentType = "application/cbor"

const (
	// chunkEnvelope is the allowance for the put_chunk fields around the data.
	chunkEnvelope = 4 << 10
	// maxMetaBody bounds begin and commit bodies.
	maxMetaBody = 4 << 20
)

type beginRequest struct {
	ExpectedItemCount  int    `cbor:"1,keyasint"`
	ExpectedTotalBytes uint64 `cbor:"2,keyasint"`
}

type beginResponse struct {
	SessionID string `cbor:"1,keyasint"`
}

type putChunkRequest struct {
	ItemID string `cbor:"1,keyasint"`
	Index  uint32 `cbor:"2,keyasint"`
	Hash   Hash   `cbor:"3,keyasint"`
	Data   []byte `cbor:"4,keyasint"`
}

type errorBody struct {
	Code    string         `cbor:"1,keyasint"`
	Message string         `cbor:"2,keyasint"`
	Params  map[string]any `cbor:"3,keyasint,omitempty"`
}

// RegisterRoutes mounts the transfer protocol on r:
//
//	POST   /sessions              begin
//	POST   /sessions/:id/chunks   put_chunk
//	POST   /sessions/:id/commit   commit_item
//	POST   /sessions/:id/finalize finalize
//	DELETE /sessions/:id          cancel
func RegisterRoutes(r gin.IRouter, svc *Service) {
	h := &handler{svc: svc}
	r.POST("/sessions", h.begin)
	r.POST("/sessions/:id/chunks", h.putChunk)
	r.POST("/sessions/:id/commit", h.commit)
	r.POST("/sessions/:id/finalize", h.finalize)
	r.DELETE("/sessions/:id", h.cancel)
}

type handler struct {
	svc *Service
}

func (h *handler) begin(c *gin.Context) {
	var req beginRequest
	if !bindCBOR(c, &req, maxMetaBody, metaTooLarge) {
		return
	}
	id, err := h.svc.Begin(c.Request.Context(), req.ExpectedItemCount, req.ExpectedTotalBytes)
	if err != nil {
		writeError(c, err)
		return
	}
	writeCBOR(c, http.StatusCreated, beginResponse{SessionID: id})
}

func (h *handler) putChunk(c *gin.Context) {
	var req putChunkRequest
	tooLarge := func(size int64) error {
		return apperrors.ErrChunkTooLarge(int(size), h.svc.maxChunkSize)
	}
	if !bindCBOR(c, &req, int64(h.svc.maxChunkSize)+chunkEnvelope, tooLarge) {
		return
	}
	ack, err := h.svc.PutChunk(c.Request.Context(), c.Param("id"), req.ItemID, req.Index, req.Data, req.Hash)
	if err != nil {
		writeError(c, err)
		return
	}
	writeCBOR(c, http.StatusOK, ack)
}

func (h *handler) commit(c *gin.Context) {
	var manifest ItemManifest
	if !bindCBOR(c, &manifest, maxMetaBody, metaTooLarge) {
		return
	}
	result, err := h.svc.CommitItem(c.Request.Context(), c.Param("id"), manifest)
	if err != nil {
		writeError(c, err)
		return
	}
	writeCBOR(c, http.StatusOK, result)
}

func (h *handler) finalize(c *gin.Context) {
	summary, err := h.svc.Finalize(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeCBOR(c, http.StatusOK, summary)
}

func (h *handler) cancel(c *gin.Context) {
	if err := h.svc.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// bindCBOR decodes a body of at most limit bytes into v. Oversized bodies
// are rejected before they are buffered.
func bindCBOR(c *gin.Context, v any, limit int64, tooLarge func(size int64) error) bool {
	if c.Request.ContentLength > limit {
		writeError(c, tooLarge(c.Request.ContentLength))
		return false
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(c, tooLarge(limit+1))
		return false
	}
	if err == nil {
		err = Unmarshal(body, v)
	}
	if err != nil {
		writeError(c, apperrors.ErrInvalidArgument("malformed CBOR body"))
		return false
	}
	return true
}

func metaTooLarge(size int64) error {
	return apperrors.ErrInvalidArgument(fmt.Sprintf("request body of %d bytes exceeds %d", size, maxMetaBody))
}

func writeCBOR(c *gin.Context, status int, v any) {
	body, err := Marshal(v)
	if err != nil {
		writeError(c, apperrors.ErrInternalf(err, "encoding response"))
		return
	}
	c.Data(status, ContentType, body)
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Code: apperrors.CodeInternal, Message: "An internal error occurred"}
	if appErr, ok := apperrors.IsAppError(err); ok {
		status = appErr.HTTPStatus
		body = errorBody{Code: appErr.Code, Message: appErr.Message, Params: appErr.Params}
	}
	_ = c.Error(err)
	encoded, encErr := Marshal(body)
	if encErr != nil {
		c.Status(status)
		return
	}
	c.Data(status, ContentType, encoded)
}

// Client is an Endpoint speaking the transfer protocol over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ Endpoint = (*Client)(nil)

// NewClient creates a client for the daemon at baseURL, e.g.
// "http://10.0.0.7:8090".
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/") + "/transfer/v1",
		http:    &http.Client{Timeout: timeout},
	}
}

// Begin implements Endpoint.
func (c *Client) Begin(ctx context.Context, expectedItemCount int, expectedTotalBytes uint64) (string, error) {
	var resp beginResponse
	err := c.do(ctx, http.MethodPost, "/sessions", beginRequest{
		ExpectedItemCount:  expectedItemCount,
		ExpectedTotalBytes: expectedTotalBytes,
	}, &resp)
	return resp.SessionID, err
}

// PutChunk implements Endpoint.
func (c *Client) PutChunk(ctx context.Context, sessionID, itemID string, index uint32, data []byte, chunkHash Hash) (Ack, error) {
	var ack Ack
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "chunks"), putChunkRequest{
		ItemID: itemID,
		Index:  index,
		Hash:   chunkHash,
		Data:   data,
	}, &ack)
	return ack, err
}

// CommitItem implements Endpoint.
func (c *Client) CommitItem(ctx context.Context, sessionID string, manifest ItemManifest) (CommitResult, error) {
	var result CommitResult
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "commit"), manifest, &result)
	return result, err
}

// Finalize implements Endpoint.
func (c *Client) Finalize(ctx context.Context, sessionID string) (domain.TransferSummary, error) {
	var summary domain.TransferSummary
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "finalize"), nil, &summary)
	return summary, err
}

// Cancel implements Endpoint.
func (c *Client) Cancel(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, sessionPath(sessionID, ""), nil, nil)
}

func sessionPath(sessionID, action string) string {
	p := "/sessions/" + url.PathEscape(sessionID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", ContentType)
	}
	req.Header.Set("Accept", ContentType)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return apperrors.ErrTransferUnavailable(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.ErrTransferUnavailable(err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := Unmarshal(raw, out); err != nil {
		return apperrors.ErrInternalf(err, "decoding %s %s response", method, path)
	}
	return nil
}

func decodeError(status int, raw []byte) error {
	var body errorBody
	if err := Unmarshal(raw, &body); err != nil || body.Code == "" {
		err := fmt.Errorf("destination returned HTTP %d", status)
		if status >= http.StatusInternalServerError {
			return apperrors.ErrTransferUnavailable(err)
		}
		return apperrors.Wrap(err, apperrors.CodeInternal, "unexpected destination response", status)
	}
	appErr := apperrors.New(body.Code, body.Message, status)
	if len(body.Params) > 0 {
		appErr.WithParams(body.Params)
	}
	return appErr
}

// IsRetryable reports whether a transfer call may succeed if repeated
// unchanged.
func IsRetryable(err error) bool {
	var appErr *apperrors.AppError
	return errors.As(err, &appErr) && appErr.Retryable()
}
