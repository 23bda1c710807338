package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/l0p7/tollgate/internal/httperr"
	"github.com/l0p7/tollgate/internal/runtime/pipeline"
)

// forwardDownload resolves the stored filename first, then streams the file
// body through without buffering it. The metadata call and the stream share
// the upstream's breaker.
func (a *Agent) forwardDownload(ctx context.Context, r *http.Request, state *pipeline.State, up *Upstream) pipeline.Result {
	id := chi.URLParam(r, "id")
	if id == "" {
		state.Fail(httperr.New(httperr.BadRequest, "The request could not be processed."))
		return pipeline.Result{Name: a.Name(), Status: "denied", Details: "missing file id"}
	}

	name, contentType, ok := a.fetchFileIdentity(ctx, r, state, up, id)
	if !ok {
		return pipeline.Result{Name: a.Name(), Status: "error", Details: "file metadata unavailable"}
	}

	out := outboundRequest{
		method: http.MethodGet,
		url:    up.ResolveURL(outboundPath(state.Request.Path), buildQuery(r, state)),
		header: a.withServiceKey(outboundHeaders(state), up),
	}
	result, callOK := a.call(ctx, state, up, out, up.streamRoundTrip)
	if !callOK {
		return pipeline.Result{Name: a.Name(), Status: "error", Details: "upstream call failed"}
	}

	switch resp := result.(type) {
	case capturedResponse:
		state.Upstream.Status = resp.status
		return a.relayError(state, resp)
	case streamResponse:
		state.Upstream.Status = resp.resp.StatusCode
		state.Response.Status = resp.resp.StatusCode
		state.Response.Headers["Content-Type"] = contentType
		state.Response.Headers["Content-Disposition"] = fmt.Sprintf(`attachment; filename=%q`, name)
		if length := resp.resp.Header.Get("Content-Length"); length != "" {
			state.Response.Headers["Content-Length"] = length
		}
		state.Response.Stream = &cancelReadCloser{ReadCloser: resp.resp.Body, cancel: resp.cancel}
		return pipeline.Result{Name: a.Name(), Status: "ok", Details: "streaming download"}
	default:
		state.Fail(httperr.New(httperr.InternalServerError, "An unexpected error occurred."))
		return pipeline.Result{Name: a.Name(), Status: "error", Details: "unexpected upstream result"}
	}
}

// fetchFileIdentity asks the upstream for the file record so the client gets
// a real filename and content type on the attachment.
func (a *Agent) fetchFileIdentity(ctx context.Context, r *http.Request, state *pipeline.State, up *Upstream, id string) (name, contentType string, ok bool) {
	metaPath := state.Route.DownloadMetaPath
	if metaPath == "" {
		metaPath = "/files/{id}"
	}
	metaPath = strings.ReplaceAll(metaPath, "{id}", url.PathEscape(id))

	out := outboundRequest{
		method: http.MethodGet,
		url:    up.ResolveURL(metaPath, buildQuery(r, state)),
		header: a.withServiceKey(outboundHeaders(state), up),
	}
	result, callOK := a.call(ctx, state, up, out, up.roundTrip)
	if !callOK {
		return "", "", false
	}
	captured := result.(capturedResponse)
	if captured.status >= http.StatusBadRequest {
		state.Upstream.Status = captured.status
		a.relayError(state, captured)
		return "", "", false
	}
	name, contentType = fileIdentity(captured.body, id)
	return name, contentType, true
}

// fileIdentity reads the stored name and content type out of the metadata
// body, enveloped or bare, defaulting to the identifier and octet-stream.
func fileIdentity(body []byte, id string) (name, contentType string) {
	name, contentType = id, "application/octet-stream"
	var parsed map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(body), &parsed); err != nil {
		return name, contentType
	}
	record := parsed
	if data, isObj := parsed["data"].(map[string]any); isObj {
		record = data
	}
	for _, key := range []string{"name", "fileName", "filename", "originalName"} {
		if v, isStr := record[key].(string); isStr && v != "" {
			name = v
			break
		}
	}
	for _, key := range []string{"contentType", "mimeType"} {
		if v, isStr := record[key].(string); isStr && v != "" {
			contentType = v
			break
		}
	}
	return name, contentType
}
