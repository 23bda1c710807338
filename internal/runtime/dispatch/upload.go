package dispatch

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/l0p7/tollgate/internal/httperr"
	"github.com/l0p7/tollgate/internal/runtime/pipeline"
	"github.com/l0p7/tollgate/internal/upload"
)

// Form fields other than the file are small; anything past this is abuse.
const maxFieldBytes = 1 << 20

type formField struct {
	name  string
	value string
}

// forwardUpload spools the incoming file to disk, enforcing type and size
// limits before the upstream sees a byte, then replays the form upstream.
func (a *Agent) forwardUpload(ctx context.Context, r *http.Request, state *pipeline.State, up *Upstream) pipeline.Result {
	if a.uploads == nil {
		state.Fail(httperr.New(httperr.InternalServerError, "An unexpected error occurred."))
		return pipeline.Result{Name: a.Name(), Status: "error", Details: "upload manager not configured"}
	}

	reader, err := r.MultipartReader()
	if err != nil {
		state.Fail(httperr.New(httperr.BadRequest, "The request must be multipart/form-data."))
		return pipeline.Result{Name: a.Name(), Status: "denied", Details: "not multipart"}
	}

	var spooled *upload.SpooledFile
	var fileType string
	var fields []formField
	defer func() { spooled.Cleanup() }()

	for {
		part, partErr := reader.NextPart()
		if partErr == io.EOF {
			break
		}
		if partErr != nil {
			state.Fail(httperr.Wrap(httperr.BadRequest, "The upload could not be read.", partErr))
			return pipeline.Result{Name: a.Name(), Status: "denied", Details: "malformed multipart body"}
		}
		if part.FileName() != "" {
			if spooled != nil {
				_ = part.Close()
				continue
			}
			sp, spoolErr := a.uploads.Spool(principalTenant(state), part.FileName(), part)
			fileType = part.Header.Get("Content-Type")
			_ = part.Close()
			if spoolErr != nil {
				state.Fail(httperr.From(spoolErr))
				return pipeline.Result{Name: a.Name(), Status: "denied", Details: "file rejected"}
			}
			spooled = sp
			continue
		}
		value, readErr := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
		_ = part.Close()
		if readErr != nil || len(value) > maxFieldBytes {
			state.Fail(httperr.New(httperr.BadRequest, "The upload could not be read."))
			return pipeline.Result{Name: a.Name(), Status: "denied", Details: "oversized form field"}
		}
		fields = append(fields, formField{name: part.FormName(), value: string(value)})
	}

	if spooled == nil {
		state.Fail(httperr.Validation("No file was provided.", httperr.FieldError{Field: "file", Message: "a file part is required"}))
		return pipeline.Result{Name: a.Name(), Status: "denied", Details: "no file part"}
	}

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(replayForm(writer, fields, spooled, fileType))
	}()

	header := a.withServiceKey(outboundHeaders(state), up)
	header.Set("Content-Type", writer.FormDataContentType())

	out := outboundRequest{
		method: state.Request.Method,
		url:    up.ResolveURL(outboundPath(state.Request.Path), buildQuery(r, state)),
		header: header,
		body:   pr,
	}
	result, ok := a.call(ctx, state, up, out, up.roundTrip)
	if !ok {
		return pipeline.Result{Name: a.Name(), Status: "error", Details: "upstream call failed"}
	}
	return a.deliver(ctx, state, up, result.(capturedResponse), "")
}

// replayForm rebuilds the multipart body for the upstream: scalar fields
// first, then the spooled file under the "file" name with its original
// filename and content type.
func replayForm(w *multipart.Writer, fields []formField, file *upload.SpooledFile, fileType string) error {
	for _, f := range fields {
		if err := w.WriteField(f.name, f.value); err != nil {
			return err
		}
	}
	if fileType == "" {
		fileType = "application/octet-stream"
	}
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, file.OriginalName))
	h.Set("Content-Type", fileType)
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	return w.Close()
}
