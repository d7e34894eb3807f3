package s3

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // S3 ETags and Content-MD5
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tonimelisma/drivebridge/internal/backend"
	"github.com/tonimelisma/drivebridge/internal/errs"
	"github.com/tonimelisma/drivebridge/internal/transfer"
	"github.com/tonimelisma/drivebridge/internal/transport"
)

// Upload implements backend.Driver. Objects that fit in one part are sent
// with a single PUT; larger ones go through a multipart upload. A failed
// multipart upload stays on the store unless AbortIncomplete is set.
func (d *Driver) Upload(ctx context.Context, dir *backend.RemoteFile, name string, size int64, r io.Reader) (*backend.RemoteFile, error) {
	name, err := backend.NormalizeName(name)
	if err != nil {
		return nil, err
	}

	key, err := childKey(dir, name)
	if err != nil {
		return nil, err
	}

	plan, err := d.adapter.Plan(size, nil, nil, d.logger)
	if err != nil {
		return nil, err
	}

	var (
		put       *putProtocol
		multipart *multipartProtocol
	)

	if size <= plan.ChunkSize {
		put = &putProtocol{d: d, key: key}
		plan.Protocol = put
	} else {
		multipart = &multipartProtocol{d: d, key: key}
		plan.Protocol = multipart
	}

	plan.Digest = md5.New
	plan.Extra = map[string]string{"key": key}

	out, err := d.engine.Upload(ctx, r, plan)
	if err != nil {
		if multipart != nil && d.abortIncomplete {
			multipart.abort(context.WithoutCancel(ctx))
		}

		return nil, err
	}

	var etag string
	if put != nil {
		etag = put.etag
		if err := checkETag(etag, out.Sum, "upload "+key); err != nil {
			return nil, err
		}
	} else {
		etag = multipart.etag
	}

	d.logger.Info("upload complete",
		slog.String("key", key),
		slog.Int64("size", size),
		slog.Int("chunks", out.Chunks),
	)

	return &backend.RemoteFile{
		ID:       key,
		Name:     name,
		ParentID: dir.ID,
		Size:     size,
		Hash:     etag,
		ETag:     `"` + etag + `"`,
	}, nil
}

// checkETag compares a plain MD5 ETag with sum. ETags in any other form
// (multipart, SSE-KMS) are not content digests and pass.
func checkETag(etag string, sum []byte, op string) error {
	if len(etag) != md5.Size*2 {
		return nil
	}

	if _, err := hex.DecodeString(etag); err != nil {
		return nil //nolint:nilerr // not an MD5 ETag
	}

	if want := hex.EncodeToString(sum); !strings.EqualFold(etag, want) {
		return &errs.Error{
			Kind:    errs.KindIntegrityMismatch,
			Op:      op,
			Code:    "ETag",
			Message: fmt.Sprintf("backend reports %s, sent bytes hash to %s", etag, want),
		}
	}

	return nil
}

// sendObject PUTs body to path with the integrity headers S3 verifies and
// returns the unquoted ETag after checking it against the body's MD5.
func (d *Driver) sendObject(ctx context.Context, path string, q url.Values, body []byte) (string, error) {
	sum := md5.Sum(body) //nolint:gosec // S3 Content-MD5

	header := payloadHeader(body)
	header.Set("Content-MD5", base64.StdEncoding.EncodeToString(sum[:]))

	resp, err := d.exec.Do(ctx, &transport.Request{
		Method:      http.MethodPut,
		Path:        path,
		Query:       q,
		Header:      header,
		Body:        body,
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", err
	}

	if err := drain(resp); err != nil {
		return "", err
	}

	etag := unquote(resp.Header.Get("ETag"))
	if err := checkETag(etag, sum[:], "put "+path); err != nil {
		return "", err
	}

	return etag, nil
}

// putProtocol sends the whole object in one request.
type putProtocol struct {
	d    *Driver
	key  string
	etag string
}

func (p *putProtocol) Open(_ context.Context, s *transfer.Session) error {
	s.RemoteID = p.key
	return nil
}

func (p *putProtocol) SendPart(ctx context.Context, _ *transfer.Session, part *transfer.Part, chunk []byte) error {
	etag, err := p.d.sendObject(ctx, p.d.objectPath(p.key), nil, chunk)
	if err != nil {
		return err
	}

	part.ETag = etag
	p.etag = etag

	return nil
}

func (p *putProtocol) Commit(_ context.Context, s *transfer.Session) error {
	if p.etag == "" {
		return errs.New(errs.KindBackendRejected, "put "+p.key, "response has no ETag")
	}

	s.RemoteID = p.key

	return nil
}

// multipartProtocol runs initiate, upload-part, complete. The MD5 of every
// part is kept so the final ETag can be checked against the composite
// digest S3 derives from them.
type multipartProtocol struct {
	d        *Driver
	key      string
	uploadID string
	sums     [][]byte
	etag     string
}

func (p *multipartProtocol) Open(ctx context.Context, s *transfer.Session) error {
	resp, err := p.d.exec.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		Path:   p.d.objectPath(p.key),
		Query:  url.Values{"uploads": {""}},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var res initiateResult
	if err := decodeXML(resp, "initiate "+p.key, &res); err != nil {
		return err
	}

	if res.UploadID == "" {
		return errs.New(errs.KindBackendRejected, "initiate "+p.key, "response has no UploadId")
	}

	p.uploadID = res.UploadID
	s.UploadID = res.UploadID
	s.RemoteID = p.key

	return nil
}

func (p *multipartProtocol) SendPart(ctx context.Context, s *transfer.Session, part *transfer.Part, chunk []byte) error {
	etag, err := p.d.sendObject(ctx, p.d.objectPath(p.key), url.Values{
		"partNumber": {strconv.Itoa(part.Number)},
		"uploadId":   {s.UploadID},
	}, chunk)
	if err != nil {
		return err
	}

	if etag == "" {
		return errs.New(errs.KindBackendRejected, "upload "+part.String(), "response has no ETag")
	}

	sum := md5.Sum(chunk) //nolint:gosec // S3 composite ETag
	p.sums = append(p.sums, sum[:])
	part.ETag = etag

	return nil
}

func (p *multipartProtocol) Commit(ctx context.Context, s *transfer.Session) error {
	doc := completeUpload{Parts: make([]completePart, len(s.Parts))}
	for i, part := range s.Parts {
		doc.Parts[i] = completePart{PartNumber: part.Number, ETag: `"` + part.ETag + `"`}
	}

	body, err := xml.Marshal(doc)
	if err != nil {
		return errs.Wrap(errs.KindPrecondition, "complete "+p.key, err)
	}

	resp, err := p.d.exec.Do(ctx, &transport.Request{
		Method:      http.MethodPost,
		Path:        p.d.objectPath(p.key),
		Query:       url.Values{"uploadId": {s.UploadID}},
		Body:        body,
		ContentType: "application/xml",
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var res completeResult
	if err := decodeXML(resp, "complete "+p.key, &res); err != nil {
		return err
	}

	p.etag = unquote(res.ETag)

	if want := compositeETag(p.sums); strings.Contains(p.etag, "-") && !strings.EqualFold(p.etag, want) {
		return &errs.Error{
			Kind:    errs.KindIntegrityMismatch,
			Op:      "complete " + p.key,
			Code:    "ETag",
			Message: fmt.Sprintf("backend reports %s, parts hash to %s", p.etag, want),
		}
	}

	p.uploadID = ""
	s.RemoteID = p.key

	return nil
}

// abort releases the parts of an unfinished upload. Failures are logged
// only; the upload has already failed.
func (p *multipartProtocol) abort(ctx context.Context) {
	if p.uploadID == "" {
		return
	}

	resp, err := p.d.exec.Do(ctx, &transport.Request{
		Method: http.MethodDelete,
		Path:   p.d.objectPath(p.key),
		Query:  url.Values{"uploadId": {p.uploadID}},
	})
	if err == nil {
		err = drain(resp)
	}

	if err != nil {
		p.d.logger.Warn("aborting multipart upload failed",
			slog.String("key", p.key),
			slog.String("error", err.Error()),
		)

		return
	}

	p.d.logger.Info("aborted multipart upload", slog.String("key", p.key))
	p.uploadID = ""
}

// compositeETag is the ETag S3 assigns a multipart object: the MD5 of the
// concatenated part MD5s, a dash, and the part count.
func compositeETag(sums [][]byte) string {
	h := md5.New() //nolint:gosec // S3 composite ETag
	h.Write(bytes.Join(sums, nil))

	return hex.EncodeToString(h.Sum(nil)) + "-" + strconv.Itoa(len(sums))
}
