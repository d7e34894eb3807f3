package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/tonimelisma/drivebridge/internal/backend"
	"github.com/tonimelisma/drivebridge/internal/errs"
	"github.com/tonimelisma/drivebridge/internal/transfer"
	"github.com/tonimelisma/drivebridge/internal/transport"
	"github.com/tonimelisma/drivebridge/pkg/quickxorhash"
)

// Upload implements backend.Driver. Files up to 4 MB are sent with a single
// PUT; larger files go through an upload session. The QuickXorHash of the
// sent bytes is checked against the hash the drive reports.
func (d *Driver) Upload(ctx context.Context, dir *backend.RemoteFile, name string, size int64, r io.Reader) (*backend.RemoteFile, error) {
	name, err := backend.NormalizeName(name)
	if err != nil {
		return nil, err
	}

	var proto itemProtocol
	if size <= simpleUploadMaxSize {
		proto = &simpleProtocol{d: d, parentID: dir.ID, name: name}
	} else {
		proto = &sessionProtocol{d: d, parentID: dir.ID, name: name}
	}

	plan, err := d.adapter.Plan(size, proto, nil, d.logger)
	if err != nil {
		return nil, err
	}

	if size <= simpleUploadMaxSize {
		plan.ChunkSize = max(size, 1)
	}

	plan.Digest = quickxorhash.New
	plan.Extra = map[string]string{"name": name, "parent_id": dir.ID}

	out, err := d.engine.Upload(ctx, r, plan)
	if err != nil {
		return nil, err
	}

	file := proto.result().remoteFile(d.logger)

	if file.Hash != "" {
		if got := quickxorhash.Encode(out.Sum); got != file.Hash {
			return nil, &errs.Error{
				Kind:    errs.KindIntegrityMismatch,
				Op:      "upload " + name,
				Code:    "quickXorHash",
				Message: fmt.Sprintf("drive reports %s, sent bytes hash to %s", file.Hash, got),
			}
		}
	}

	d.logger.Info("upload complete",
		slog.String("item_id", file.ID),
		slog.String("name", name),
		slog.Int64("size", size),
		slog.Int("chunks", out.Chunks),
	)

	return file, nil
}

// itemProtocol is a transfer.Protocol that yields the created driveItem.
type itemProtocol interface {
	transfer.Protocol
	result() *driveItem
}

// simpleProtocol sends the whole file as one part with a signed PUT to the
// item's content path.
type simpleProtocol struct {
	d        *Driver
	parentID string
	name     string
	item     *driveItem
}

func (p *simpleProtocol) Open(_ context.Context, s *transfer.Session) error {
	s.UploadID = "simple-" + uuid.NewString()
	return nil
}

func (p *simpleProtocol) SendPart(ctx context.Context, s *transfer.Session, part *transfer.Part, chunk []byte) error {
	var item driveItem
	if err := p.d.exec.DoJSON(ctx, &transport.Request{
		Method:      http.MethodPut,
		Path:        childPath(p.parentID, p.name, "/content"),
		Query:       url.Values{"@microsoft.graph.conflictBehavior": {"replace"}},
		Body:        chunk,
		ContentType: "application/octet-stream",
	}, &item); err != nil {
		return err
	}

	p.item = &item
	part.ETag = item.ETag
	s.RemoteID = item.ID

	return nil
}

func (p *simpleProtocol) Commit(_ context.Context, s *transfer.Session) error {
	return requireItem(s, p.item)
}

func (p *simpleProtocol) result() *driveItem { return p.item }

// sessionProtocol uploads through a resumable upload session. Chunks are
// PUT unsigned to the session's pre-authenticated URL with a Content-Range
// header; the drive answers 202 until the last chunk, which returns the
// item. Commit only checks that the item arrived.
type sessionProtocol struct {
	d        *Driver
	parentID string
	name     string
	item     *driveItem
}

func (p *sessionProtocol) Open(ctx context.Context, s *transfer.Session) error {
	body, err := jsonBody(createSessionRequest{Item: sessionItem{ConflictBehavior: "replace"}})
	if err != nil {
		return err
	}

	var resp sessionResponse
	if err := p.d.exec.DoJSON(ctx, &transport.Request{
		Method: http.MethodPost,
		Path:   childPath(p.parentID, p.name, "/createUploadSession"),
		Body:   body,
	}, &resp); err != nil {
		return err
	}

	if resp.UploadURL == "" {
		return errs.New(errs.KindBackendRejected, "create upload session", "response has no uploadUrl")
	}

	// The upload URL embeds a credential; the session is logged by a local id.
	s.UploadID = uuid.NewString()
	s.Set("expires", resp.ExpirationDateTime)

	for i := range s.Parts {
		s.Parts[i].URL = resp.UploadURL
	}

	return nil
}

func (p *sessionProtocol) SendPart(ctx context.Context, s *transfer.Session, part *transfer.Part, chunk []byte) error {
	header := http.Header{}
	header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", part.Offset, part.Offset+part.Size-1, s.TotalSize))

	resp, err := p.d.exec.Fetch(ctx, &transport.Request{
		Method:      http.MethodPut,
		URL:         part.URL,
		Header:      header,
		Body:        chunk,
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		_, err := io.Copy(io.Discard, resp.Body)
		if err != nil {
			return errs.Wrap(errs.KindNetwork, "", err)
		}

		return nil
	case http.StatusOK, http.StatusCreated:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return errs.Wrap(errs.KindNetwork, "", err)
		}

		item, err := itemFromBody(body)
		if err != nil {
			return &errs.Error{Kind: errs.KindBackendRejected, Status: resp.StatusCode,
				Message: "malformed final chunk response", Err: err}
		}

		p.item = item
		part.ETag = item.ETag
		s.RemoteID = item.ID

		return nil
	default:
		return errs.Rejected(resp.StatusCode, "", "unexpected chunk response status")
	}
}

func (p *sessionProtocol) Commit(_ context.Context, s *transfer.Session) error {
	return requireItem(s, p.item)
}

func (p *sessionProtocol) result() *driveItem { return p.item }

func requireItem(s *transfer.Session, item *driveItem) error {
	if item == nil || s.RemoteID == "" {
		return errs.New(errs.KindBackendRejected, "", "upload finished without an item")
	}

	return nil
}

func jsonBody(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.KindPrecondition, "encode request", err)
	}

	return b, nil
}
