package pan

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/tonimelisma/drivebridge/internal/backend"
	"github.com/tonimelisma/drivebridge/internal/dedup"
	"github.com/tonimelisma/drivebridge/internal/errs"
	"github.com/tonimelisma/drivebridge/internal/transfer"
	"github.com/tonimelisma/drivebridge/internal/transport"
)

// proofRangeSize caps the byte range hashed for proof of possession.
const proofRangeSize = 64 << 10

// Session.Extra keys.
const (
	extraFileID   = "file_id"
	extraUploadID = "upload_id"
	partURLPrefix = "part_url."
)

// Upload implements backend.Driver. With dedup enabled the backend is asked
// first whether it already holds the content; a hit completes without
// sending any bytes and returns the existing file id.
func (d *Driver) Upload(ctx context.Context, dir *backend.RemoteFile, name string, size int64, r io.Reader) (*backend.RemoteFile, error) {
	name, err := backend.NormalizeName(name)
	if err != nil {
		return nil, err
	}

	target := createRequest{
		ParentFileID:  dir.ID,
		Name:          name,
		Type:          typeFile,
		CheckNameMode: "overwrite",
		Size:          size,
	}

	proto := &uploadProtocol{d: d, target: target}
	checker := &proofChecker{d: d, target: target}

	plan, err := d.adapter.Plan(size, proto, checker, d.logger)
	if err != nil {
		return nil, err
	}

	parts, err := transfer.PlanParts(size, plan.ChunkSize)
	if err != nil {
		return nil, err
	}

	proto.parts = len(parts)
	checker.parts = len(parts)

	plan.Digest = d.adapter.Dedup.Digest
	plan.Extra = map[string]string{"name": name, "parent_id": dir.ID}

	out, err := d.engine.Upload(ctx, r, plan)
	if err != nil {
		return nil, err
	}

	if out.Deduplicated {
		d.logger.Info("rapid upload", slog.String("file_id", out.RemoteID), slog.String("name", name))

		return &backend.RemoteFile{
			ID:           out.RemoteID,
			Name:         name,
			ParentID:     dir.ID,
			Size:         size,
			Hash:         out.Probe.FullHash,
			Deduplicated: true,
		}, nil
	}

	file := proto.done.remoteFile()

	if sum := hex.EncodeToString(out.Sum); file.Hash != "" && !strings.EqualFold(file.Hash, sum) {
		return nil, &errs.Error{
			Kind:    errs.KindIntegrityMismatch,
			Op:      "upload " + name,
			Code:    "content_hash",
			Message: fmt.Sprintf("backend reports %s, sent bytes hash to %s", file.Hash, sum),
		}
	}

	d.logger.Info("upload complete",
		slog.String("file_id", file.ID),
		slog.String("name", name),
		slog.Int64("size", size),
		slog.Int("chunks", out.Chunks),
	)

	return file, nil
}

func partList(n int) []partInfo {
	parts := make([]partInfo, n)
	for i := range parts {
		parts[i].PartNumber = i + 1
	}

	return parts
}

// sessionExtra records an opened upload so Open can reuse it instead of
// creating a second one.
func sessionExtra(resp *createResponse) map[string]string {
	extra := map[string]string{extraFileID: resp.FileID, extraUploadID: resp.UploadID}

	for _, p := range resp.PartInfoList {
		if p.UploadURL != "" {
			extra[partURLPrefix+strconv.Itoa(p.PartNumber)] = p.UploadURL
		}
	}

	return extra
}

// proofChecker runs the two dedup rounds against create_with_proof. The
// first round sends the prefix hash; PreHashMatched asks for the second,
// which sends the full hash and a range hash at an offset derived from the
// access token. A miss on either round opens the upload session right away
// and hands it to the protocol through Answer.Extra.
type proofChecker struct {
	d      *Driver
	target createRequest
	parts  int
}

func (c *proofChecker) Check(ctx context.Context, p *dedup.Probe) (dedup.Answer, error) {
	req := c.target
	req.PartInfoList = partList(c.parts)

	if p.FullHash == "" {
		req.PreHash = p.PartialHash
	} else {
		offset, length := proofRange(c.d.exec.Session().Snapshot().AccessToken, p.Size)

		proof, err := p.RangeHash(offset, length)
		if err != nil {
			return dedup.Answer{}, err
		}

		req.ContentHashName = hashName
		req.ContentHash = p.FullHash
		req.ProofCode = proof
		req.ProofVersion = proofVersion
	}

	var resp createResponse
	if err := c.d.post(ctx, pathCreate, req, &resp); err != nil {
		var te *errs.Error
		if errors.As(err, &te) && te.Code == codePreHashMatched {
			return dedup.Answer{Verdict: dedup.NeedsFullHash}, nil
		}

		return dedup.Answer{}, err
	}

	if resp.RapidUpload {
		return dedup.Answer{Verdict: dedup.Exists, RemoteID: resp.FileID}, nil
	}

	return dedup.Answer{Verdict: dedup.NotFound, Extra: sessionExtra(&resp)}, nil
}

// proofRange picks the proof window: an offset derived from the access
// token so a proof cannot be replayed across sessions, and up to
// proofRangeSize bytes from there.
func proofRange(token string, size int64) (int64, int64) {
	if size == 0 {
		return 0, 0
	}

	sum := sha256.Sum256([]byte(token))
	offset := int64(binary.BigEndian.Uint64(sum[:8]) % uint64(size))

	return offset, min(proofRangeSize, size-offset)
}

// uploadProtocol sends parts to backend-issued URLs. URLs missing after
// open are fetched per part; a URL that has expired (403) is fetched again
// once before the part fails.
type uploadProtocol struct {
	d      *Driver
	target createRequest
	parts  int
	done   *item
}

func (p *uploadProtocol) Open(ctx context.Context, s *transfer.Session) error {
	if s.Get(extraFileID) == "" {
		req := p.target
		req.PartInfoList = partList(p.parts)

		var resp createResponse
		if err := p.d.post(ctx, pathCreate, req, &resp); err != nil {
			return err
		}

		for k, v := range sessionExtra(&resp) {
			s.Set(k, v)
		}
	}

	if s.Get(extraFileID) == "" || s.Get(extraUploadID) == "" {
		return errs.New(errs.KindBackendRejected, "create upload", "response has no file_id or upload_id")
	}

	s.RemoteID = s.Get(extraFileID)
	s.UploadID = s.Get(extraUploadID)

	for i := range s.Parts {
		s.Parts[i].URL = s.Get(partURLPrefix + strconv.Itoa(s.Parts[i].Number))
	}

	return nil
}

// ResolvePartURL implements transfer.PartURLResolver.
func (p *uploadProtocol) ResolvePartURL(ctx context.Context, s *transfer.Session, part *transfer.Part) error {
	var resp uploadURLResponse
	if err := p.d.post(ctx, pathGetUploadURL, uploadURLRequest{
		FileID:       s.RemoteID,
		UploadID:     s.UploadID,
		PartInfoList: []partInfo{{PartNumber: part.Number}},
	}, &resp); err != nil {
		return err
	}

	for _, pi := range resp.PartInfoList {
		if pi.PartNumber == part.Number && pi.UploadURL != "" {
			part.URL = pi.UploadURL
			return nil
		}
	}

	return errs.New(errs.KindBackendRejected, "get upload url", fmt.Sprintf("no url for part %d", part.Number))
}

func (p *uploadProtocol) SendPart(ctx context.Context, s *transfer.Session, part *transfer.Part, chunk []byte) error {
	err := p.put(ctx, part, chunk)

	var te *errs.Error
	if errors.As(err, &te) && te.Status == http.StatusForbidden {
		p.d.logger.Debug("part url expired, fetching a new one", slog.Int("part", part.Number))

		if rerr := p.ResolvePartURL(ctx, s, part); rerr != nil {
			return rerr
		}

		err = p.put(ctx, part, chunk)
	}

	return err
}

func (p *uploadProtocol) put(ctx context.Context, part *transfer.Part, chunk []byte) error {
	resp, err := p.d.exec.Fetch(ctx, &transport.Request{
		Method:      http.MethodPut,
		URL:         part.URL,
		Body:        chunk,
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return errs.Wrap(errs.KindNetwork, "", err)
	}

	part.ETag = resp.Header.Get("ETag")

	return nil
}

func (p *uploadProtocol) Commit(ctx context.Context, s *transfer.Session) error {
	var done item
	if err := p.d.post(ctx, pathComplete, completeRequest{FileID: s.RemoteID, UploadID: s.UploadID}, &done); err != nil {
		return err
	}

	if done.FileID == "" {
		done.FileID = s.RemoteID
	}

	s.RemoteID = done.FileID
	p.done = &done

	return nil
}
