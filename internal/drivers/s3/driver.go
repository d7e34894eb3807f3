// Package s3 drives S3-compatible object stores with path-style addressing
// and SigV4-signed requests. Keys are file ids; a key ending in "/" is a
// directory marker. Uploads that fit in one part are a single PUT, larger
// ones use a multipart upload with per-part MD5 verification.
package s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7/pkg/s3utils"

	"github.com/tonimelisma/drivebridge/internal/backend"
	"github.com/tonimelisma/drivebridge/internal/credential"
	"github.com/tonimelisma/drivebridge/internal/errs"
	"github.com/tonimelisma/drivebridge/internal/sign"
	"github.com/tonimelisma/drivebridge/internal/transfer"
	"github.com/tonimelisma/drivebridge/internal/transport"
)

// Kind is the registered driver kind.
const Kind = "s3"

const (
	// minPartSize is the smallest part S3 accepts for all but the last part.
	minPartSize = 5 << 20
	maxParts    = 10000

	defaultChunkSize = 16 << 20
	listPageSize     = 1000
	linkExpiry       = 15 * time.Minute
)

func init() {
	backend.Register(Kind, Open)
}

// presigner is implemented by signing strategies that can put the
// signature in the query string.
type presigner interface {
	Presign(req *http.Request, snap credential.Snapshot, expires time.Duration) string
}

// Options tune a Driver.
type Options struct {
	ChunkSize     int64
	ProxyRequired bool
	// AbortIncomplete sends AbortMultipartUpload after a failed multipart
	// upload. Without it the upload is left for the store to expire.
	AbortIncomplete bool
	Logger          *slog.Logger
}

// Driver implements backend.Driver for one bucket.
type Driver struct {
	name          string
	bucket        string
	adapter       *backend.Adapter
	exec          *transport.Executor
	engine          *transfer.Engine
	proxyRequired   bool
	abortIncomplete bool
	logger          *slog.Logger
}

// Open builds a Driver from backend parameters. access_token, when set, is
// sent as the STS session token.
func Open(_ context.Context, p backend.Params) (backend.Driver, error) {
	session, err := p.Session(nil)
	if err != nil {
		return nil, err
	}

	signer, err := p.Signer(sign.NameSigV4)
	if err != nil {
		return nil, err
	}

	return New(p.Name, p.Config.BaseURL, p.Config.Bucket, session, signer, Options{
		ChunkSize:       p.ChunkSizeOr(defaultChunkSize),
		ProxyRequired:   p.Config.ProxyRequired,
		AbortIncomplete: p.Config.AbortIncomplete,
		Logger:          p.Logger,
	}, p.ExecutorOptions()...)
}

// Inspector recognizes S3 <Error> documents, including those returned with
// status 200 by CompleteMultipartUpload.
func Inspector() transport.Inspector {
	return transport.CodeInspector{
		Decode:       decodeError,
		ExpiredCodes: []string{"ExpiredToken", "TokenRefreshRequired"},
		QuotaCodes:   []string{"QuotaExceeded", "XMinioStorageFull"},
	}
}

// New creates a driver for bucket at endpoint baseURL.
func New(name, baseURL, bucket string, session *credential.Session, signer sign.Strategy, opts Options,
	execOpts ...transport.Option,
) (*Driver, error) {
	if err := s3utils.CheckValidBucketName(bucket); err != nil {
		return nil, errs.Wrap(errs.KindPrecondition, "s3 bucket", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}

	adapter := &backend.Adapter{
		Name:      name,
		BaseURL:   baseURL,
		Signer:    signer,
		Chunking:  backend.TieredChunks(max(chunk, minPartSize), maxParts),
		Inspector: Inspector(),
	}

	exec := adapter.Executor(session, execOpts...)

	return &Driver{
		name:          name,
		bucket:        bucket,
		adapter:       adapter,
		exec:          exec,
		engine:          transfer.NewEngine(exec, logger),
		proxyRequired:   opts.ProxyRequired,
		abortIncomplete: opts.AbortIncomplete,
		logger:          logger,
	}, nil
}

// Name implements backend.Driver.
func (d *Driver) Name() string { return d.name }

// Kind implements backend.Driver.
func (d *Driver) Kind() string { return Kind }

// Root implements backend.Driver. The root is the empty key prefix.
func (d *Driver) Root() *backend.RemoteFile {
	return &backend.RemoteFile{ID: "", IsDir: true}
}

func (d *Driver) bucketPath() string {
	return "/" + d.bucket + "/"
}

func (d *Driver) objectPath(key string) string {
	return d.bucketPath() + s3utils.EncodePath(key)
}

// childKey joins name under the directory prefix dir.
func childKey(dir *backend.RemoteFile, name string) (string, error) {
	if !dir.IsDir {
		return "", errs.Preconditionf("%s is not a directory", dir.ID)
	}

	key := dir.ID + name
	if err := s3utils.CheckValidObjectName(key); err != nil {
		return "", errs.Wrap(errs.KindPrecondition, "s3 key", err)
	}

	return key, nil
}

func payloadHeader(chunk []byte) http.Header {
	sum := sha256.Sum256(chunk)

	h := http.Header{}
	h.Set("X-Amz-Content-Sha256", hex.EncodeToString(sum[:]))

	return h
}

func unquote(etag string) string {
	return strings.Trim(etag, `"`)
}

// drain discards and closes a response body.
func drain(resp *http.Response) error {
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return errs.Wrap(errs.KindNetwork, "", err)
	}

	return nil
}

// List implements backend.Driver with ListObjectsV2, one level deep.
// Common prefixes become directories; the directory's own marker object is
// left out.
func (d *Driver) List(ctx context.Context, dir *backend.RemoteFile) ([]*backend.RemoteFile, error) {
	q := url.Values{
		"list-type": {"2"},
		"prefix":    {dir.ID},
		"delimiter": {"/"},
		"max-keys":  {strconv.Itoa(listPageSize)},
	}

	var files []*backend.RemoteFile

	for {
		resp, err := d.exec.Do(ctx, &transport.Request{Method: http.MethodGet, Path: d.bucketPath(), Query: q})
		if err != nil {
			return nil, err
		}

		var page listResult

		err = decodeXML(resp, "list "+dir.ID, &page)
		resp.Body.Close()

		if err != nil {
			return nil, err
		}

		for _, cp := range page.CommonPrefixes {
			files = append(files, &backend.RemoteFile{
				ID:       cp.Prefix,
				Name:     strings.TrimSuffix(strings.TrimPrefix(cp.Prefix, dir.ID), "/"),
				ParentID: dir.ID,
				IsDir:    true,
			})
		}

		for _, obj := range page.Contents {
			if obj.Key == dir.ID {
				continue
			}

			files = append(files, &backend.RemoteFile{
				ID:       obj.Key,
				Name:     strings.TrimPrefix(obj.Key, dir.ID),
				ParentID: dir.ID,
				Size:     obj.Size,
				ModTime:  obj.LastModified,
				Hash:     unquote(obj.ETag),
				ETag:     obj.ETag,
			})
		}

		if !page.IsTruncated || page.NextContinuationToken == "" {
			return files, nil
		}

		q.Set("continuation-token", page.NextContinuationToken)
	}
}

// Remove implements backend.Driver. A directory must be empty; removing it
// deletes its marker object.
func (d *Driver) Remove(ctx context.Context, file *backend.RemoteFile) error {
	if file.ID == "" {
		return errs.Preconditionf("cannot remove the bucket root")
	}

	if file.IsDir {
		children, err := d.List(ctx, file)
		if err != nil {
			return err
		}

		if len(children) > 0 {
			return errs.Preconditionf("directory %s is not empty", file.ID)
		}
	}

	d.logger.Info("deleting object", slog.String("key", file.ID))

	resp, err := d.exec.Do(ctx, &transport.Request{Method: http.MethodDelete, Path: d.objectPath(file.ID)})
	if err != nil {
		return err
	}

	return drain(resp)
}

// Mkdir implements backend.Driver by writing a zero-byte "name/" marker.
func (d *Driver) Mkdir(ctx context.Context, parent *backend.RemoteFile, name string) (*backend.RemoteFile, error) {
	name, err := backend.NormalizeName(name)
	if err != nil {
		return nil, err
	}

	key, err := childKey(parent, name+"/")
	if err != nil {
		return nil, err
	}

	resp, err := d.exec.Do(ctx, &transport.Request{
		Method: http.MethodPut,
		Path:   d.objectPath(key),
		Header: payloadHeader(nil),
	})
	if err != nil {
		return nil, err
	}

	if err := drain(resp); err != nil {
		return nil, err
	}

	d.logger.Info("created directory marker", slog.String("key", key))

	return &backend.RemoteFile{ID: key, Name: name, ParentID: parent.ID, IsDir: true}, nil
}

// Download implements backend.Driver with a signed GET.
func (d *Driver) Download(ctx context.Context, file *backend.RemoteFile, rng *backend.Range) (io.ReadCloser, error) {
	if file.IsDir {
		return nil, errs.Preconditionf("%s is a directory", file.ID)
	}

	return d.engine.Download(ctx, transfer.Source{
		Request: &transport.Request{Method: http.MethodGet, Path: d.objectPath(file.ID)},
	}, rng)
}

// Link implements backend.Driver with a pre-signed GET URL.
func (d *Driver) Link(ctx context.Context, file *backend.RemoteFile) (*backend.Link, error) {
	if file.IsDir {
		return nil, errs.Preconditionf("%s is a directory", file.ID)
	}

	ps, ok := d.adapter.Signer.(presigner)
	if !ok {
		return nil, errs.Preconditionf("signing %q cannot pre-sign URLs", d.adapter.Signer.Name())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.exec.BaseURL()+d.objectPath(file.ID), http.NoBody)
	if err != nil {
		return nil, errs.Wrap(errs.KindPrecondition, "link "+file.ID, err)
	}

	return &backend.Link{
		URL:     ps.Presign(req, d.exec.Session().Snapshot(), linkExpiry),
		Expires: time.Now().Add(linkExpiry),
		Proxy:   d.proxyRequired,
	}, nil
}
