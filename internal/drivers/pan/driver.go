// Package pan drives pan-style personal cloud drives: JSON POST APIs keyed
// by file id, content-addressed rapid upload negotiated with a SHA-1 prefix
// hash and a full hash plus proof of possession, part URLs handed out by the
// backend, and an explicit complete call. Access tokens are refreshed either
// through a refresh proxy endpoint or an OAuth2 token endpoint.
package pan

import (
	"context"
	"crypto/sha1" //nolint:gosec // backend content addressing
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tonimelisma/drivebridge/internal/backend"
	"github.com/tonimelisma/drivebridge/internal/credential"
	"github.com/tonimelisma/drivebridge/internal/dedup"
	"github.com/tonimelisma/drivebridge/internal/errs"
	"github.com/tonimelisma/drivebridge/internal/sign"
	"github.com/tonimelisma/drivebridge/internal/transfer"
	"github.com/tonimelisma/drivebridge/internal/transport"
)

// Kind is the registered driver kind.
const Kind = "pan"

const (
	rootID = "root"

	defaultChunkSize = 10 * 1024 * 1024
	listPageSize     = 100
	prefixSize       = 1024
)

func init() {
	backend.Register(Kind, Open)
}

// Options tune a Driver.
type Options struct {
	ChunkSize     int64
	Dedup         bool
	ProxyRequired bool
	Logger        *slog.Logger
}

// Driver implements backend.Driver for one pan account.
type Driver struct {
	name          string
	adapter       *backend.Adapter
	exec          *transport.Executor
	engine        *transfer.Engine
	proxyRequired bool
	logger        *slog.Logger
}

// Open builds a Driver from backend parameters. refresh_url selects the
// refresh proxy; otherwise client_id and token_url select OAuth2.
func Open(_ context.Context, p backend.Params) (backend.Driver, error) {
	var refresher credential.Refresher

	switch {
	case p.Config.RefreshURL != "":
		refresher = NewProxyRefresher(p.Config.RefreshURL, p.ExecutorOptions()...)
	case p.Config.ClientID != "" && p.Config.TokenURL != "":
		refresher = credential.NewOAuth2Refresher(p.Config.ClientID, p.Config.ClientSecret,
			p.Config.TokenURL, p.Config.Scopes, p.HTTPClient)
	}

	session, err := p.Session(refresher)
	if err != nil {
		return nil, err
	}

	signer, err := p.Signer(sign.NameBearer)
	if err != nil {
		return nil, err
	}

	return New(p.Name, p.Config.BaseURL, session, signer, Options{
		ChunkSize:     p.ChunkSizeOr(defaultChunkSize),
		Dedup:         p.Config.DedupEnabled(),
		ProxyRequired: p.Config.ProxyRequired,
		Logger:        p.Logger,
	}, p.ExecutorOptions()...), nil
}

// Inspector recognizes the pan error envelope {"code", "message"}, which
// some endpoints return with status 200.
func Inspector() transport.Inspector {
	return transport.CodeInspector{
		Decode:       transport.JSONFields("code", "message"),
		ExpiredCodes: []string{"AccessTokenInvalid", "AccessTokenExpired"},
		QuotaCodes:   []string{"QuotaExhausted", "QuotaExhausted.Drive"},
	}
}

// New creates a driver against baseURL.
func New(name, baseURL string, session *credential.Session, signer sign.Strategy, opts Options,
	execOpts ...transport.Option,
) *Driver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}

	adapter := &backend.Adapter{
		Name:     name,
		BaseURL:  baseURL,
		Signer:   signer,
		Chunking: backend.FixedChunks(chunk),
		Dedup: dedup.Capabilities{
			Enabled:     opts.Dedup,
			PartialHash: true,
			FullHash:    true,
			PrefixSize:  prefixSize,
			Digest:      sha1.New,
		},
		Inspector: Inspector(),
	}

	exec := adapter.Executor(session, execOpts...)

	return &Driver{
		name:          name,
		adapter:       adapter,
		exec:          exec,
		engine:        transfer.NewEngine(exec, logger),
		proxyRequired: opts.ProxyRequired,
		logger:        logger,
	}
}

// Name implements backend.Driver.
func (d *Driver) Name() string { return d.name }

// Kind implements backend.Driver.
func (d *Driver) Kind() string { return Kind }

// Root implements backend.Driver.
func (d *Driver) Root() *backend.RemoteFile {
	return &backend.RemoteFile{ID: rootID, IsDir: true}
}

// post sends a signed JSON POST and decodes the reply into out.
func (d *Driver) post(ctx context.Context, path string, in, out any) error {
	body, err := jsonBody(in)
	if err != nil {
		return err
	}

	return d.exec.DoJSON(ctx, &transport.Request{Method: http.MethodPost, Path: path, Body: body}, out)
}

// List implements backend.Driver, following next_marker pages.
func (d *Driver) List(ctx context.Context, dir *backend.RemoteFile) ([]*backend.RemoteFile, error) {
	req := listRequest{ParentFileID: dir.ID, Limit: listPageSize}

	var files []*backend.RemoteFile

	for {
		var resp listResponse
		if err := d.post(ctx, pathList, req, &resp); err != nil {
			return nil, err
		}

		for i := range resp.Items {
			files = append(files, resp.Items[i].remoteFile())
		}

		if resp.NextMarker == "" {
			return files, nil
		}

		req.Marker = resp.NextMarker
	}
}

// Remove implements backend.Driver.
func (d *Driver) Remove(ctx context.Context, file *backend.RemoteFile) error {
	d.logger.Info("deleting file", slog.String("file_id", file.ID))

	return d.post(ctx, pathDelete, fileRequest{FileID: file.ID}, nil)
}

// Mkdir implements backend.Driver. An existing name is rejected.
func (d *Driver) Mkdir(ctx context.Context, parent *backend.RemoteFile, name string) (*backend.RemoteFile, error) {
	name, err := backend.NormalizeName(name)
	if err != nil {
		return nil, err
	}

	var resp createResponse
	if err := d.post(ctx, pathCreate, createRequest{
		ParentFileID:  parent.ID,
		Name:          name,
		Type:          typeFolder,
		CheckNameMode: "refuse",
	}, &resp); err != nil {
		return nil, err
	}

	d.logger.Info("created folder", slog.String("file_id", resp.FileID), slog.String("name", name))

	return &backend.RemoteFile{ID: resp.FileID, Name: name, ParentID: parent.ID, IsDir: true}, nil
}

func (d *Driver) downloadURL(ctx context.Context, file *backend.RemoteFile) (*downloadURLResponse, error) {
	if file.IsDir {
		return nil, errs.Preconditionf("%s is a folder", file.Name)
	}

	var resp downloadURLResponse
	if err := d.post(ctx, pathGetDownloadURL, fileRequest{FileID: file.ID}, &resp); err != nil {
		return nil, err
	}

	if resp.URL == "" {
		return nil, errs.New(errs.KindBackendRejected, "download url "+file.ID, "response has no url")
	}

	return &resp, nil
}

// Download implements backend.Driver through the file's download URL.
func (d *Driver) Download(ctx context.Context, file *backend.RemoteFile, rng *backend.Range) (io.ReadCloser, error) {
	resp, err := d.downloadURL(ctx, file)
	if err != nil {
		return nil, err
	}

	return d.engine.Download(ctx, transfer.Source{URL: resp.URL}, rng)
}

// Link implements backend.Driver.
func (d *Driver) Link(ctx context.Context, file *backend.RemoteFile) (*backend.Link, error) {
	resp, err := d.downloadURL(ctx, file)
	if err != nil {
		return nil, err
	}

	link := &backend.Link{URL: resp.URL, Proxy: d.proxyRequired}

	if t, err := time.Parse(time.RFC3339, resp.Expiration); err == nil {
		link.Expires = t
	}

	return link, nil
}
