// Package graph is the Microsoft Graph (OneDrive) driver. Requests carry an
// OAuth2 bearer token refreshed through golang.org/x/oauth2; small files go
// up in one request, larger ones through a resumable upload session in
// 320 KiB-aligned chunks; downloads follow the pre-authenticated redirect.
package graph

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/tonimelisma/drivebridge/internal/backend"
	"github.com/tonimelisma/drivebridge/internal/credential"
	"github.com/tonimelisma/drivebridge/internal/errs"
	"github.com/tonimelisma/drivebridge/internal/sign"
	"github.com/tonimelisma/drivebridge/internal/transfer"
	"github.com/tonimelisma/drivebridge/internal/transport"
)

// Kind is the registered driver kind.
const Kind = "graph"

const (
	// chunkAlignment is the required alignment for session chunks; every
	// chunk but the last must be a multiple of it.
	chunkAlignment = 320 * 1024

	// maxChunkSize is the largest chunk an upload session accepts.
	maxChunkSize = 60 * 1024 * 1024

	// simpleUploadMaxSize is the largest file sent in a single request.
	simpleUploadMaxSize = 4 * 1024 * 1024

	defaultChunkSize = 10 * 1024 * 1024
)

func init() {
	backend.Register(Kind, Open)
}

// Options tune a Driver.
type Options struct {
	ChunkSize     int64
	ProxyRequired bool
	Logger        *slog.Logger
}

// Driver implements backend.Driver for one OneDrive account.
type Driver struct {
	name          string
	adapter       *backend.Adapter
	exec          *transport.Executor
	engine        *transfer.Engine
	proxyRequired bool
	logger        *slog.Logger
}

// Open builds a Driver from backend parameters.
func Open(_ context.Context, p backend.Params) (backend.Driver, error) {
	var refresher credential.Refresher
	if p.Config.ClientID != "" {
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
		ProxyRequired: p.Config.ProxyRequired,
		Logger:        p.Logger,
	}, p.ExecutorOptions()...), nil
}

// New creates a driver against baseURL (e.g. https://graph.microsoft.com/v1.0).
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
		Chunking: backend.AlignedChunks(min(chunk, maxChunkSize), chunkAlignment),
		Inspector: transport.CodeInspector{
			Decode:       transport.JSONFields("error.code", "error.message"),
			ExpiredCodes: []string{"InvalidAuthenticationToken"},
			QuotaCodes:   []string{"quotaLimitReached", "insufficientStorage"},
		},
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
	return &backend.RemoteFile{ID: "root", IsDir: true}
}

func itemPath(id string) string {
	return "/me/drive/items/" + url.PathEscape(id)
}

// childPath addresses name under parent by path: items/{parent}:/{name}:
func childPath(parentID, name, suffix string) string {
	return fmt.Sprintf("%s:/%s:%s", itemPath(parentID), url.PathEscape(name), suffix)
}

// List implements backend.Driver, following @odata.nextLink pages.
func (d *Driver) List(ctx context.Context, dir *backend.RemoteFile) ([]*backend.RemoteFile, error) {
	req := &transport.Request{
		Method: http.MethodGet,
		Path:   itemPath(dir.ID) + "/children",
		Query:  url.Values{"$top": {fmt.Sprint(listPageSize)}},
	}

	var files []*backend.RemoteFile

	for page := 1; ; page++ {
		var resp childrenPage
		if err := d.exec.DoJSON(ctx, req, &resp); err != nil {
			return nil, err
		}

		for i := range resp.Value {
			files = append(files, resp.Value[i].remoteFile(d.logger))
		}

		d.logger.Debug("fetched children page",
			slog.String("parent_id", dir.ID),
			slog.Int("page", page),
			slog.Int("count", len(resp.Value)),
		)

		if resp.NextLink == "" {
			return files, nil
		}

		req = &transport.Request{Method: http.MethodGet, URL: resp.NextLink}
	}
}

// Remove implements backend.Driver.
func (d *Driver) Remove(ctx context.Context, file *backend.RemoteFile) error {
	d.logger.Info("deleting item", slog.String("item_id", file.ID))

	return d.exec.DoJSON(ctx, &transport.Request{Method: http.MethodDelete, Path: itemPath(file.ID)}, nil)
}

// Mkdir implements backend.Driver. An existing name is a BackendRejected
// conflict.
func (d *Driver) Mkdir(ctx context.Context, parent *backend.RemoteFile, name string) (*backend.RemoteFile, error) {
	name, err := backend.NormalizeName(name)
	if err != nil {
		return nil, err
	}

	body, err := jsonBody(createFolderRequest{Name: name, ConflictBehavior: "fail"})
	if err != nil {
		return nil, err
	}

	var item driveItem
	if err := d.exec.DoJSON(ctx, &transport.Request{
		Method: http.MethodPost,
		Path:   itemPath(parent.ID) + "/children",
		Body:   body,
	}, &item); err != nil {
		return nil, err
	}

	d.logger.Info("created folder", slog.String("item_id", item.ID), slog.String("name", name))

	return item.remoteFile(d.logger), nil
}

// Download implements backend.Driver. The content endpoint answers with a
// redirect to a pre-authenticated URL, which is fetched unsigned.
func (d *Driver) Download(ctx context.Context, file *backend.RemoteFile, rng *backend.Range) (io.ReadCloser, error) {
	if file.IsDir {
		return nil, errs.Preconditionf("%s is a folder", file.Name)
	}

	return d.engine.Download(ctx, transfer.Source{
		Request: &transport.Request{Method: http.MethodGet, Path: itemPath(file.ID) + "/content"},
	}, rng)
}

// Link implements backend.Driver with the item's pre-authenticated
// download URL.
func (d *Driver) Link(ctx context.Context, file *backend.RemoteFile) (*backend.Link, error) {
	var item driveItem
	if err := d.exec.DoJSON(ctx, &transport.Request{Method: http.MethodGet, Path: itemPath(file.ID)}, &item); err != nil {
		return nil, err
	}

	if item.DownloadURL == "" {
		return nil, errs.New(errs.KindBackendRejected, "link "+file.ID, "item has no download URL")
	}

	return &backend.Link{URL: item.DownloadURL, Proxy: d.proxyRequired}, nil
}
