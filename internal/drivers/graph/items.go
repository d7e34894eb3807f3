package graph

import (
	"encoding/json"
	"log/slog"
	"net/url"
	"time"

	"github.com/tonimelisma/drivebridge/internal/backend"
)

// listPageSize is the $top value for children listings, the maximum the
// Graph API allows for drive item collections.
const listPageSize = 200

// driveItem mirrors the Graph API driveItem JSON fields the driver reads.
type driveItem struct {
	ID                   string       `json:"id"`
	Name                 string       `json:"name"`
	Size                 int64        `json:"size"`
	ETag                 string       `json:"eTag"`
	LastModifiedDateTime string       `json:"lastModifiedDateTime"`
	ParentReference      *parentRef   `json:"parentReference"`
	File                 *fileFacet   `json:"file"`
	Folder               *folderFacet `json:"folder"`
	DownloadURL          string       `json:"@microsoft.graph.downloadUrl"` //nolint:tagliatelle // Graph API annotation key
}

type parentRef struct {
	ID string `json:"id"`
}

type fileFacet struct {
	Hashes *hashFacet `json:"hashes"`
}

type hashFacet struct {
	QuickXorHash string `json:"quickXorHash"`
	SHA1Hash     string `json:"sha1Hash"`
}

type folderFacet struct {
	ChildCount int `json:"childCount"`
}

type childrenPage struct {
	Value    []driveItem `json:"value"`
	NextLink string      `json:"@odata.nextLink"` //nolint:tagliatelle // OData annotation key
}

type createFolderRequest struct {
	Name             string      `json:"name"`
	Folder           folderFacet `json:"folder"`
	ConflictBehavior string      `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // Graph API annotation key
}

type createSessionRequest struct {
	Item sessionItem `json:"item"`
}

type sessionItem struct {
	ConflictBehavior string `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // Graph API annotation key
	Name             string `json:"name,omitempty"`
}

type sessionResponse struct {
	UploadURL          string `json:"uploadUrl"`
	ExpirationDateTime string `json:"expirationDateTime"`
}

// remoteFile converts a driveItem. Hash is the base64 QuickXorHash when the
// drive reports one.
func (d *driveItem) remoteFile(logger *slog.Logger) *backend.RemoteFile {
	f := &backend.RemoteFile{
		ID:          d.ID,
		Name:        decodeName(d.Name),
		Size:        d.Size,
		IsDir:       d.Folder != nil,
		ETag:        d.ETag,
		DownloadURL: d.DownloadURL,
		ModTime:     parseTimestamp(d.LastModifiedDateTime, d.ID, logger),
	}

	if d.ParentReference != nil {
		f.ParentID = d.ParentReference.ID
	}

	if d.File != nil && d.File.Hashes != nil {
		f.Hash = d.File.Hashes.QuickXorHash
	}

	return f
}

// decodeName undoes the %20-style encoding some Graph endpoints leave in
// item names. Names that do not decode are returned unchanged.
func decodeName(name string) string {
	decoded, err := url.PathUnescape(name)
	if err != nil {
		return name
	}

	return decoded
}

// parseTimestamp parses an RFC3339 timestamp. Missing or invalid values
// yield the zero time; listings still work without a modification time.
func parseTimestamp(raw, itemID string, logger *slog.Logger) time.Time {
	if raw == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		logger.Warn("invalid item timestamp",
			slog.String("item_id", itemID),
			slog.String("raw", raw),
		)

		return time.Time{}
	}

	return t
}

// itemFromBody decodes a driveItem returned by the final upload request.
func itemFromBody(body []byte) (*driveItem, error) {
	var item driveItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, err
	}

	return &item, nil
}
