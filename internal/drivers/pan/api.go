package pan

import (
	"encoding/json"
	"time"

	"github.com/tonimelisma/drivebridge/internal/backend"
	"github.com/tonimelisma/drivebridge/internal/errs"
)

// API paths, relative to the backend base URL. Every call is a signed JSON
// POST except part uploads and downloads, which go to pre-authenticated URLs.
const (
	pathList           = "/file/list"
	pathCreate         = "/file/create_with_proof"
	pathGetUploadURL   = "/file/get_upload_url"
	pathComplete       = "/file/complete"
	pathDelete         = "/file/delete"
	pathGetDownloadURL = "/file/get_download_url"
)

const (
	typeFile   = "file"
	typeFolder = "folder"

	// codePreHashMatched asks the client to send the full hash and a proof.
	codePreHashMatched = "PreHashMatched"

	hashName     = "sha1"
	proofVersion = "v2"
)

type item struct {
	FileID       string `json:"file_id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	Size         int64  `json:"size"`
	ContentHash  string `json:"content_hash,omitempty"`
	ParentFileID string `json:"parent_file_id"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

func (it *item) remoteFile() *backend.RemoteFile {
	f := &backend.RemoteFile{
		ID:       it.FileID,
		Name:     it.Name,
		ParentID: it.ParentFileID,
		Size:     it.Size,
		IsDir:    it.Type == typeFolder,
		Hash:     it.ContentHash,
	}

	if t, err := time.Parse(time.RFC3339, it.UpdatedAt); err == nil {
		f.ModTime = t
	}

	return f
}

type listRequest struct {
	ParentFileID string `json:"parent_file_id"`
	Limit        int    `json:"limit"`
	Marker       string `json:"marker,omitempty"`
}

type listResponse struct {
	Items      []item `json:"items"`
	NextMarker string `json:"next_marker"`
}

type partInfo struct {
	PartNumber int    `json:"part_number"`
	UploadURL  string `json:"upload_url,omitempty"`
}

// createRequest creates a folder or starts a file upload. PreHash is sent
// on the first dedup round, ContentHash with ProofCode on the second.
type createRequest struct {
	ParentFileID    string     `json:"parent_file_id"`
	Name            string     `json:"name"`
	Type            string     `json:"type"`
	CheckNameMode   string     `json:"check_name_mode"`
	Size            int64      `json:"size,omitempty"`
	PreHash         string     `json:"pre_hash,omitempty"`
	ContentHashName string     `json:"content_hash_name,omitempty"`
	ContentHash     string     `json:"content_hash,omitempty"`
	ProofCode       string     `json:"proof_code,omitempty"`
	ProofVersion    string     `json:"proof_version,omitempty"`
	PartInfoList    []partInfo `json:"part_info_list,omitempty"`
}

type createResponse struct {
	FileID       string     `json:"file_id"`
	UploadID     string     `json:"upload_id"`
	Name         string     `json:"file_name"`
	RapidUpload  bool       `json:"rapid_upload"`
	PartInfoList []partInfo `json:"part_info_list"`
}

type uploadURLRequest struct {
	FileID       string     `json:"file_id"`
	UploadID     string     `json:"upload_id"`
	PartInfoList []partInfo `json:"part_info_list"`
}

type uploadURLResponse struct {
	PartInfoList []partInfo `json:"part_info_list"`
}

type completeRequest struct {
	FileID   string `json:"file_id"`
	UploadID string `json:"upload_id"`
}

type fileRequest struct {
	FileID string `json:"file_id"`
}

type downloadURLResponse struct {
	URL        string `json:"url"`
	Expiration string `json:"expiration"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func jsonBody(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.KindPrecondition, "encode request", err)
	}

	return b, nil
}
