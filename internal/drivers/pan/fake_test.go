package pan

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // matches the backend digest
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"
)

// fakePan is an in-memory pan backend speaking the driver's JSON API.
type fakePan struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	token   string // the only accepted access token
	files   map[string]*fakeFile
	uploads map[string]*fakeUpload
	nextID  int

	pageSize    int
	lazyURLs    bool         // create hands out a URL for part 1 only
	expireOnce  map[int]bool // parts whose first PUT is refused with 403
	quotaFull   bool
	corruptHash bool

	creates, puts, urlCalls, refreshes int
}

type fakeFile struct {
	item
	content []byte
}

type fakeUpload struct {
	fileID string
	req    createRequest
	parts  map[int][]byte
}

func newFakePan(t *testing.T) *fakePan {
	t.Helper()

	f := &fakePan{
		t:          t,
		token:      "at-1",
		files:      map[string]*fakeFile{},
		uploads:    map[string]*fakeUpload{},
		pageSize:   100,
		expireOnce: map[int]bool{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token/refresh", f.handleRefresh)
	mux.HandleFunc("POST "+pathCreate, f.authed(f.handleCreate))
	mux.HandleFunc("POST "+pathGetUploadURL, f.authed(f.handleUploadURL))
	mux.HandleFunc("POST "+pathComplete, f.authed(f.handleComplete))
	mux.HandleFunc("POST "+pathList, f.authed(f.handleList))
	mux.HandleFunc("POST "+pathDelete, f.authed(f.handleDelete))
	mux.HandleFunc("POST "+pathGetDownloadURL, f.authed(f.handleDownloadURL))
	mux.HandleFunc("PUT /upload/{uid}/{n}", f.handlePut)
	mux.HandleFunc("GET /download/{id}", f.handleDownload)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	return f
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // test server
}

func panError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"code": code, "message": code + " from fake"})
}

func sha1Hex(b []byte) string {
	sum := sha1.Sum(b) //nolint:gosec // matches the backend digest
	return hex.EncodeToString(sum[:])
}

// authed rejects stale tokens the way pan services do: status 200 with an
// error code in the body.
func (f *fakePan) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		ok := r.Header.Get("Authorization") == "Bearer "+f.token
		f.mu.Unlock()

		if !ok {
			panError(w, http.StatusOK, "AccessTokenInvalid")
			return
		}

		h(w, r)
	}
}

func (f *fakePan) decode(r *http.Request, v any) {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		f.t.Errorf("decoding %s request: %v", r.URL.Path, err)
	}
}

func (f *fakePan) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	f.decode(r, &req)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.refreshes++

	if req.RefreshToken != "rt" {
		panError(w, http.StatusBadRequest, "InvalidParameter.RefreshToken")
		return
	}

	f.token = "at-" + strconv.Itoa(f.refreshes+1)

	writeJSON(w, http.StatusOK, refreshResponse{AccessToken: f.token, RefreshToken: "rt", ExpiresIn: 7200})
}

func (f *fakePan) newID(prefix string) string {
	f.nextID++
	return prefix + strconv.Itoa(f.nextID)
}

func (f *fakePan) partURL(uid string, n int) string {
	return fmt.Sprintf("%s/upload/%s/%d?sig=s", f.srv.URL, uid, n)
}

func (f *fakePan) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	f.decode(r, &req)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.creates++

	if req.Type == typeFolder {
		for _, ff := range f.files {
			if ff.ParentFileID == req.ParentFileID && ff.Name == req.Name {
				panError(w, http.StatusConflict, "AlreadyExist.File")
				return
			}
		}

		id := f.newID("d")
		f.files[id] = &fakeFile{item: item{FileID: id, Name: req.Name, Type: typeFolder, ParentFileID: req.ParentFileID}}
		writeJSON(w, http.StatusOK, createResponse{FileID: id, Name: req.Name})

		return
	}

	if f.quotaFull {
		panError(w, http.StatusBadRequest, "QuotaExhausted.Drive")
		return
	}

	switch {
	case req.ContentHash != "":
		offset, length := proofRange(f.token, req.Size)

		for _, ff := range f.files {
			if ff.Type != typeFile || ff.Size != req.Size || ff.ContentHash != req.ContentHash {
				continue
			}

			if sha1Hex(ff.content[offset:offset+length]) != req.ProofCode {
				panError(w, http.StatusBadRequest, "InvalidProofCode")
				return
			}

			writeJSON(w, http.StatusOK, createResponse{FileID: ff.FileID, RapidUpload: true})

			return
		}
	case req.PreHash != "":
		for _, ff := range f.files {
			if ff.Type == typeFile && ff.Size == req.Size &&
				sha1Hex(ff.content[:min(int64(prefixSize), ff.Size)]) == req.PreHash {
				panError(w, http.StatusConflict, codePreHashMatched)
				return
			}
		}
	}

	uid := f.newID("u")
	id := f.newID("f")
	f.uploads[uid] = &fakeUpload{fileID: id, req: req, parts: map[int][]byte{}}

	resp := createResponse{FileID: id, UploadID: uid, Name: req.Name}
	for _, p := range req.PartInfoList {
		pi := partInfo{PartNumber: p.PartNumber}
		if !f.lazyURLs || p.PartNumber == 1 {
			pi.UploadURL = f.partURL(uid, p.PartNumber)
		}

		resp.PartInfoList = append(resp.PartInfoList, pi)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (f *fakePan) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	var req uploadURLRequest
	f.decode(r, &req)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.urlCalls++

	if _, ok := f.uploads[req.UploadID]; !ok {
		panError(w, http.StatusNotFound, "NotFound.UploadId")
		return
	}

	var resp uploadURLResponse
	for _, p := range req.PartInfoList {
		resp.PartInfoList = append(resp.PartInfoList, partInfo{PartNumber: p.PartNumber, UploadURL: f.partURL(req.UploadID, p.PartNumber)})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (f *fakePan) handlePut(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "" {
		f.t.Errorf("part upload carried an Authorization header")
	}

	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil {
		http.Error(w, "bad part", http.StatusBadRequest)
		return
	}

	var buf bytes.Buffer
	buf.ReadFrom(r.Body) //nolint:errcheck // test server

	f.mu.Lock()
	defer f.mu.Unlock()

	f.puts++

	if f.expireOnce[n] {
		delete(f.expireOnce, n)
		http.Error(w, "Request has expired", http.StatusForbidden)

		return
	}

	up, ok := f.uploads[r.PathValue("uid")]
	if !ok {
		http.Error(w, "no such upload", http.StatusNotFound)
		return
	}

	up.parts[n] = buf.Bytes()
	w.Header().Set("ETag", `"`+sha1Hex(buf.Bytes())[:8]+`"`)
}

func (f *fakePan) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	f.decode(r, &req)

	f.mu.Lock()
	defer f.mu.Unlock()

	up, ok := f.uploads[req.UploadID]
	if !ok || up.fileID != req.FileID {
		panError(w, http.StatusNotFound, "NotFound.UploadId")
		return
	}

	var content []byte
	for i := 1; i <= len(up.req.PartInfoList); i++ {
		content = append(content, up.parts[i]...)
	}

	if int64(len(content)) != up.req.Size {
		panError(w, http.StatusBadRequest, "SizeMismatch")
		return
	}

	delete(f.uploads, req.UploadID)

	// Overwrite by name in the same folder.
	for id, ff := range f.files {
		if ff.ParentFileID == up.req.ParentFileID && ff.Name == up.req.Name {
			delete(f.files, id)
		}
	}

	hash := sha1Hex(content)
	if f.corruptHash {
		hash = sha1Hex([]byte("corrupt"))
	}

	it := item{
		FileID:       up.fileID,
		Name:         up.req.Name,
		Type:         typeFile,
		Size:         up.req.Size,
		ContentHash:  hash,
		ParentFileID: up.req.ParentFileID,
		UpdatedAt:    "2026-10-01T08:00:00Z",
	}
	f.files[up.fileID] = &fakeFile{item: it, content: content}

	writeJSON(w, http.StatusOK, it)
}

func (f *fakePan) handleList(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	f.decode(r, &req)

	f.mu.Lock()
	defer f.mu.Unlock()

	var items []item
	for _, ff := range f.files {
		if ff.ParentFileID == req.ParentFileID {
			items = append(items, ff.item)
		}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	start := 0
	if req.Marker != "" {
		start, _ = strconv.Atoi(req.Marker) //nolint:errcheck // marker is ours
	}

	end := min(start+min(req.Limit, f.pageSize), len(items))

	resp := listResponse{Items: items[start:end]}
	if end < len(items) {
		resp.NextMarker = strconv.Itoa(end)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (f *fakePan) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req fileRequest
	f.decode(r, &req)

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.files[req.FileID]; !ok {
		panError(w, http.StatusNotFound, "NotFound.File")
		return
	}

	delete(f.files, req.FileID)
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakePan) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	var req fileRequest
	f.decode(r, &req)

	writeJSON(w, http.StatusOK, downloadURLResponse{
		URL:        f.srv.URL + "/download/" + req.FileID + "?sig=d",
		Expiration: "2026-10-19T12:15:00Z",
	})
}

func (f *fakePan) handleDownload(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	ff, ok := f.files[r.PathValue("id")]
	f.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	http.ServeContent(w, r, ff.Name, time.Time{}, bytes.NewReader(ff.content))
}

// content returns the stored bytes of id.
func (f *fakePan) content(id string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ff, ok := f.files[id]; ok {
		return ff.content
	}

	return nil
}

// counts returns creates, puts, and upload-url calls.
func (f *fakePan) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.creates, f.puts, f.urlCalls
}

func (f *fakePan) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.refreshes
}

func (f *fakePan) currentToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.token
}
