package s3

import (
	"bytes"
	"crypto/md5" //nolint:gosec // S3 ETags
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

const testBucket = "media"

// fakeS3 is an in-memory, path-style S3 endpoint for one bucket. It checks
// that requests carry a SigV4 Authorization header (or a query signature)
// but does not verify the signature itself.
type fakeS3 struct {
	t   *testing.T
	srv *httptest.Server

	mu           sync.Mutex
	objects      map[string][]byte
	uploads      map[string]map[int][]byte
	nextUpload   int
	sessionToken string // accepted X-Amz-Security-Token; empty disables the check
	pageSize     int

	quotaFull     bool
	badPartETag   bool
	completeError bool

	puts, parts, aborts, expired int
}

func newFakeS3(t *testing.T) *fakeS3 {
	t.Helper()

	f := &fakeS3{
		t:        t,
		objects:  map[string][]byte{},
		uploads:  map[string]map[int][]byte{},
		pageSize: 1000,
	}

	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)

	return f
}

func writeXML(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)

	out, err := xml.Marshal(v)
	if err != nil {
		panic(err)
	}

	_, _ = w.Write(out) //nolint:errcheck // test server
}

func s3Error(w http.ResponseWriter, status int, code string) {
	writeXML(w, status, errorResponse{Code: code, Message: code + " (fake)", RequestID: "req-1"})
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b) //nolint:gosec // S3 ETag
	return hex.EncodeToString(sum[:])
}

func (f *fakeS3) serve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("X-Amz-Signature") == "" {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "AWS4-HMAC-SHA256 Credential=AK/") {
			s3Error(w, http.StatusForbidden, "AccessDenied")
			return
		}

		if r.Header.Get("X-Amz-Content-Sha256") == "" {
			s3Error(w, http.StatusBadRequest, "MissingContentSha256")
			return
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sessionToken != "" && r.Header.Get("X-Amz-Security-Token") != f.sessionToken {
		f.expired++
		s3Error(w, http.StatusBadRequest, "ExpiredToken")

		return
	}

	prefix := "/" + testBucket + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		s3Error(w, http.StatusNotFound, "NoSuchBucket")
		return
	}

	key := strings.TrimPrefix(r.URL.Path, prefix)

	switch {
	case key == "" && r.Method == http.MethodGet && q.Get("list-type") == "2":
		f.list(w, q)
	case r.Method == http.MethodPost && q.Has("uploads"):
		f.nextUpload++
		id := "up-" + strconv.Itoa(f.nextUpload)
		f.uploads[id] = map[int][]byte{}
		writeXML(w, http.StatusOK, initiateResult{Bucket: testBucket, Key: key, UploadID: id})
	case r.Method == http.MethodPut && q.Has("partNumber"):
		f.putPart(w, r, key, q)
	case r.Method == http.MethodPost && q.Has("uploadId"):
		f.complete(w, r, key, q.Get("uploadId"))
	case r.Method == http.MethodDelete && q.Has("uploadId"):
		f.aborts++
		delete(f.uploads, q.Get("uploadId"))
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodPut:
		f.putObject(w, r, key)
	case r.Method == http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			s3Error(w, http.StatusNotFound, "NoSuchKey")
			return
		}

		w.Header().Set("ETag", `"`+md5Hex(data)+`"`)
		http.ServeContent(w, r, key, time.Time{}, bytes.NewReader(data))
	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		s3Error(w, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}

// readChecked reads the body and verifies Content-MD5 when present.
func readChecked(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s3Error(w, http.StatusBadRequest, "IncompleteBody")
		return nil, false
	}

	if want := r.Header.Get("Content-MD5"); want != "" {
		sum := md5.Sum(data) //nolint:gosec // S3 Content-MD5
		if base64.StdEncoding.EncodeToString(sum[:]) != want {
			s3Error(w, http.StatusBadRequest, "BadDigest")
			return nil, false
		}
	}

	return data, true
}

func (f *fakeS3) putObject(w http.ResponseWriter, r *http.Request, key string) {
	data, ok := readChecked(w, r)
	if !ok {
		return
	}

	if f.quotaFull {
		s3Error(w, http.StatusInsufficientStorage, "XMinioStorageFull")
		return
	}

	f.puts++
	f.objects[key] = data
	w.Header().Set("ETag", `"`+md5Hex(data)+`"`)
	w.WriteHeader(http.StatusOK)
}

func (f *fakeS3) putPart(w http.ResponseWriter, r *http.Request, key string, q url.Values) {
	parts, ok := f.uploads[q.Get("uploadId")]
	if !ok {
		s3Error(w, http.StatusNotFound, "NoSuchUpload")
		return
	}

	n, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil || n < 1 {
		s3Error(w, http.StatusBadRequest, "InvalidArgument")
		return
	}

	data, ok := readChecked(w, r)
	if !ok {
		return
	}

	f.parts++
	parts[n] = data

	etag := md5Hex(data)
	if f.badPartETag {
		etag = md5Hex([]byte(key))
	}

	w.Header().Set("ETag", `"`+etag+`"`)
	w.WriteHeader(http.StatusOK)
}

func (f *fakeS3) complete(w http.ResponseWriter, r *http.Request, key, id string) {
	parts, ok := f.uploads[id]
	if !ok {
		s3Error(w, http.StatusNotFound, "NoSuchUpload")
		return
	}

	var doc completeUpload
	if err := xml.NewDecoder(r.Body).Decode(&doc); err != nil {
		s3Error(w, http.StatusBadRequest, "MalformedXML")
		return
	}

	if f.completeError {
		s3Error(w, http.StatusOK, "InternalError")
		return
	}

	var (
		content []byte
		sums    []byte
	)

	for i, p := range doc.Parts {
		data, ok := parts[p.PartNumber]
		if !ok || p.PartNumber != i+1 || p.ETag != `"`+md5Hex(data)+`"` {
			s3Error(w, http.StatusBadRequest, "InvalidPart")
			return
		}

		sum := md5.Sum(data) //nolint:gosec // S3 composite ETag
		sums = append(sums, sum[:]...)
		content = append(content, data...)
	}

	delete(f.uploads, id)
	f.objects[key] = content

	writeXML(w, http.StatusOK, completeResult{
		Bucket: testBucket,
		Key:    key,
		ETag:   `"` + md5Hex(sums) + "-" + strconv.Itoa(len(doc.Parts)) + `"`,
	})
}

func (f *fakeS3) list(w http.ResponseWriter, q url.Values) {
	prefix := q.Get("prefix")
	after := q.Get("continuation-token")

	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var (
		res  listResult
		seen = map[string]bool{}
		n    int
	)

	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) || k <= after {
			continue
		}

		if n == f.pageSize {
			res.IsTruncated = true
			res.NextContinuationToken = after

			break
		}

		rest := strings.TrimPrefix(k, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			if cp := prefix + rest[:i+1]; !seen[cp] {
				seen[cp] = true
				res.CommonPrefixes = append(res.CommonPrefixes, commonPrefix{Prefix: cp})
			}
		} else {
			res.Contents = append(res.Contents, object{
				Key:          k,
				Size:         int64(len(f.objects[k])),
				ETag:         `"` + md5Hex(f.objects[k]) + `"`,
				LastModified: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC),
			})
		}

		after = k
		n++
	}

	writeXML(w, http.StatusOK, res)
}

func (f *fakeS3) object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[key]

	return data, ok
}

func (f *fakeS3) counts() (puts, parts, aborts int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.puts, f.parts, f.aborts
}

func (f *fakeS3) openUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.uploads)
}

func (f *fakeS3) expiredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.expired
}
