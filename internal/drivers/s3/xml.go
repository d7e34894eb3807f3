package s3

import (
	"encoding/xml"
	"net/http"
	"time"

	"github.com/tonimelisma/drivebridge/internal/errs"
)

type initiateResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

type completeUpload struct {
	XMLName xml.Name       `xml:"CompleteMultipartUpload"`
	Parts   []completePart `xml:"Part"`
}

type completePart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

type completeResult struct {
	XMLName  xml.Name `xml:"CompleteMultipartUploadResult"`
	Location string   `xml:"Location"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	ETag     string   `xml:"ETag"`
}

type listResult struct {
	XMLName               xml.Name       `xml:"ListBucketResult"`
	Contents              []object       `xml:"Contents"`
	CommonPrefixes        []commonPrefix `xml:"CommonPrefixes"`
	IsTruncated           bool           `xml:"IsTruncated"`
	NextContinuationToken string         `xml:"NextContinuationToken"`
}

type object struct {
	Key          string    `xml:"Key"`
	Size         int64     `xml:"Size"`
	ETag         string    `xml:"ETag"`
	LastModified time.Time `xml:"LastModified"`
}

type commonPrefix struct {
	Prefix string `xml:"Prefix"`
}

type errorResponse struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	RequestID string   `xml:"RequestId"`
}

// decodeError extracts Code and Message from an S3 <Error> document. Any
// other document yields no code. CompleteMultipartUpload can fail with an
// <Error> body under status 200, so success bodies are inspected too.
func decodeError(_ int, body []byte) (string, string) {
	var e errorResponse
	if err := xml.Unmarshal(body, &e); err != nil {
		return "", ""
	}

	return e.Code, e.Message
}

// decodeXML decodes an XML response body into out.
func decodeXML(resp *http.Response, op string, out any) error {
	if err := xml.NewDecoder(resp.Body).Decode(out); err != nil {
		return &errs.Error{
			Kind:    errs.KindBackendRejected,
			Op:      op,
			Status:  resp.StatusCode,
			Message: "malformed XML response",
			Err:     err,
		}
	}

	return nil
}
