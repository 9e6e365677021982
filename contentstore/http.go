package contentstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// HTTPStore talks to a pinning service: uploads go to the API, reads go
// through the public gateway.
type HTTPStore struct {
	APIURL     string
	GatewayURL string
	JWT        string
	HTTP       *http.Client
}

func NewHTTPStore(apiURL, gatewayURL, jwt string) *HTTPStore {
	return &HTTPStore{
		APIURL:     strings.TrimRight(apiURL, "/"),
		GatewayURL: strings.TrimRight(gatewayURL, "/"),
		JWT:        jwt,
		HTTP:       &http.Client{Timeout: 30 * time.Second},
	}
}

type pinResponse struct {
	IpfsHash string `json:"IpfsHash"`
	PinSize  int64  `json:"PinSize"`
}

func (s *HTTPStore) Put(ctx context.Context, data []byte, contentType, ownerHint string) (PutResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="content"`)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return PutResult{}, fmt.Errorf("contentstore: build upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return PutResult{}, fmt.Errorf("contentstore: build upload: %w", err)
	}
	meta, _ := json.Marshal(map[string]any{"keyvalues": map[string]string{"owner": ownerHint}})
	if err := mw.WriteField("pinataMetadata", string(meta)); err != nil {
		return PutResult{}, fmt.Errorf("contentstore: build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return PutResult{}, fmt.Errorf("contentstore: build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.APIURL+"/pinning/pinFileToIPFS", &body)
	if err != nil {
		return PutResult{}, fmt.Errorf("contentstore: new request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	s.authorize(req)

	resp, err := s.HTTP.Do(req)
	if err != nil {
		return PutResult{}, ErrStoreUnavailable.Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return PutResult{}, ErrStoreUnavailable.Wrap(fmt.Errorf("pin returned %d", resp.StatusCode))
	}
	var out pinResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PutResult{}, ErrStoreUnavailable.Wrap(fmt.Errorf("decode pin response: %w", err))
	}
	if out.IpfsHash == "" {
		return PutResult{}, ErrStoreUnavailable.Wrap(fmt.Errorf("pin response has no content id"))
	}
	size := out.PinSize
	if size == 0 {
		size = int64(len(data))
	}
	return PutResult{ContentID: ContentID(out.IpfsHash), SizeBytes: size}, nil
}

func (s *HTTPStore) Get(ctx context.Context, id ContentID) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.GatewayURL+"/ipfs/"+string(id), nil)
	if err != nil {
		return nil, fmt.Errorf("contentstore: new request: %w", err)
	}
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return nil, ErrStoreUnavailable.Wrap(err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 300:
		return nil, ErrStoreUnavailable.Wrap(fmt.Errorf("gateway returned %d", resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ErrStoreUnavailable.Wrap(err)
	}
	return data, nil
}

func (s *HTTPStore) Unpin(ctx context.Context, id ContentID) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.APIURL+"/pinning/unpin/"+string(id), nil)
	if err != nil {
		return false
	}
	s.authorize(req)
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300 || resp.StatusCode == http.StatusNotFound
}

func (s *HTTPStore) authorize(req *http.Request) {
	if s.JWT != "" {
		req.Header.Set("Authorization", "Bearer "+s.JWT)
	}
}
