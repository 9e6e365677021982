package disclosure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"leaseflow/address"
	"leaseflow/apperr"
)

var ErrAttestationUnavailable = apperr.ExternalService("attestation_unavailable", "attestation service is unreachable")

// DID is the decentralized identifier of a wallet at the attestation service.
func DID(party address.Address) string { return "did:pkh:sol:" + party.String() }

// CreateParams asks a credential holder to disclose fields.
type CreateParams struct {
	HolderDID      string   `json:"holderDid"`
	CredentialType string   `json:"credentialType"`
	CredentialID   string   `json:"credentialId,omitempty"`
	RequiredFields []string `json:"requiredFields"`
	Purpose        string   `json:"purpose"`
}

// RemoteRequest is the attestation service's reply to a create call.
type RemoteRequest struct {
	RequestID       string    `json:"requestId"`
	PresentationURI string    `json:"vpRequestUri"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// RemoteStatus is the attestation service's view of one request.
type RemoteStatus struct {
	Status        string            `json:"status"`
	DisclosedData map[string]string `json:"disclosedData,omitempty"`
}

// Attestations summarizes which credentials a holder has.
type Attestations struct {
	Property struct {
		Exists bool `json:"exists"`
		Count  int  `json:"count"`
	} `json:"twland"`
	Citizen struct {
		Exists bool `json:"exists"`
	} `json:"twfido"`
}

// Has reports whether the holder owns a credential of the given type.
func (a Attestations) Has(credentialType string) bool {
	switch credentialType {
	case CredentialProperty:
		return a.Property.Exists && a.Property.Count > 0
	case CredentialCitizen:
		return a.Citizen.Exists
	default:
		return false
	}
}

// Client is the attestation service surface the engine uses.
type Client interface {
	AttestationStatus(ctx context.Context, did string) (Attestations, error)
	CreateRequest(ctx context.Context, params CreateParams) (RemoteRequest, error)
	RequestStatus(ctx context.Context, requestID string) (RemoteStatus, error)
	QRCodeURL(presentationURI string) string
}

type HTTPClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{BaseURL: baseURL, APIKey: apiKey, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	var payload *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("disclosure: marshal request: %w", err)
		}
		payload = bytes.NewReader(b)
	} else {
		payload = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, payload)
	if err != nil {
		return fmt.Errorf("disclosure: build request: %w", err)
	}
	req.Header.Set("X-API-Key", c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return ErrAttestationUnavailable.Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return ErrAttestationUnavailable.WithMessage("attestation service returned %d for %s %s", resp.StatusCode, method, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return ErrAttestationUnavailable.Wrap(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *HTTPClient) AttestationStatus(ctx context.Context, did string) (Attestations, error) {
	var out Attestations
	err := c.do(ctx, http.MethodGet, "/attestations/"+url.PathEscape(did), nil, &out)
	return out, err
}

func (c *HTTPClient) CreateRequest(ctx context.Context, params CreateParams) (RemoteRequest, error) {
	var out RemoteRequest
	err := c.do(ctx, http.MethodPost, "/disclosures", params, &out)
	return out, err
}

func (c *HTTPClient) RequestStatus(ctx context.Context, requestID string) (RemoteStatus, error) {
	var out RemoteStatus
	err := c.do(ctx, http.MethodGet, "/disclosures/"+url.PathEscape(requestID), nil, &out)
	return out, err
}

// QRCodeURL renders the presentation URI as a scannable image link.
func (c *HTTPClient) QRCodeURL(presentationURI string) string {
	return c.BaseURL + "/qrcode?data=" + url.QueryEscape(presentationURI)
}
