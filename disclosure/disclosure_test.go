package disclosure

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leaseflow/address"
	"leaseflow/apperr"
)

var owner = address.MustParse("Vote111111111111111111111111111111111111111")

type scriptedClient struct {
	mu          sync.Mutex
	attest      Attestations
	statuses    []string
	data        map[string]string
	polls       int
	createCalls int
	statusErr   error
}

func (c *scriptedClient) AttestationStatus(ctx context.Context, did string) (Attestations, error) {
	return c.attest, nil
}

func (c *scriptedClient) CreateRequest(ctx context.Context, params CreateParams) (RemoteRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createCalls++
	return RemoteRequest{RequestID: "req-1", PresentationURI: "openid4vp://present?id=req-1"}, nil
}

func (c *scriptedClient) RequestStatus(ctx context.Context, requestID string) (RemoteStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statusErr != nil {
		return RemoteStatus{}, c.statusErr
	}
	status := c.statuses[len(c.statuses)-1]
	if c.polls < len(c.statuses) {
		status = c.statuses[c.polls]
	}
	c.polls++
	out := RemoteStatus{Status: status}
	if status == "completed" {
		out.DisclosedData = c.data
	}
	return out, nil
}

func (c *scriptedClient) QRCodeURL(uri string) string { return "https://qr.example/" + uri }

func propertyHolder() *scriptedClient {
	c := &scriptedClient{data: map[string]string{
		"address":       "台北市大安區復興南路一段100號",
		"building_area": "30.5坪",
		"use":           "住宅",
	}}
	c.attest.Property.Exists = true
	c.attest.Property.Count = 1
	return c
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *clock { return &clock{now: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)} }

func TestPollPendingThenCompletedCachesResult(t *testing.T) {
	ctx := context.Background()
	client := propertyHolder()
	client.statuses = []string{"pending", "pending", "pending", "completed"}
	clk := newClock()
	e := NewEngine(client).WithClock(clk.Now)

	created, err := e.Create(ctx, CreateInput{Party: owner, CredentialID: "cred-1", CredentialType: CredentialProperty})
	require.NoError(t, err)
	assert.Equal(t, "req-1", created.RequestID)
	assert.Contains(t, created.QRCodeURL, "openid4vp")

	for i := 0; i < 3; i++ {
		res, err := e.Poll(ctx, created.RequestID, owner)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, res.Status)
		clk.Advance(2 * time.Second)
	}

	res, err := e.Poll(ctx, created.RequestID, owner)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	require.NotNil(t, res.Result)
	assert.EqualValues(t, 101, res.Result.BuildingArea)

	v, ok := e.Lookup(owner, "cred-1")
	require.True(t, ok)
	assert.Equal(t, "台北市大安區復興南路一段100號", v.Address)
	assert.Equal(t, 4, client.polls)
}

func TestPollReportsExpiredAfterWindow(t *testing.T) {
	ctx := context.Background()
	client := propertyHolder()
	client.statuses = []string{"pending"}
	clk := newClock()
	e := NewEngine(client).WithClock(clk.Now)

	created, err := e.Create(ctx, CreateInput{Party: owner, CredentialID: "cred-1", CredentialType: CredentialProperty})
	require.NoError(t, err)

	res, err := e.Poll(ctx, created.RequestID, owner)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)

	clk.Advance(PendingWindow + time.Second)
	res, err = e.Poll(ctx, created.RequestID, owner)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, res.Status)
	assert.Equal(t, 1, client.polls, "an expired request must not reach the attestation service")
}

func TestPollInvalidDisclosureCachesNothing(t *testing.T) {
	ctx := context.Background()
	client := propertyHolder()
	client.data["use"] = "商業"
	client.statuses = []string{"completed"}
	e := NewEngine(client).WithClock(newClock().Now)

	created, err := e.Create(ctx, CreateInput{Party: owner, CredentialID: "cred-1", CredentialType: CredentialProperty})
	require.NoError(t, err)

	_, err = e.Poll(ctx, created.RequestID, owner)
	require.ErrorIs(t, err, ErrNotResidential)
	_, ok := e.Lookup(owner, "cred-1")
	assert.False(t, ok)

	res, err := e.Poll(ctx, created.RequestID, owner)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, res.Status, "the pending record is dropped after a failed validation")
}

func TestPollBackendFailureIsExternal(t *testing.T) {
	ctx := context.Background()
	client := propertyHolder()
	client.statusErr = ErrAttestationUnavailable
	e := NewEngine(client)

	created, err := e.Create(ctx, CreateInput{Party: owner, CredentialID: "cred-1", CredentialType: CredentialProperty})
	require.NoError(t, err)
	_, err = e.Poll(ctx, created.RequestID, owner)
	assert.True(t, apperr.IsKind(err, apperr.KindExternalService))
}

func TestCreateWithoutCredential(t *testing.T) {
	e := NewEngine(&scriptedClient{})
	_, err := e.Create(context.Background(), CreateInput{Party: owner, CredentialType: CredentialProperty})
	assert.True(t, apperr.IsKind(err, apperr.KindAuthorization))
}

func TestPollByOtherWallet(t *testing.T) {
	ctx := context.Background()
	client := propertyHolder()
	client.statuses = []string{"pending"}
	e := NewEngine(client)
	created, err := e.Create(ctx, CreateInput{Party: owner, CredentialID: "cred-1", CredentialType: CredentialProperty})
	require.NoError(t, err)

	_, err = e.Poll(ctx, created.RequestID, address.MustParse("SysvarRent111111111111111111111111111111111"))
	assert.ErrorIs(t, err, ErrWrongParty)
}

func TestCallbackCompletesRequest(t *testing.T) {
	ctx := context.Background()
	client := propertyHolder()
	e := NewEngine(client).WithClock(newClock().Now)
	created, err := e.Create(ctx, CreateInput{Party: owner, CredentialID: "cred-1", CredentialType: CredentialProperty})
	require.NoError(t, err)

	res, err := e.HandleCallback(ctx, created.RequestID, "completed", client.data)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 0, client.polls)
}

func TestRequireKeepsResultCached(t *testing.T) {
	ctx := context.Background()
	client := propertyHolder()
	e := NewEngine(client).WithClock(newClock().Now)
	_, err := e.Require(owner, "cred-1")
	require.ErrorIs(t, err, ErrDisclosureRequired)

	created, err := e.Create(ctx, CreateInput{Party: owner, CredentialID: "cred-1", CredentialType: CredentialProperty})
	require.NoError(t, err)
	_, err = e.HandleCallback(ctx, created.RequestID, "completed", client.data)
	require.NoError(t, err)

	first, err := e.Require(owner, "cred-1")
	require.NoError(t, err)
	second, err := e.Require(owner, "cred-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestValidatedResultExpires(t *testing.T) {
	ctx := context.Background()
	client := propertyHolder()
	clk := newClock()
	e := NewEngine(client).WithClock(clk.Now)
	created, err := e.Create(ctx, CreateInput{Party: owner, CredentialID: "cred-1", CredentialType: CredentialProperty})
	require.NoError(t, err)
	_, err = e.HandleCallback(ctx, created.RequestID, "completed", client.data)
	require.NoError(t, err)

	clk.Advance(ValidatedWindow + time.Second)
	_, err = e.Require(owner, "cred-1")
	assert.ErrorIs(t, err, ErrDisclosureRequired)
}

func TestParseBuildingArea(t *testing.T) {
	cases := []struct {
		in   string
		want uint32
		ok   bool
	}{
		{"85", 85, true},
		{"85.4 m²", 85, true},
		{"85.6㎡", 86, true},
		{"120m2", 120, true},
		{"10坪", 33, true},
		{"0", 0, false},
		{"-3", 0, false},
		{"abc", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseBuildingArea(tc.in)
		if !tc.ok {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestCitizenRules(t *testing.T) {
	_, err := Validate("p", "c", map[string]string{"name": "王小明", "birth_date": "1990-05-01"}, CitizenRules)
	require.NoError(t, err)
	_, err = Validate("p", "c", map[string]string{"name": "王小明", "birth_date": "05/01/1990"}, CitizenRules)
	assert.ErrorIs(t, err, ErrInvalidBirthDate)
	_, err = Validate("p", "c", map[string]string{"name": "王小明"}, CitizenRules)
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestHTTPClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/disclosures":
			var p CreateParams
			_ = json.NewDecoder(r.Body).Decode(&p)
			_ = json.NewEncoder(w).Encode(RemoteRequest{RequestID: "r-" + p.CredentialType, PresentationURI: "vp://x"})
		case r.URL.Path == "/disclosures/r-1":
			_ = json.NewEncoder(w).Encode(RemoteStatus{Status: "completed", DisclosedData: map[string]string{"use": "住宅"}})
		case r.URL.Path == "/attestations/"+DID(owner):
			_, _ = w.Write([]byte(`{"twland":{"exists":true,"count":2},"twfido":{"exists":false}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret")
	ctx := context.Background()

	att, err := c.AttestationStatus(ctx, DID(owner))
	require.NoError(t, err)
	assert.True(t, att.Has(CredentialProperty))
	assert.False(t, att.Has(CredentialCitizen))

	req, err := c.CreateRequest(ctx, CreateParams{CredentialType: CredentialProperty})
	require.NoError(t, err)
	assert.Equal(t, "r-"+CredentialProperty, req.RequestID)

	st, err := c.RequestStatus(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, "住宅", st.DisclosedData["use"])

	_, err = c.RequestStatus(ctx, "missing")
	assert.True(t, apperr.IsKind(err, apperr.KindExternalService))

	bad := NewHTTPClient(srv.URL, "wrong")
	_, err = bad.AttestationStatus(ctx, DID(owner))
	assert.ErrorIs(t, err, ErrAttestationUnavailable)
}
