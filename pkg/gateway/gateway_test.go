package gateway

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"

	"idsgate/pkg/auth"
	"idsgate/pkg/handshake"
	"idsgate/pkg/mlmodel"
	"idsgate/pkg/ratelimit"
	"idsgate/pkg/scorer"
	"idsgate/pkg/upload"
)

const (
	testEmail    = "test@example.com"
	testPassword = "Test123!@#"
)

func newTestServer(t *testing.T, limiter *ratelimit.SlidingWindowLimiter) *Server {
	t.Helper()
	log := logrus.New()
	authMgr, err := auth.NewManager(auth.Config{
		Secret:   []byte("0123456789abcdef0123456789abcdef"),
		Email:    testEmail,
		Password: testPassword,
	})
	require.NoError(t, err)
	store, err := mlmodel.NewStore(mlmodel.StoreConfig{Logger: log})
	require.NoError(t, err)
	sc := scorer.New(store, scorer.Config{Logger: log})
	return New(Config{
		Auth:    authMgr,
		Engine:  handshake.NewEngine(sc, handshake.Config{Logger: log}),
		Gate:    upload.NewGate(sc, upload.Config{Logger: log}),
		Limiter: limiter,
		Logger:  log,
	})
}

func postJSON(t *testing.T, ts *httptest.Server, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader(buf))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, data
}

func loginToken(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp, body := postJSON(t, ts, "/auth/login", "", LoginRequest{Email: testEmail, Password: testPassword})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var lr LoginResponse
	require.NoError(t, json.Unmarshal(body, &lr))
	require.NotEmpty(t, lr.Token)
	return lr.Token
}

func x25519Key(t *testing.T) string {
	t.Helper()
	priv := make([]byte, curve25519.ScalarSize)
	_, err := io.ReadFull(rand.Reader, priv)
	require.NoError(t, err)
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(pub)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, nil).Handler())
	defer ts.Close()

	resp, _ := postJSON(t, ts, "/auth/login", "", LoginRequest{Email: testEmail, Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshakeRequiresAuth(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, nil).Handler())
	defer ts.Close()

	resp, _ := postJSON(t, ts, "/handshake/init", "", InitRequest{PublicKey: x25519Key(t)})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = postJSON(t, ts, "/handshake/init", "bogus-token", InitRequest{PublicKey: x25519Key(t)})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFullHandshakeFlow(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, nil).Handler())
	defer ts.Close()
	token := loginToken(t, ts)

	resp, body := postJSON(t, ts, "/handshake/init", token, InitRequest{PublicKey: x25519Key(t)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var initResp InitResponse
	require.NoError(t, json.Unmarshal(body, &initResp))
	assert.NotEmpty(t, initResp.HandshakeID)
	assert.NotEmpty(t, initResp.ServerPublicKey)

	resp, body = postJSON(t, ts, "/handshake/validate", token, ValidateRequest{HandshakeID: initResp.HandshakeID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var vResp ValidateResponse
	require.NoError(t, json.Unmarshal(body, &vResp))
	assert.True(t, vResp.Verified)
	assert.NotEmpty(t, vResp.SessionKey)
	require.NotNil(t, vResp.IDSResult)
	assert.Equal(t, scorer.VerdictNormal, vResp.IDSResult.Verdict)
}

func TestHandshakeInitRejectsForgedKey(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, nil).Handler())
	defer ts.Close()
	token := loginToken(t, ts)

	forged := base64.StdEncoding.EncodeToString([]byte("FAKE_PUBLIC_KEY_INJECTED_BY_ATTACKER"))
	resp, _ := postJSON(t, ts, "/handshake/init", token, InitRequest{PublicKey: forged})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandshakeInitRejectsBadBase64(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, nil).Handler())
	defer ts.Close()
	token := loginToken(t, ts)

	resp, _ := postJSON(t, ts, "/handshake/init", token, InitRequest{PublicKey: "!!! not base64 !!!"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestValidateUnknownHandshake(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, nil).Handler())
	defer ts.Close()
	token := loginToken(t, ts)

	resp, _ := postJSON(t, ts, "/handshake/validate", token, ValidateRequest{HandshakeID: "no-such-id"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandshakeRateLimited(t *testing.T) {
	limiter := ratelimit.NewSlidingWindowLimiter(nil, 2, time.Minute, 0)
	ts := httptest.NewServer(newTestServer(t, limiter).Handler())
	defer ts.Close()
	token := loginToken(t, ts)

	for i := 0; i < 2; i++ {
		resp, _ := postJSON(t, ts, "/handshake/init", token, InitRequest{PublicKey: x25519Key(t)})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := postJSON(t, ts, "/handshake/init", token, InitRequest{PublicKey: x25519Key(t)})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func uploadFile(t *testing.T, ts *httptest.Server, token, filename, contentType string, content []byte) (*http.Response, UploadResponse) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/files/upload", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var ur UploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ur))
	return resp, ur
}

func TestUploadAccepted(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, nil).Handler())
	defer ts.Close()
	token := loginToken(t, ts)

	resp, ur := uploadFile(t, ts, token, "report.txt", "text/plain",
		[]byte("Quarterly transfer report.\nAll systems nominal.\n"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "accepted", ur.Status)

	info, ok := ur.ScoreInfo()
	require.True(t, ok)
	assert.Equal(t, ScoreKindIDS, info.Kind)
	assert.Less(t, info.Score, 0.4)
}

func TestUploadTamperedRejected(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, nil).Handler())
	defer ts.Close()
	token := loginToken(t, ts)

	content := []byte("This is supposed to be encrypted data with AES-GCM")
	for i := 10; i < 20; i++ {
		content[i] ^= 0xFF
	}
	resp, ur := uploadFile(t, ts, token, "confidential.encrypted", "application/octet-stream", content)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "rejected", ur.Status)
	assert.Equal(t, upload.ReasonAnomalousTransfer, ur.Error)

	info, ok := ur.ScoreInfo()
	require.True(t, ok)
	assert.Equal(t, ScoreKindIDS, info.Kind)
	assert.Greater(t, info.Score, 0.4)
}

func TestUploadMalformedRejected(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, nil).Handler())
	defer ts.Close()
	token := loginToken(t, ts)

	resp, ur := uploadFile(t, ts, token, "photo.png", "image/png",
		append([]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}, []byte("garbage tail")...))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	info, ok := ur.ScoreInfo()
	require.True(t, ok)
	assert.Equal(t, ScoreKindValidation, info.Kind)
	assert.Greater(t, info.Score, 0.0)
}

func TestUploadReplayRejected(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, nil).Handler())
	defer ts.Close()
	token := loginToken(t, ts)

	content := []byte("Invoice 2209: amount due 1,480.00, payable within 30 days.\n")
	resp, _ := uploadFile(t, ts, token, "invoice.txt", "text/plain", content)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, ur := uploadFile(t, ts, token, "invoice.txt", "text/plain", content)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, upload.ReasonReplayDetected, ur.Error)
}

func TestUploadRequiresAuth(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, nil).Handler())
	defer ts.Close()
	resp, _ := uploadFile(t, ts, "", "report.txt", "text/plain", []byte("body\n"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUploadMissingFileField(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, nil).Handler())
	defer ts.Close()
	token := loginToken(t, ts)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "no file here"))
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/files/upload", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, nil).Handler())
	defer ts.Close()
	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
