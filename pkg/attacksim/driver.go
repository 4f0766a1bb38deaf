package attacksim

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"

	"idsgate/pkg/gateway"
	"idsgate/pkg/upload"
)

// Config configures a Driver.
type Config struct {
	Email    string
	Password string
	// Attempts is the brute-force volume. Zero means 50.
	Attempts int
	// Pace is the delay between brute-force attempts. Zero means 100ms.
	Pace time.Duration
	// RunTimeout caps the whole run. Zero means 5 minutes.
	RunTimeout time.Duration

	Logger *logrus.Logger
}

// Observation is the decisive gate response a scenario based its verdict on.
type Observation struct {
	StatusCode   int
	AnomalyScore float64
	Verdict      string
}

// Outcome is one scenario's result.
type Outcome struct {
	Name     string
	Passed   bool
	Detail   string
	Attempts int
	Failures int
	Observed *Observation
}

// Summary is the result of a full run.
type Summary struct {
	Outcomes []Outcome
	Passed   int
	Total    int
}

// Driver runs the attack scenarios against a Client.
type Driver struct {
	client Client
	cfg    Config
	log    *logrus.Logger
}

// NewDriver builds a Driver.
func NewDriver(client Client, cfg Config) *Driver {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 50
	}
	if cfg.Pace <= 0 {
		cfg.Pace = 100 * time.Millisecond
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	return &Driver{client: client, cfg: cfg, log: log}
}

// Run executes every scenario and returns the summary. A scenario that
// errors out is a failed scenario, not a failed run.
func (d *Driver) Run(ctx context.Context) Summary {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RunTimeout)
	defer cancel()

	scenarios := []func(context.Context) Outcome{
		d.LegitimateTransfer,
		d.TamperedCiphertext,
		d.ForgedHandshakeKey,
		d.ReplayResubmission,
		d.BruteForceHandshake,
	}

	var sum Summary
	for _, run := range scenarios {
		out := run(ctx)
		sum.Outcomes = append(sum.Outcomes, out)
		sum.Total++
		if out.Passed {
			sum.Passed++
		}
		d.log.WithFields(logrus.Fields{
			"scenario": out.Name,
			"passed":   out.Passed,
			"detail":   out.Detail,
		}).Info("scenario finished")
	}
	return sum
}

// login obtains a fresh token; every scenario authenticates on its own.
func (d *Driver) login(ctx context.Context) (string, error) {
	status, resp, err := d.client.Login(ctx, gateway.LoginRequest{
		Email:    d.cfg.Email,
		Password: d.cfg.Password,
	})
	if err != nil {
		return "", err
	}
	if status != http.StatusOK || resp.Token == "" {
		return "", fmt.Errorf("login failed with status %d: %s", status, resp.Error)
	}
	return resp.Token, nil
}

// handshake runs a full init+validate with a fresh X25519 key and returns
// the validate response.
func (d *Driver) handshake(ctx context.Context, token string) (gateway.ValidateResponse, error) {
	pub, err := freshClientKey()
	if err != nil {
		return gateway.ValidateResponse{}, err
	}
	status, initResp, err := d.client.HandshakeInit(ctx, token, gateway.InitRequest{
		PublicKey: base64.StdEncoding.EncodeToString(pub),
	})
	if err != nil {
		return gateway.ValidateResponse{}, err
	}
	if status != http.StatusOK {
		return gateway.ValidateResponse{}, fmt.Errorf("handshake init status %d: %s", status, initResp.Error)
	}
	vStatus, vResp, err := d.client.HandshakeValidate(ctx, token, gateway.ValidateRequest{
		HandshakeID: initResp.HandshakeID,
	})
	if err != nil {
		return gateway.ValidateResponse{}, err
	}
	if vStatus != http.StatusOK {
		return gateway.ValidateResponse{}, fmt.Errorf("handshake validate status %d: %s", vStatus, vResp.Error)
	}
	return vResp, nil
}

// observeUpload captures the response fields an operator audits.
func observeUpload(status int, resp gateway.UploadResponse) *Observation {
	obs := &Observation{StatusCode: status}
	if resp.Details != nil && resp.Details.IDS != nil {
		obs.AnomalyScore = resp.Details.IDS.AnomalyScore
		obs.Verdict = string(resp.Details.IDS.Verdict)
	} else if info, ok := resp.ScoreInfo(); ok {
		obs.AnomalyScore = info.Score
	}
	return obs
}

func observeValidate(status int, resp gateway.ValidateResponse) *Observation {
	obs := &Observation{StatusCode: status}
	if resp.IDSResult != nil {
		obs.AnomalyScore = resp.IDSResult.AnomalyScore
		obs.Verdict = string(resp.IDSResult.Verdict)
	}
	return obs
}

// LegitimateTransfer establishes a session and uploads a benign text file;
// it passes when the transfer is accepted end to end.
func (d *Driver) LegitimateTransfer(ctx context.Context) Outcome {
	out := Outcome{Name: "legitimate_transfer"}
	token, err := d.login(ctx)
	if err != nil {
		out.Detail = err.Error()
		return out
	}
	vResp, err := d.handshake(ctx, token)
	if err != nil {
		out.Detail = err.Error()
		return out
	}
	if !vResp.Verified {
		out.Detail = "legitimate handshake was rejected"
		return out
	}

	content := []byte("Quarterly transfer report.\nAll systems nominal, no incidents recorded.\nPrepared for the operations review.\n")
	status, resp, err := d.client.Upload(ctx, token, upload.Request{
		Filename:    "report.txt",
		ContentType: "text/plain",
		Content:     content,
	})
	if err != nil {
		out.Detail = err.Error()
		return out
	}
	out.Observed = observeUpload(status, resp)
	if status == http.StatusOK && resp.Status == "accepted" {
		out.Passed = true
		out.Detail = "handshake verified and upload accepted"
	} else {
		out.Detail = fmt.Sprintf("upload status %d: %s", status, resp.Error)
	}
	return out
}

// TamperedCiphertext uploads a payload that claims to be encrypted but has
// been modified in flight; it passes when the gate rejects it.
func (d *Driver) TamperedCiphertext(ctx context.Context) Outcome {
	out := Outcome{Name: "tampered_ciphertext"}
	token, err := d.login(ctx)
	if err != nil {
		out.Detail = err.Error()
		return out
	}
	if _, err := d.handshake(ctx, token); err != nil {
		out.Detail = err.Error()
		return out
	}

	content := []byte("This is supposed to be encrypted data with AES-GCM")
	for i := 10; i < 20 && i < len(content); i++ {
		content[i] ^= 0xFF
	}
	status, resp, err := d.client.Upload(ctx, token, upload.Request{
		Filename:    "confidential.encrypted",
		ContentType: "application/octet-stream",
		Content:     content,
	})
	if err != nil {
		out.Detail = err.Error()
		return out
	}
	out.Observed = observeUpload(status, resp)
	switch status {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusInternalServerError:
		out.Passed = true
		if info, ok := resp.ScoreInfo(); ok {
			out.Detail = fmt.Sprintf("rejected with status %d (%s score %.2f)", status, info.Kind, info.Score)
		} else {
			out.Detail = fmt.Sprintf("rejected with status %d", status)
		}
	default:
		out.Detail = fmt.Sprintf("tampered payload was not rejected (status %d)", status)
	}
	return out
}

// ForgedHandshakeKey submits a fabricated public key; it passes when the key
// is rejected at init or the handshake fails validation.
func (d *Driver) ForgedHandshakeKey(ctx context.Context) Outcome {
	out := Outcome{Name: "forged_handshake_key"}
	token, err := d.login(ctx)
	if err != nil {
		out.Detail = err.Error()
		return out
	}

	forged := []byte("FAKE_PUBLIC_KEY_INJECTED_BY_ATTACKER")
	status, initResp, err := d.client.HandshakeInit(ctx, token, gateway.InitRequest{
		PublicKey: base64.StdEncoding.EncodeToString(forged),
	})
	if err != nil {
		out.Detail = err.Error()
		return out
	}
	if status != http.StatusOK {
		out.Passed = true
		out.Detail = fmt.Sprintf("forged key rejected at init (status %d)", status)
		return out
	}

	vStatus, vResp, err := d.client.HandshakeValidate(ctx, token, gateway.ValidateRequest{
		HandshakeID: initResp.HandshakeID,
	})
	if err != nil {
		out.Detail = err.Error()
		return out
	}
	out.Observed = observeValidate(vStatus, vResp)
	if vStatus != http.StatusOK || !vResp.Verified {
		out.Passed = true
		out.Detail = fmt.Sprintf("forged key failed validation (status %d, verified %v)", vStatus, vResp.Verified)
	} else {
		out.Detail = "forged key produced a verified handshake"
	}
	return out
}

// ReplayResubmission uploads one payload and resubmits it identically; it
// passes when at least one resubmission is flagged as a replay.
func (d *Driver) ReplayResubmission(ctx context.Context) Outcome {
	out := Outcome{Name: "replay_resubmission"}
	token, err := d.login(ctx)
	if err != nil {
		out.Detail = err.Error()
		return out
	}
	if _, err := d.handshake(ctx, token); err != nil {
		out.Detail = err.Error()
		return out
	}

	req := upload.Request{
		Filename:    "invoice-2209.txt",
		ContentType: "text/plain",
		Content:     []byte("Invoice 2209: amount due 1,480.00, payable within 30 days.\n"),
	}
	replaysFlagged := 0
	for i := 0; i < 4; i++ {
		status, resp, err := d.client.Upload(ctx, token, req)
		if err != nil {
			out.Detail = err.Error()
			return out
		}
		if i > 0 && (resp.Error == upload.ReasonReplayDetected || status == http.StatusForbidden) {
			replaysFlagged++
			if out.Observed == nil {
				out.Observed = observeUpload(status, resp)
			}
		}
	}
	out.Attempts = 4
	if replaysFlagged > 0 {
		out.Passed = true
		out.Detail = fmt.Sprintf("%d of 3 resubmissions flagged as replays", replaysFlagged)
	} else {
		out.Detail = "no resubmission was flagged"
	}
	return out
}

// BruteForceHandshake hammers the handshake endpoint with fresh random keys;
// it passes when the gate pushes back, either by rate limiting a meaningful
// share of attempts or by scoring at least one as suspicious.
func (d *Driver) BruteForceHandshake(ctx context.Context) Outcome {
	out := Outcome{Name: "brute_force_handshake"}
	token, err := d.login(ctx)
	if err != nil {
		out.Detail = err.Error()
		return out
	}

	suspicious := 0
	for i := 0; i < d.cfg.Attempts; i++ {
		if ctx.Err() != nil {
			out.Detail = "run timeout reached"
			break
		}
		out.Attempts++

		key := make([]byte, curve25519.ScalarSize)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			out.Failures++
			continue
		}
		status, initResp, err := d.client.HandshakeInit(ctx, token, gateway.InitRequest{
			PublicKey: base64.StdEncoding.EncodeToString(key),
		})
		if err != nil || status != http.StatusOK {
			out.Failures++
			d.pace(ctx)
			continue
		}
		vStatus, vResp, err := d.client.HandshakeValidate(ctx, token, gateway.ValidateRequest{
			HandshakeID: initResp.HandshakeID,
		})
		if err != nil || vStatus != http.StatusOK {
			out.Failures++
			d.pace(ctx)
			continue
		}
		if !vResp.Verified {
			out.Failures++
		}
		if vResp.IDSResult != nil && vResp.IDSResult.AnomalyScore > 0.5 {
			suspicious++
			if out.Observed == nil {
				out.Observed = observeValidate(vStatus, vResp)
			}
		}
		d.pace(ctx)
	}

	threshold := out.Attempts * 3 / 10
	if out.Failures > threshold || suspicious > 0 {
		out.Passed = true
		out.Detail = fmt.Sprintf("%d/%d attempts blocked, %d scored suspicious", out.Failures, out.Attempts, suspicious)
	} else {
		out.Detail = fmt.Sprintf("only %d/%d attempts blocked and none scored suspicious", out.Failures, out.Attempts)
	}
	return out
}

func (d *Driver) pace(ctx context.Context) {
	t := time.NewTimer(d.cfg.Pace)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// freshClientKey generates a well-formed X25519 public key.
func freshClientKey() ([]byte, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, err
	}
	return curve25519.X25519(priv, curve25519.Basepoint)
}
