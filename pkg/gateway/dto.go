package gateway

import "idsgate/pkg/scorer"

// Wire DTOs. Field names follow the transfer protocol; clients depend on
// them verbatim.

// LoginRequest is the credential payload for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse carries the bearer token on success.
type LoginResponse struct {
	Token string `json:"token,omitempty"`
	Error string `json:"error,omitempty"`
}

// InitRequest starts a handshake. PublicKey is base64.
type InitRequest struct {
	PublicKey string `json:"publicKey"`
}

// InitResponse is the server's handshake half.
type InitResponse struct {
	HandshakeID     string `json:"handshakeId,omitempty"`
	ServerPublicKey string `json:"serverPublicKey,omitempty"`
	KyberCiphertext string `json:"kyberCiphertext,omitempty"`
	Error           string `json:"error,omitempty"`
}

// ValidateRequest names the handshake to validate.
type ValidateRequest struct {
	HandshakeID string `json:"handshakeId"`
}

// ValidateResponse reports the validation verdict. SessionKey is present
// only when Verified is true.
type ValidateResponse struct {
	Verified   bool           `json:"verified"`
	SessionKey string         `json:"sessionKey,omitempty"`
	IDSResult  *scorer.Result `json:"idsResult,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// UploadResponse reports an upload decision.
type UploadResponse struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
	Details *UploadDetails `json:"details,omitempty"`
}

// UploadDetails carries whichever assessment rejected (or cleared) the
// upload: the anomaly scorer or the structural validator.
type UploadDetails struct {
	IDS        *scorer.Result     `json:"ids,omitempty"`
	Validation *ValidationDetails `json:"validation,omitempty"`
}

// ValidationDetails is the structural validator's risk estimate.
type ValidationDetails struct {
	RiskScore float64 `json:"risk_score"`
}

// ScoreKind says which subsystem produced a ScoreInfo.
type ScoreKind string

const (
	ScoreKindIDS        ScoreKind = "ids"
	ScoreKindValidation ScoreKind = "validation"
)

// ScoreInfo is a single resolved score for callers that do not care which
// subsystem produced it.
type ScoreInfo struct {
	Kind  ScoreKind
	Score float64
}

// ScoreInfo resolves the response's details into one tagged score. The
// second return is false when the response carries no score at all.
func (r *UploadResponse) ScoreInfo() (ScoreInfo, bool) {
	if r.Details == nil {
		return ScoreInfo{}, false
	}
	if r.Details.IDS != nil {
		return ScoreInfo{Kind: ScoreKindIDS, Score: r.Details.IDS.AnomalyScore}, true
	}
	if r.Details.Validation != nil {
		return ScoreInfo{Kind: ScoreKindValidation, Score: r.Details.Validation.RiskScore}, true
	}
	return ScoreInfo{}, false
}
