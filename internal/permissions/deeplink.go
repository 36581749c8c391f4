package permissions

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"

	"walletpilot-api/internal/guard"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/skip2/go-qrcode"
)

const metamaskDeepLinkBase = "https://metamask.app.link/wc"

// DeepLinkBuilder produces the wallet approval link for a pending
// permission request: an ERC-7715 wallet_grantPermissions payload wrapped
// in a MetaMask deep link, plus a QR rendering for desktop flows.
type DeepLinkBuilder struct {
	callbackURL string
}

// NewDeepLinkBuilder creates a builder whose payloads point grant
// callbacks at callbackURL.
func NewDeepLinkBuilder(callbackURL string) *DeepLinkBuilder {
	return &DeepLinkBuilder{callbackURL: callbackURL}
}

type grantPayload struct {
	Method   string        `json:"method"`
	Params   []grantParams `json:"params"`
	Metadata grantMetadata `json:"metadata"`
}

type grantParams struct {
	Permissions []grantPermission `json:"permissions"`
	Expiry      int64             `json:"expiry"`
	Signer      grantSigner       `json:"signer"`
}

type grantPermission struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

type grantSigner struct {
	Type string `json:"type"`
}

type grantMetadata struct {
	RequestID   string `json:"requestId"`
	CallbackURL string `json:"callbackUrl"`
}

// BuildDeepLink assembles the ERC-7715 payload for a request and encodes
// it into a MetaMask deep link.
func (b *DeepLinkBuilder) BuildDeepLink(req *PermissionRequest) (string, error) {
	payload := grantPayload{
		Method: "wallet_grantPermissions",
		Params: []grantParams{{
			Permissions: buildGrantPermissions(req.Constraints, req.Chains),
			Expiry:      req.ExpiresAt.Unix(),
			Signer:      grantSigner{Type: "session-key"},
		}},
		Metadata: grantMetadata{
			RequestID:   req.ID.String(),
			CallbackURL: b.callbackURL,
		},
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal grant payload")
	}
	return metamaskDeepLinkBase + "?payload=" + url.QueryEscape(string(raw)), nil
}

// BuildQRCode renders a deep link as a base64 PNG data URL.
func (b *DeepLinkBuilder) BuildQRCode(deepLink string) (string, error) {
	qr, err := qrcode.New(deepLink, qrcode.Medium)
	if err != nil {
		return "", errors.Wrap(err, "failed to create QR code")
	}

	pngBytes, err := qr.PNG(256)
	if err != nil {
		return "", errors.Wrap(err, "failed to generate PNG")
	}

	return fmt.Sprintf("data:image/png;base64,%s", base64.StdEncoding.EncodeToString(pngBytes)), nil
}

func buildGrantPermissions(constraints guard.Constraints, chains []int64) []grantPermission {
	var perms []grantPermission

	if constraints.SpendLimit.Daily != "" || constraints.SpendLimit.PerTx != "" {
		perms = append(perms, grantPermission{
			Type: "erc20-spend",
			Data: map[string]any{
				"token":     constraints.SpendLimit.Token,
				"allowance": constraints.SpendLimit.Daily,
				"period":    "day",
			},
		})
	}

	if len(chains) > 0 {
		perms = append(perms, grantPermission{
			Type: "chain-id",
			Data: map[string]any{"chains": chains},
		})
	}

	if len(constraints.AllowedProtocols) > 0 {
		perms = append(perms, grantPermission{
			Type: "contract-call",
			Data: map[string]any{"contracts": constraints.AllowedProtocols},
		})
	}

	return perms
}

// RequestIDFromDeepLink recovers the request ID embedded in a deep link.
// Used by the callback processor to correlate wallet responses.
func RequestIDFromDeepLink(deepLink string) (uuid.UUID, error) {
	parsed, err := url.Parse(deepLink)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "failed to parse deep link")
	}
	raw := parsed.Query().Get("payload")
	if raw == "" {
		return uuid.Nil, errors.New("deep link has no payload")
	}

	var payload grantPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return uuid.Nil, errors.Wrap(err, "failed to decode grant payload")
	}
	id, err := uuid.Parse(payload.Metadata.RequestID)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "grant payload has invalid request id")
	}
	return id, nil
}
