package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/obscura-chat/obscura-server/internal/apperror"
	"github.com/obscura-chat/obscura-server/internal/domain/keys"
	"github.com/obscura-chat/obscura-server/internal/domain/registry"
	"github.com/obscura-chat/obscura-server/internal/keycustody"
	"github.com/obscura-chat/obscura-server/internal/notify"
)

// keysHandler serves key custody: PUT uploads identity/signed/one-time
// pre-keys (possibly a takeover), GET consumes and returns a session
// bundle for a target user.
type keysHandler struct {
	keyCustody *keycustody.Service
	notifier   notify.Notifier
	registry   registry.Registry
	logger     *slog.Logger
}

type signedPreKeyBody struct {
	KeyID     int32  `json:"key_id"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

type otpkBody struct {
	KeyID     int32  `json:"key_id"`
	PublicKey string `json:"public_key"`
}

type upsertKeysBody struct {
	IdentityKey    *string          `json:"identity_key,omitempty"`
	RegistrationID *int32           `json:"registration_id,omitempty"`
	SignedPreKey   signedPreKeyBody `json:"signed_pre_key"`
	OneTimePreKeys []otpkBody       `json:"one_time_pre_keys"`
}

func b64(field, raw string) ([]byte, error) {
	out, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, apperror.BadRequest(field + " is not valid base64")
	}
	return out, nil
}

func (h *keysHandler) upsert(w http.ResponseWriter, r *http.Request) {
	userID, err := requestUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body upsertKeysBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperror.BadRequest("malformed key upload body"))
		return
	}

	params := keys.UpsertParams{
		UserID:         userID,
		RegistrationID: body.RegistrationID,
	}
	if body.IdentityKey != nil {
		if params.IdentityKey, err = b64("identity_key", *body.IdentityKey); err != nil {
			writeError(w, err)
			return
		}
	}
	if params.SignedPreKey.PublicKey, err = b64("signed_pre_key.public_key", body.SignedPreKey.PublicKey); err != nil {
		writeError(w, err)
		return
	}
	if params.SignedPreKey.Signature, err = b64("signed_pre_key.signature", body.SignedPreKey.Signature); err != nil {
		writeError(w, err)
		return
	}
	params.SignedPreKey.KeyID = body.SignedPreKey.KeyID
	for _, o := range body.OneTimePreKeys {
		pub, err := b64("one_time_pre_keys.public_key", o.PublicKey)
		if err != nil {
			writeError(w, err)
			return
		}
		params.OTPKs = append(params.OTPKs, keys.OTPKUpload{KeyID: o.KeyID, PublicKey: pub})
	}

	takeover, err := h.keyCustody.UpsertKeys(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}

	if takeover {
		// published after commit: any session the old device still holds
		// gets a Disconnect regardless of which node it is attached to
		if err := h.notifier.Notify(context.WithoutCancel(r.Context()), userID, registry.EventDisconnect); err != nil {
			h.logger.Warn("takeover disconnect notify failed", "user_id", userID, "err", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]bool{"is_takeover": takeover})
}

type bundleResponse struct {
	RegistrationID int32            `json:"registration_id"`
	IdentityKey    string           `json:"identity_key"`
	SignedPreKey   signedPreKeyBody `json:"signed_pre_key"`
	OneTimePreKey  *otpkBody        `json:"one_time_pre_key,omitempty"`
}

func (h *keysHandler) bundle(w http.ResponseWriter, r *http.Request) {
	targetID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, apperror.BadRequest("malformed user id"))
		return
	}

	bundle, err := h.keyCustody.GetBundle(r.Context(), targetID)
	if err != nil {
		writeError(w, err)
		return
	}

	// poke any session this node hosts for the target so its pre-key pump
	// re-checks the (now lower) OTPK count
	h.registry.Deliver(targetID, registry.EventPreKeyConsumed)

	resp := bundleResponse{
		RegistrationID: bundle.RegistrationID,
		IdentityKey:    base64.StdEncoding.EncodeToString(bundle.IdentityKey),
		SignedPreKey: signedPreKeyBody{
			KeyID:     bundle.SignedPreKey.ID,
			PublicKey: base64.StdEncoding.EncodeToString(bundle.SignedPreKey.PublicKey),
			Signature: base64.StdEncoding.EncodeToString(bundle.SignedPreKey.Signature),
		},
	}
	if bundle.OneTimePreKey != nil {
		resp.OneTimePreKey = &otpkBody{
			KeyID:     bundle.OneTimePreKey.ID,
			PublicKey: base64.StdEncoding.EncodeToString(bundle.OneTimePreKey.PublicKey),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
