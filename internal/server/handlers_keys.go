package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/mamori/internal/auth"
	"github.com/ashita-ai/mamori/internal/model"
	"github.com/ashita-ai/mamori/internal/storage"
)

// prefixRetries bounds regeneration when a random key prefix collides.
const prefixRetries = 3

// HandleCreateAPIKey handles POST /auth/api_keys. The raw key is returned in
// this response only; the store keeps a bcrypt hash.
func (h *Handlers) HandleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAPIKeyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		h.handleError(w, r, err)
		return
	}

	var (
		created model.APIKey
		raw     string
		err     error
	)
	for range prefixRetries {
		var prefix, hash string
		raw, prefix, err = model.GenerateRawKey()
		if err != nil {
			break
		}
		if hash, err = auth.HashAPIKey(raw); err != nil {
			break
		}
		created, err = h.db.CreateAPIKey(r.Context(), model.APIKey{
			Prefix:      prefix,
			KeyHash:     hash,
			Description: req.Description,
			Roles:       req.Roles,
		}, h.maxAPIKeys)
		if !errors.Is(err, storage.ErrDuplicate) {
			break
		}
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.logger.Info("api key created", "key_id", created.ID, "prefix", created.Prefix)
	writeJSON(w, r, http.StatusCreated, model.APIKeyWithRawKey{APIKey: created, RawKey: raw})
}

// HandleListAPIKeys handles GET /auth/api_keys.
func (h *Handlers) HandleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.db.ListAPIKeys(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if keys == nil {
		keys = []model.APIKey{}
	}
	writeJSON(w, r, http.StatusOK, keys)
}

// HandleDeactivateAPIKey handles DELETE /auth/api_keys/{key_id}.
func (h *Handlers) HandleDeactivateAPIKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := pathUUID(r, "key_id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.db.DeactivateAPIKey(r.Context(), keyID); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.logger.Info("api key deactivated", "key_id", keyID)
	w.WriteHeader(http.StatusNoContent)
}
