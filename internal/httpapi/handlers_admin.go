package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/arbiterhq/arbiter/internal/registry"
	"github.com/arbiterhq/arbiter/internal/vault"
)

func ModelsUpsertHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m registry.Model
		if !decodeBody(w, r, &m) {
			return
		}
		if m.ID == "" || m.ProviderID == "" {
			jsonError(w, "id and provider_id required", http.StatusBadRequest)
			return
		}
		if err := d.Catalog.SaveModel(r.Context(), m); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func ModelsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := d.Store.ListModels(r.Context())
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, models)
	}
}

func ModelsDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Catalog.DeleteModel(r.Context(), chi.URLParam(r, "id")); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func ProvidersUpsertHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p registry.Provider
		if !decodeBody(w, r, &p) {
			return
		}
		if p.ID == "" {
			jsonError(w, "id required", http.StatusBadRequest)
			return
		}
		if p.Config.RequestTimeout == 0 && p.Config.MaxRetries == 0 {
			p.Config = registry.DefaultProviderConfiguration()
		}
		if err := d.Catalog.SaveProvider(r.Context(), p); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func ProvidersListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providers, err := d.Store.ListProviders(r.Context())
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, providers)
	}
}

func ProvidersDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Catalog.DeleteProvider(r.Context(), chi.URLParam(r, "id")); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func CircuitsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.Circuits == nil {
			jsonError(w, "circuits disabled", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, d.Circuits.Snapshots())
	}
}

func CircuitResetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Circuits == nil {
			jsonError(w, "circuits disabled", http.StatusNotFound)
			return
		}
		d.Circuits.Reset(chi.URLParam(r, "id"))
		w.WriteHeader(http.StatusNoContent)
	}
}

func CircuitsResetAllHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.Circuits == nil {
			jsonError(w, "circuits disabled", http.StatusNotFound)
			return
		}
		d.Circuits.ResetAll()
		w.WriteHeader(http.StatusNoContent)
	}
}

func CircuitEventsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		evs, err := d.Store.ListCircuitEvents(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 100))
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, evs)
	}
}

func DecisionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := r.URL.Query().Get("tenant")
		if tenant == "" {
			jsonError(w, "tenant required", http.StatusBadRequest)
			return
		}
		decisions, err := d.Store.ListDecisions(r.Context(), tenant, queryInt(r, "limit", 100), queryInt(r, "offset", 0))
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, decisions)
	}
}

func ExecutionLogsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := r.URL.Query().Get("tenant")
		if tenant == "" {
			jsonError(w, "tenant required", http.StatusBadRequest)
			return
		}
		logs, err := d.Store.ListExecutionLogs(r.Context(), tenant, queryInt(r, "limit", 100), queryInt(r, "offset", 0))
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, logs)
	}
}

func ConfigChangesHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		changes, err := d.Store.ListConfigChanges(r.Context(), queryInt(r, "limit", 100), queryInt(r, "offset", 0))
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, changes)
	}
}

// vaultBody carries the master password for unlock and rotate.
type vaultBody struct {
	Password string `json:"password"`
}

func VaultUnlockHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body vaultBody
		if !decodeBody(w, r, &body) {
			return
		}
		if err := d.Vault.Unlock(r.Context(), []byte(body.Password)); err != nil {
			code := http.StatusBadRequest
			if errors.Is(err, vault.ErrWrongPassword) {
				code = http.StatusUnauthorized
			}
			jsonError(w, err.Error(), code)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"locked": false})
	}
}

func VaultLockHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		d.Vault.Lock()
		writeJSON(w, http.StatusOK, map[string]any{"locked": true})
	}
}

func VaultRotateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body vaultBody
		if !decodeBody(w, r, &body) {
			return
		}
		if err := d.Vault.Rotate(r.Context(), []byte(body.Password)); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rotated": true})
	}
}

// vaultCredentialBody is one credential write.
type vaultCredentialBody struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func VaultSetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body vaultCredentialBody
		if !decodeBody(w, r, &body) {
			return
		}
		if body.Key == "" {
			jsonError(w, "key required", http.StatusBadRequest)
			return
		}
		if err := d.Vault.Set(r.Context(), body.Key, body.Value); err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, vault.ErrLocked) {
				code = http.StatusConflict
			}
			jsonError(w, err.Error(), code)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func VaultKeysHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"locked": d.Vault.IsLocked(),
			"keys":   d.Vault.Keys(),
		})
	}
}

func VaultDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Vault.Delete(r.Context(), chi.URLParam(r, "key")); err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, vault.ErrLocked) {
				code = http.StatusConflict
			}
			jsonError(w, err.Error(), code)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
