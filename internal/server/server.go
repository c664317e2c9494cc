// Package server exposes a read-only HTTP view of a vault. The filesystem
// stays the single writer surface; the API never mutates records, so it can
// run alongside any number of detector and orchestrator processes.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"vaultline/internal/audit"
	"vaultline/internal/config"
	"vaultline/internal/domain"
	"vaultline/internal/vault"
)

// Config for the HTTP API handler.
type Config struct {
	Vault    vault.Vault
	AppCfg   *config.Config
	BasePath string
}

type apiErrorBody struct {
	Code    string `json:"code" example:"not_found"`
	Message string `json:"message" example:"record abc123 not found"`
}

type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the vault API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Vaultline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg)
	registerRecords(group, cfg)
	registerQuarantine(group, cfg)
	registerAudit(group, cfg)

	return router, nil
}

func newAPIError(status int, code, message string) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message}}
}

func handleError(err error) huma.StatusError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, vault.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, vault.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error())
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// recordView is the wire shape of a record. Bodies are included only on
// single-record reads.
type recordView struct {
	ID          string   `json:"id"`
	Stem        string   `json:"stem"`
	Stage       string   `json:"stage"`
	Kind        string   `json:"kind"`
	Status      string   `json:"status"`
	Priority    string   `json:"priority"`
	Attempts    int      `json:"attempts"`
	LastError   string   `json:"last_error,omitempty"`
	SourceFile  string   `json:"source_file,omitempty"`
	DetectedAt  string   `json:"detected_at,omitempty"`
	Quarantined bool     `json:"quarantined,omitempty"`
	Refs        []string `json:"refs,omitempty"`
	Body        string   `json:"body,omitempty"`
}

func viewOf(rec domain.Record, withBody bool) recordView {
	v := recordView{
		ID:          rec.Meta.ID,
		Stem:        rec.Stem,
		Stage:       string(rec.Stage),
		Kind:        string(rec.Meta.Kind),
		Status:      rec.Meta.Status,
		Priority:    string(rec.Meta.Priority),
		Attempts:    rec.Meta.Attempts,
		LastError:   rec.Meta.LastError,
		SourceFile:  rec.Meta.SourceFile,
		DetectedAt:  rec.Meta.DetectedAt,
		Quarantined: rec.Quarantined,
		Refs:        rec.Meta.Refs,
	}
	if withBody {
		v.Body = rec.Body
	}
	return v
}

func parseStage(s string) (domain.Stage, bool) {
	for _, st := range domain.Stages() {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Vault status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		counts, quarantined, err := cfg.Vault.StageCounts()
		if err != nil {
			return nil, handleError(err)
		}
		stages := make(map[string]int, len(counts))
		for s, n := range counts {
			stages[string(s)] = n
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"vault_id":     cfg.AppCfg.Vault.ID,
			"stages":       stages,
			"quarantined":  quarantined,
			"generated_at": time.Now().UTC().Format(time.RFC3339),
		}}, nil
	})
}

func registerRecords(api huma.API, cfg Config) {
	type stagePath struct {
		Stage string `path:"stage" example:"actionable"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/records/{stage}",
		Summary:     "List records in a stage",
	}, func(ctx context.Context, input *stagePath) (*struct {
		Body []recordView `json:"body"`
	}, error) {
		stage, ok := parseStage(input.Stage)
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown stage "+input.Stage)
		}
		recs, err := cfg.Vault.List(stage)
		if err != nil {
			return nil, handleError(err)
		}
		views := make([]recordView, 0, len(recs))
		for _, rec := range recs {
			views = append(views, viewOf(rec, false))
		}
		return &struct {
			Body []recordView `json:"body"`
		}{Body: views}, nil
	})

	type recordPath struct {
		ID string `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-record",
		Method:      http.MethodGet,
		Path:        "/records/id/{id}",
		Summary:     "Find a record by id across all stages",
	}, func(ctx context.Context, input *recordPath) (*struct {
		Body recordView `json:"body"`
	}, error) {
		rec, err := cfg.Vault.Find(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body recordView `json:"body"`
		}{Body: viewOf(rec, true)}, nil
	})
}

func registerQuarantine(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-quarantine",
		Method:      http.MethodGet,
		Path:        "/quarantine",
		Summary:     "List quarantined records",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []recordView `json:"body"`
	}, error) {
		recs, err := cfg.Vault.ListQuarantine()
		if err != nil {
			return nil, handleError(err)
		}
		views := make([]recordView, 0, len(recs))
		for _, rec := range recs {
			views = append(views, viewOf(rec, false))
		}
		return &struct {
			Body []recordView `json:"body"`
		}{Body: views}, nil
	})
}

func registerAudit(api huma.API, cfg Config) {
	type tailQuery struct {
		N int `query:"n" default:"50" minimum:"1" maximum:"1000"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "audit-tail",
		Method:      http.MethodGet,
		Path:        "/audit/tail",
		Summary:     "Most recent audit entries",
	}, func(ctx context.Context, input *tailQuery) (*struct {
		Body []domain.AuditEntry `json:"body"`
	}, error) {
		n := input.N
		if n <= 0 {
			n = 50
		}
		entries, err := audit.NewReader(cfg.Vault.LogsDir()).Tail(n)
		if err != nil {
			return nil, handleError(err)
		}
		if entries == nil {
			entries = []domain.AuditEntry{}
		}
		return &struct {
			Body []domain.AuditEntry `json:"body"`
		}{Body: entries}, nil
	})
}
