// internal/web/errors.go
//
// API error taxonomy and the JSON response envelope.
//
// Context
// -------
// Every admin API response is an envelope.  Success merges the payload
// into the top level next to `"success": true`; failure is always
//
//	{"success": false,
//	 "error":   {"code": 3001, "message": "…", "details": …},
//	 "requestId": "…"}
//
// Codes group by family: 1xxx auth, 2xxx validation, 3xxx app, 4xxx
// durable store, 5xxx filesystem and backups, 6xxx VCS, 7xxx server,
// 8xxx tenant env.  Handlers either build an *apiError directly or
// return a collaborator's error and let toAPIError translate the
// sentinel; new sentinels get a case there, never in handlers.
//
// Notes
// -----
// • 5xx envelopes log at error level with the original error; the
//   client only ever sees the mapped message.
// • Oxford commas, two spaces after periods.

package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/platformx/platformx/internal/auth"
	"github.com/platformx/platformx/internal/backup"
	"github.com/platformx/platformx/internal/deploy"
	"github.com/platformx/platformx/internal/registry"
	"github.com/platformx/platformx/internal/routing"
	"github.com/platformx/platformx/internal/settings"
	"github.com/platformx/platformx/internal/tenant"
)

/*──────────────────────────── code families ───────────────────────────────*/

const (
	// 1xxx — authentication.
	CodeBadCredentials = 1001
	CodeBadToken       = 1002
	CodeTokenExpired   = 1003
	CodeRateLimited    = 1004

	// 2xxx — request validation.
	CodeBadSlug      = 2001
	CodeReservedSlug = 2002
	CodeTooLarge     = 2003
	CodeBadArchive   = 2004
	CodeBadEnvKey    = 2005
	CodeBadRequest   = 2006
	CodeBadEnum      = 2007

	// 3xxx — app lifecycle.
	CodeAppNotFound   = 3001
	CodeAppExists     = 3002
	CodeDeployFailed  = 3003
	CodeForbiddenCode = 3004
	CodeLoadFailed    = 3005
	CodeForbiddenDep  = 3006

	// 4xxx — durable store.
	CodeStoreFailed     = 4001
	CodeSettingNotFound = 4002

	// 5xxx — filesystem and backups.
	CodeFSFailed        = 5001
	CodeBackupNotFound  = 5002
	CodeRestoreConflict = 5003

	// 6xxx — version control.
	CodeCloneFailed  = 6001
	CodeBadRepoURL   = 6002
	CodeUpdateFailed = 6003
	CodeNotGitApp    = 6004

	// 7xxx — server.
	CodeInternal      = 7001
	CodeTimeout       = 7002
	CodeUpstream      = 7003
	CodeShuttingDown  = 7004
	CodeRouteNotFound = 7005

	// 8xxx — tenant env files.
	CodeEnvReadFailed  = 8001
	CodeEnvWriteFailed = 8002
)

/*──────────────────────────── apiError ────────────────────────────────────*/

// apiError is a handler failure bound for the error envelope.
type apiError struct {
	Status  int // HTTP status line
	Code    int // family code from the table above
	Message string
	Details any // optional structured context, e.g. validation hits
}

func (e *apiError) Error() string { return e.Message }

// fail builds an apiError in one line.
func fail(status, code int, format string, args ...any) *apiError {
	return &apiError{Status: status, Code: code, Message: fmt.Sprintf(format, args...)}
}

// toAPIError translates any error into an envelope-ready apiError.
// Unknown errors become an opaque 500.
func toAPIError(err error) *apiError {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae
	}

	var cv *deploy.CodeViolation
	if errors.As(err, &cv) {
		return fail(http.StatusBadRequest, CodeForbiddenCode, "%s", cv.V.Reason())
	}
	var pv *deploy.PolicyViolation
	if errors.As(err, &pv) {
		return fail(http.StatusBadRequest, CodeForbiddenDep, "%s", pv.Error())
	}

	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, tenant.ErrNotFound):
		return fail(http.StatusNotFound, CodeAppNotFound, "app not found")
	case errors.Is(err, registry.ErrExists):
		return fail(http.StatusConflict, CodeAppExists, "an app with that slug already exists")
	case errors.Is(err, tenant.ErrShuttingDown):
		return fail(http.StatusServiceUnavailable, CodeShuttingDown, "platform is shutting down")

	case errors.Is(err, deploy.ErrArchiveTooLarge):
		return fail(http.StatusRequestEntityTooLarge, CodeTooLarge, "archive exceeds the upload size limit")
	case errors.Is(err, deploy.ErrBadArchive):
		return fail(http.StatusBadRequest, CodeBadArchive, "archive is not a readable zip")
	case errors.Is(err, deploy.ErrBadOverride):
		return fail(http.StatusBadRequest, CodeBadRequest, "%s", err.Error())
	case errors.Is(err, deploy.ErrBadRepoURL):
		return fail(http.StatusBadRequest, CodeBadRepoURL, "%s", err.Error())
	case errors.Is(err, deploy.ErrCloneFailed):
		return fail(http.StatusInternalServerError, CodeCloneFailed, "repository clone failed")
	case errors.Is(err, deploy.ErrNotGitApp):
		return fail(http.StatusBadRequest, CodeNotGitApp, "app was not imported from a repository")
	case errors.Is(err, deploy.ErrNoEntry),
		errors.Is(err, deploy.ErrNoOutput),
		errors.Is(err, deploy.ErrInstallFailed),
		errors.Is(err, deploy.ErrBuildFailed):
		return fail(http.StatusInternalServerError, CodeDeployFailed, "%s", err.Error())

	case errors.Is(err, backup.ErrNotFound):
		return fail(http.StatusNotFound, CodeBackupNotFound, "backup not found")
	case errors.Is(err, backup.ErrTargetExists):
		return fail(http.StatusConflict, CodeRestoreConflict, "restore target exists; pass overwrite to replace it")
	case errors.Is(err, backup.ErrBadName):
		return fail(http.StatusBadRequest, CodeBadRequest, "invalid backup name")
	case errors.Is(err, backup.ErrBadArchive):
		return fail(http.StatusInternalServerError, CodeFSFailed, "backup archive is unreadable")

	case errors.Is(err, settings.ErrNotFound):
		return fail(http.StatusNotFound, CodeSettingNotFound, "setting not found")

	case errors.Is(err, auth.ErrTokenExpired):
		return fail(http.StatusUnauthorized, CodeTokenExpired, "token expired")
	case errors.Is(err, auth.ErrInvalidToken):
		return fail(http.StatusUnauthorized, CodeBadToken, "invalid token")

	case errors.Is(err, context.DeadlineExceeded):
		return fail(http.StatusRequestTimeout, CodeTimeout, "request timed out")
	}

	return fail(http.StatusInternalServerError, CodeInternal, "internal error")
}

// storeErr maps a registry or settings failure: sentinel hits keep their
// specific code, everything else is a durable-store query failure.
func storeErr(err error) *apiError {
	if ae := toAPIError(err); ae.Code != CodeInternal {
		return ae
	}
	return fail(http.StatusInternalServerError, CodeStoreFailed, "store query failed")
}

/*──────────────────────────── envelope writers ────────────────────────────*/

type errBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// writeJSON renders one envelope.  Encoding failures are logged, not
// surfaced; by then the status line is already on the wire.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.S().Errorw("response encode failed", "error", err)
	}
}

// writeOK sends a success envelope; payload keys join "success" at the
// top level.
func writeOK(w http.ResponseWriter, status int, payload map[string]any) {
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["success"] = true
	writeJSON(w, status, body)
}

// writeErr sends a failure envelope carrying the request ID.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	ae := toAPIError(err)
	if ae.Status >= http.StatusInternalServerError {
		zap.S().Errorw("request failed",
			"method", r.Method, "path", r.URL.Path, "code", ae.Code, "error", err)
	}
	writeJSON(w, ae.Status, map[string]any{
		"success":   false,
		"error":     errBody{Code: ae.Code, Message: ae.Message, Details: ae.Details},
		"requestId": RequestID(r.Context()),
	})
}

/*──────────────────────────── request decoding ────────────────────────────*/

// maxBodyBytes caps JSON request bodies.  Uploads go through multipart
// parsing instead and carry their own limit.
const maxBodyBytes = 1 << 20

// readJSON decodes the body into dst, bounding its size.  The returned
// error is envelope-ready.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return fail(http.StatusRequestEntityTooLarge, CodeTooLarge, "request body exceeds %d bytes", tooBig.Limit)
		}
		return fail(http.StatusBadRequest, CodeBadRequest, "malformed JSON body")
	}
	return nil
}

// slugErr distinguishes a reserved slug from a malformed one.
func slugErr(slug string, err error) *apiError {
	if routing.IsReserved(slug) {
		return fail(http.StatusBadRequest, CodeReservedSlug, "%s", err.Error())
	}
	return fail(http.StatusBadRequest, CodeBadSlug, "%s", err.Error())
}
