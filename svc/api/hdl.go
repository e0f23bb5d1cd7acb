package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"

	"leakmark/cfg"
	"leakmark/pkg/domain"
	"leakmark/svc/svc"
	"leakmark/svc/util"
)

// dateFormat is what the admin UI renders verbatim.
const dateFormat = "2006-01-02 15:04:05"

const maxRecipients = 500

type Hdl struct {
	reg     *svc.Registry
	matcher *svc.Matcher
	cfg     *cfg.Cfg
}

type distributeResp struct {
	Detail         bool  `json:"detail"`
	DistributionID int64 `json:"distribution_id"`
}

type scanResp struct {
	Status         string `json:"status"`
	Recipient      string `json:"recipient,omitempty"`
	DistributionID int64  `json:"distribution_id,omitempty"`
	Date           string `json:"date,omitempty"`
}

type summaryResp struct {
	ID         int64    `json:"id"`
	FileName   string   `json:"file_name"`
	Date       string   `json:"date"`
	Recipients []string `json:"recipients"`
}

func (h *Hdl) Distribute(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())

	content, fileName, ok := h.readUpload(w, r)
	if !ok {
		return
	}
	recipients, err := parseRecipients(r.FormValue("recipients"))
	if err != nil {
		writeErr(w, err, requestID)
		return
	}

	d, err := h.reg.CreateDistribution(r.Context(), fileName, content, recipients)
	if err != nil {
		log.Warn().Err(err).Str("file", fileName).Msg("distribution failed")
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Int64("distribution_id", d.ID).
		Int("recipients", len(recipients)).
		Msg("distribution request completed")
	writeJSON(w, http.StatusOK, distributeResp{Detail: true, DistributionID: d.ID})
}

func (h *Hdl) Scan(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())

	content, fileName, ok := h.readUpload(w, r)
	if !ok {
		return
	}
	attr, err := h.matcher.Scan(r.Context(), content, fileName)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, scanResp{
			Status:         "found",
			Recipient:      attr.Recipient,
			DistributionID: attr.DistributionID,
			Date:           attr.CreatedAt.Format(dateFormat),
		})
	case errors.Cause(err) == domain.ErrNotFound:
		writeJSON(w, http.StatusOK, scanResp{Status: "not_found"})
	case errors.Cause(err) == domain.ErrAmbiguous:
		writeJSON(w, http.StatusOK, scanResp{Status: "ambiguous"})
	default:
		log.Error().Err(err).Str("request_id", requestID).Msg("scan failed")
		writeErr(w, err, requestID)
	}
}

func (h *Hdl) ListDistributions(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	list, err := h.reg.List(r.Context())
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	out := make([]summaryResp, 0, len(list))
	for _, s := range list {
		recipients := s.Recipients
		if recipients == nil {
			recipients = []string{}
		}
		out = append(out, summaryResp{
			ID:         s.ID,
			FileName:   s.FileName,
			Date:       s.CreatedAt.Format(dateFormat),
			Recipients: recipients,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Hdl) DownloadBundle(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	data, err := h.reg.Bundle(r.Context(), id)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="distribution_%d.zip"`, id))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *Hdl) DownloadCopy(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	data, name, err := h.reg.CopyContent(r.Context(), id)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// readUpload pulls the multipart "file" field with the configured size cap
// applied to the whole request body.
func (h *Hdl) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	requestID := util.GetRequestID(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxFileSize+64*1024)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		if strings.Contains(err.Error(), "request body too large") {
			writeErr(w, domain.ErrFileTooLarge, requestID)
		} else {
			writeErr(w, domain.ErrInvalidRequest, requestID)
		}
		return nil, "", false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return nil, "", false
	}
	defer file.Close()
	content, err := io.ReadAll(io.LimitReader(file, h.cfg.MaxFileSize+1))
	if err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return nil, "", false
	}
	if int64(len(content)) > h.cfg.MaxFileSize {
		writeErr(w, domain.ErrFileTooLarge, requestID)
		return nil, "", false
	}
	if len(content) == 0 {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return nil, "", false
	}
	return content, header.Filename, true
}

// parseRecipients normalizes and splits the delimited recipient field.
// Comma, semicolon, and newline all act as separators; duplicates collapse.
func parseRecipients(raw string) ([]string, error) {
	raw = norm.NFC.String(raw)
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n' || r == '\r'
	})
	seen := make(map[string]struct{}, len(fields))
	var out []string
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil, domain.ErrEmptyRecipientList
	}
	if len(out) > maxRecipients {
		return nil, errors.Wrapf(domain.ErrInvalidRequest, "too many recipients (max %d)", maxRecipients)
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeDetail emits the admin UI's generic failure envelope.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	msg := domain.Message(err)
	if statusCode >= 500 {
		msg = domain.ErrInternalServer.Msg
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	writeDetail(w, statusCode, msg)
}
