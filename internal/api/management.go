package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/ERPlora/module-messaging/internal/config"
	"github.com/ERPlora/module-messaging/internal/dkim"
	"github.com/ERPlora/module-messaging/internal/dnscheck"
	"github.com/ERPlora/module-messaging/internal/email"
)

// DKIMGenerateRequest is the request for POST /api/v1/settings/dkim
type DKIMGenerateRequest struct {
	Domain   string `json:"domain"`
	Selector string `json:"selector"`
}

// DKIMGenerateResponse is the response for POST /api/v1/settings/dkim
type DKIMGenerateResponse struct {
	Domain    string `json:"domain"`
	Selector  string `json:"selector"`
	DNSName   string `json:"dns_name"`
	DNSRecord string `json:"dns_record"`
	KeyFile   string `json:"key_file"`
}

// handleGetSettings handles GET /api/v1/settings. Secrets are masked.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.svc.Settings.Get(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		s.sendServiceError(w, err, "Failed to get settings")
		return
	}
	s.sendJSON(w, http.StatusOK, settings.Redacted())
}

// handlePutSettings handles PUT /api/v1/settings. The body is applied over the
// stored settings; omitted fields and masked secrets keep their value.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	req, err := s.svc.Settings.Get(r.Context(), tenant)
	if err != nil {
		s.sendServiceError(w, err, "Failed to get settings")
		return
	}
	if !s.decode(w, r, &req) {
		return
	}

	settings, err := s.svc.Settings.Put(r.Context(), tenant, req)
	if errors.Is(err, config.ErrInvalidSettings) {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.sendServiceError(w, err, "Failed to save settings")
		return
	}

	s.logger.Info("settings updated", "tenant_id", tenant)
	s.sendJSON(w, http.StatusOK, settings.Redacted())
}

// handleGenerateDKIM handles POST /api/v1/settings/dkim. It creates a key for
// the tenant's sending domain and points the email settings at it.
func (s *Server) handleGenerateDKIM(w http.ResponseWriter, r *http.Request) {
	var req DKIMGenerateRequest
	if !s.decode(w, r, &req) {
		return
	}

	tenant := tenantFrom(r.Context())
	settings, err := s.svc.Settings.Get(r.Context(), tenant)
	if err != nil {
		s.sendServiceError(w, err, "Failed to get settings")
		return
	}

	if req.Domain == "" {
		req.Domain = email.ExtractDomain(settings.EmailFromAddress)
	}
	if req.Domain == "" {
		s.sendError(w, http.StatusBadRequest, "domain is required")
		return
	}
	if req.Selector == "" {
		req.Selector = "default"
	}
	if err := dnscheck.ValidateDomain(req.Domain); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := dnscheck.ValidateSelector(req.Selector); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !safePathElement(tenant) {
		s.sendError(w, http.StatusBadRequest, "invalid tenant")
		return
	}

	keyPair, err := dkim.GenerateKey(req.Domain, req.Selector)
	if err != nil {
		s.logger.Error("failed to generate DKIM key", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to generate DKIM key")
		return
	}
	record, err := keyPair.DNSRecord()
	if err != nil {
		s.logger.Error("failed to build DKIM record", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to generate DKIM key")
		return
	}

	keyFile := dkim.KeyPath(filepath.Join(s.config.Storage.DKIMKeysDir, tenant), req.Domain, req.Selector)
	if err := keyPair.SavePrivateKey(keyFile); err != nil {
		s.logger.Error("failed to save DKIM key", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to save DKIM key")
		return
	}

	settings.EmailDKIMDomain = req.Domain
	settings.EmailDKIMSelector = req.Selector
	settings.EmailDKIMKeyFile = keyFile
	if _, err := s.svc.Settings.Put(r.Context(), tenant, settings); err != nil {
		s.sendServiceError(w, err, "Failed to save settings")
		return
	}

	s.logger.Info("DKIM key generated", "tenant_id", tenant, "domain", req.Domain, "selector", req.Selector)

	s.sendJSON(w, http.StatusCreated, DKIMGenerateResponse{
		Domain:    req.Domain,
		Selector:  req.Selector,
		DNSName:   keyPair.DNSName(),
		DNSRecord: record,
		KeyFile:   keyFile,
	})
}

func safePathElement(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

// handleCheckDNS handles GET /api/v1/settings/dns-check. It looks up the SPF,
// DKIM and DMARC records of the tenant's sending domain; the DKIM record must
// carry the public half of the configured key.
func (s *Server) handleCheckDNS(w http.ResponseWriter, r *http.Request) {
	settings, err := s.svc.Settings.Get(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		s.sendServiceError(w, err, "Failed to get settings")
		return
	}

	domain := r.URL.Query().Get("domain")
	if domain == "" {
		domain = settings.EmailDKIMDomain
	}
	if domain == "" {
		domain = email.ExtractDomain(settings.EmailFromAddress)
	}
	if domain == "" {
		s.sendError(w, http.StatusBadRequest, "domain is required")
		return
	}

	var expected string
	if settings.EmailDKIMKeyFile != "" && settings.EmailDKIMSelector != "" {
		key, err := dkim.LoadPrivateKey(settings.EmailDKIMKeyFile)
		if err != nil {
			s.logger.Warn("failed to load DKIM key", "file", settings.EmailDKIMKeyFile, "error", err)
		} else {
			kp := &dkim.KeyPair{PrivateKey: key, Domain: domain, Selector: settings.EmailDKIMSelector}
			expected, _ = kp.DNSRecord()
		}
	}

	result, err := s.svc.DNS.CheckDomain(r.Context(), domain, settings.EmailDKIMSelector, expected)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, result)
}
