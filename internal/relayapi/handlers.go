package relayapi

import (
	"net/http"

	"github.com/yourconnector/yc/internal/apierr"
	"github.com/yourconnector/yc/internal/fabric"
)

type pairPreflightRequest struct {
	SystemID        string `json:"systemId"`
	DeviceID        string `json:"deviceId"`
	LegacyPairToken string `json:"pairToken"`
	PairTicket      string `json:"pairTicket"`
}

func (h *handler) pairPreflight(w http.ResponseWriter, r *http.Request) {
	var req pairPreflightRequest
	if derr := decodeJSON(r, &req); derr != nil {
		apierr.WriteError(w, derr)
		return
	}
	mode, aerr := h.hub.PreflightPairCredentials(req.SystemID, req.DeviceID, req.LegacyPairToken, req.PairTicket)
	if aerr != nil {
		apierr.WriteError(w, aerr)
		return
	}
	apierr.WriteOK(w, http.StatusOK, "ticket is valid", "", map[string]string{"authMode": string(mode)})
}

type pairExchangeRequest struct {
	SystemID        string `json:"systemId"`
	DeviceID        string `json:"deviceId"`
	DeviceName      string `json:"deviceName"`
	LegacyPairToken string `json:"pairToken"`
	PairTicket      string `json:"pairTicket"`
	DevicePubKey    string `json:"devicePublicKey"`
	KeyID           string `json:"keyId"`
	Proof           string `json:"proof"`
}

func (h *handler) pairExchange(w http.ResponseWriter, r *http.Request) {
	var req pairExchangeRequest
	if derr := decodeJSON(r, &req); derr != nil {
		apierr.WriteError(w, derr)
		return
	}
	result, aerr := h.hub.ExchangeDeviceCredential(fabric.ExchangeRequest{
		SystemID:        req.SystemID,
		DeviceID:        req.DeviceID,
		DeviceName:      req.DeviceName,
		LegacyPairToken: req.LegacyPairToken,
		PairTicket:      req.PairTicket,
		DevicePubKey:    req.DevicePubKey,
		KeyID:           req.KeyID,
		Proof:           req.Proof,
	})
	if aerr != nil {
		apierr.WriteError(w, aerr)
		return
	}
	apierr.WriteOK(w, http.StatusOK, "device credential issued", "", result)
}

type pairBootstrapRequest struct {
	SystemID    string `json:"systemId"`
	PairToken   string `json:"pairToken"`
	HostName    string `json:"hostName"`
	RelayWsURL  string `json:"relayWsUrl"`
	IncludeCode bool   `json:"includeCode"`
	TTLSec      uint64 `json:"ttlSec"`
}

func (h *handler) pairBootstrap(w http.ResponseWriter, r *http.Request) {
	var req pairBootstrapRequest
	if derr := decodeJSON(r, &req); derr != nil {
		apierr.WriteError(w, derr)
		return
	}
	data, aerr := h.hub.IssuePairBootstrap(fabric.BootstrapRequest{
		SystemID:    req.SystemID,
		PairToken:   req.PairToken,
		HostName:    req.HostName,
		RelayWsURL:  req.RelayWsURL,
		IncludeCode: req.IncludeCode,
		TTLSec:      req.TTLSec,
	})
	if aerr != nil {
		apierr.WriteError(w, aerr)
		return
	}
	apierr.WriteOK(w, http.StatusOK, "pairing link issued", "", data)
}

type authRefreshRequest struct {
	SystemID     string `json:"systemId"`
	DeviceID     string `json:"deviceId"`
	RefreshToken string `json:"refreshToken"`
	KeyID        string `json:"keyId"`
	Ts           string `json:"ts"`
	Nonce        string `json:"nonce"`
	Sig          string `json:"sig"`
}

func (h *handler) authRefresh(w http.ResponseWriter, r *http.Request) {
	var req authRefreshRequest
	if derr := decodeJSON(r, &req); derr != nil {
		apierr.WriteError(w, derr)
		return
	}
	result, aerr := h.hub.RefreshDeviceCredential(fabric.RefreshRequest{
		SystemID:     req.SystemID,
		DeviceID:     req.DeviceID,
		RefreshToken: req.RefreshToken,
		KeyID:        req.KeyID,
		Ts:           req.Ts,
		Nonce:        req.Nonce,
		Sig:          req.Sig,
	})
	if aerr != nil {
		apierr.WriteError(w, aerr)
		return
	}
	apierr.WriteOK(w, http.StatusOK, "credential rotated", "", result)
}

type authRevokeDeviceRequest struct {
	SystemID       string `json:"systemId"`
	DeviceID       string `json:"deviceId"`
	TargetDeviceID string `json:"targetDeviceId"`
	AccessToken    string `json:"accessToken"`
	KeyID          string `json:"keyId"`
	Ts             string `json:"ts"`
	Nonce          string `json:"nonce"`
	Sig            string `json:"sig"`
}

func (h *handler) authRevokeDevice(w http.ResponseWriter, r *http.Request) {
	var req authRevokeDeviceRequest
	if derr := decodeJSON(r, &req); derr != nil {
		apierr.WriteError(w, derr)
		return
	}
	aerr := h.hub.RevokeDevice(fabric.RevokeRequest{
		SystemID:       req.SystemID,
		DeviceID:       req.DeviceID,
		TargetDeviceID: req.TargetDeviceID,
		AccessToken:    req.AccessToken,
		KeyID:          req.KeyID,
		Ts:             req.Ts,
		Nonce:          req.Nonce,
		Sig:            req.Sig,
	})
	if aerr != nil {
		apierr.WriteError(w, aerr)
		return
	}
	apierr.WriteOK(w, http.StatusOK, "device revoked", "", nil)
}

func (h *handler) authDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	devices, aerr := h.hub.ListDevices(
		q.Get("systemId"), q.Get("deviceId"), q.Get("accessToken"), q.Get("keyId"),
		q.Get("ts"), q.Get("nonce"), q.Get("sig"),
	)
	if aerr != nil {
		apierr.WriteError(w, aerr)
		return
	}
	apierr.WriteOK(w, http.StatusOK, "ok", "", devices)
}
