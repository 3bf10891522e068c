package kernelservices

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ocapkernel/kernel/internal/marshal"
	"github.com/ocapkernel/kernel/internal/refs"
)

// VatAdmin is the slice of vatmgr.Manager the vatAdmin service drives.
// Narrowed to an interface so the registry never needs a full manager in
// tests.
type VatAdmin interface {
	TerminateVat(ctx context.Context, id refs.EndpointID, reason string) error
	RestartVat(ctx context.Context, id refs.EndpointID) error
	PingVat(id refs.EndpointID) bool
}

type vatAdminReq struct {
	VatID  string `json:"vat_id"`
	Reason string `json:"reason,omitempty"`
}

func parseVatAdminReq(args marshal.CapData) (vatAdminReq, error) {
	var req vatAdminReq
	if err := json.Unmarshal(args.Body, &req); err != nil || req.VatID == "" {
		return req, errors.New("vatAdmin: args must be {\"vat_id\": ...}")
	}
	return req, nil
}

// NewVatAdminService returns the built-in "vatAdmin" service, exposing
// terminate/restart/ping to whichever vat a subcluster config granted it
// to. Holding the capability is the only authority check, as everywhere
// else in the kernel.
func NewVatAdminService(admin VatAdmin) *Service {
	okBody, _ := json.Marshal(map[string]bool{"ok": true})
	return &Service{
		Name: "vatAdmin",
		Methods: map[string]Handler{
			"terminate": func(ctx context.Context, args marshal.CapData) (marshal.CapData, error) {
				req, err := parseVatAdminReq(args)
				if err != nil {
					return marshal.CapData{}, err
				}
				if err := admin.TerminateVat(ctx, refs.EndpointID(req.VatID), req.Reason); err != nil {
					return marshal.CapData{}, err
				}
				return marshal.CapData{Body: okBody}, nil
			},
			"restart": func(ctx context.Context, args marshal.CapData) (marshal.CapData, error) {
				req, err := parseVatAdminReq(args)
				if err != nil {
					return marshal.CapData{}, err
				}
				if err := admin.RestartVat(ctx, refs.EndpointID(req.VatID)); err != nil {
					return marshal.CapData{}, err
				}
				return marshal.CapData{Body: okBody}, nil
			},
			"ping": func(_ context.Context, args marshal.CapData) (marshal.CapData, error) {
				req, err := parseVatAdminReq(args)
				if err != nil {
					return marshal.CapData{}, err
				}
				body, _ := json.Marshal(map[string]bool{"running": admin.PingVat(refs.EndpointID(req.VatID))})
				return marshal.CapData{Body: body}, nil
			},
		},
	}
}
