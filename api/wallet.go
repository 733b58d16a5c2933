package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/vultisig/multisigner/internal/types"
)

type weightRequest struct {
	Weight int `json:"weight"`
}

type quorumRequest struct {
	Quorum int `json:"quorum"`
}

// StartWalletCreation records a creation request; the worker drives it.
func (s *Server) StartWalletCreation(c echo.Context) error {
	var cfg types.CreationConfig
	if err := bind(c, &cfg); err != nil {
		return s.fail(c, err)
	}
	req, err := s.svc.Workflow.Start(c.Request().Context(), userID(c), cfg)
	if err != nil {
		return s.fail(c, err)
	}
	s.incCounter("wallet.create", []string{"network:" + string(cfg.Network)})
	return c.JSON(http.StatusAccepted, req.ProgressView())
}

func (s *Server) GetWalletCreation(c echo.Context) error {
	id, err := uuidParam(c, "requestId")
	if err != nil {
		return s.fail(c, err)
	}
	req, err := s.svc.Workflow.Get(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, req.ProgressView())
}

func (s *Server) ListWalletCreations(c echo.Context) error {
	reqs, err := s.svc.Workflow.List(c.Request().Context(), userID(c))
	if err != nil {
		return s.fail(c, err)
	}
	out := make([]types.CreationProgress, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.ProgressView())
	}
	return c.JSON(http.StatusOK, out)
}

// AdvanceWalletCreation drives a request in the caller's goroutine. Operators
// use it to resume a request after the cause of a stall is fixed.
func (s *Server) AdvanceWalletCreation(c echo.Context) error {
	id, err := uuidParam(c, "requestId")
	if err != nil {
		return s.fail(c, err)
	}
	req, err := s.svc.Workflow.Advance(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, req.ProgressView())
}

func (s *Server) ImportWallet(c echo.Context) error {
	var req types.WalletImportRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	req.OwnerID = userID(c)
	details, err := s.svc.Wallets.Import(c.Request().Context(), req)
	if err != nil {
		return s.fail(c, err)
	}
	s.incCounter("wallet.import", nil)
	return c.JSON(http.StatusCreated, details)
}

func (s *Server) ListWallets(c echo.Context) error {
	wallets, err := s.svc.Wallets.List(c.Request().Context(), userID(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, wallets)
}

func (s *Server) GetWallet(c echo.Context) error {
	id, err := uuidParam(c, "walletId")
	if err != nil {
		return s.fail(c, err)
	}
	details, err := s.svc.Wallets.Details(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, details)
}

func (s *Server) DeactivateWallet(c echo.Context) error {
	id, err := uuidParam(c, "walletId")
	if err != nil {
		return s.fail(c, err)
	}
	w, err := s.svc.Wallets.Deactivate(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, w)
}

func (s *Server) ListSigners(c echo.Context) error {
	id, err := uuidParam(c, "walletId")
	if err != nil {
		return s.fail(c, err)
	}
	signers, err := s.svc.Registry.ListActive(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, signers)
}

func (s *Server) AddSigner(c echo.Context) error {
	id, err := uuidParam(c, "walletId")
	if err != nil {
		return s.fail(c, err)
	}
	var in types.SignerInput
	if err := bind(c, &in); err != nil {
		return s.fail(c, err)
	}
	signer, err := s.svc.Registry.AddSigner(c.Request().Context(), id, in, userID(c))
	if err != nil {
		return s.fail(c, err)
	}
	s.incCounter("signer.add", nil)
	return c.JSON(http.StatusCreated, signer)
}

func (s *Server) RemoveSigner(c echo.Context) error {
	id, err := uuidParam(c, "walletId")
	if err != nil {
		return s.fail(c, err)
	}
	if err := s.svc.Registry.RemoveSigner(c.Request().Context(), id, c.Param("address")); err != nil {
		return s.fail(c, err)
	}
	s.incCounter("signer.remove", nil)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) UpdateSignerWeight(c echo.Context) error {
	id, err := uuidParam(c, "walletId")
	if err != nil {
		return s.fail(c, err)
	}
	var req weightRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	signer, err := s.svc.Registry.UpdateWeight(c.Request().Context(), id, c.Param("address"), req.Weight)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, signer)
}

func (s *Server) SetQuorum(c echo.Context) error {
	id, err := uuidParam(c, "walletId")
	if err != nil {
		return s.fail(c, err)
	}
	var req quorumRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	w, err := s.svc.Registry.SetQuorum(c.Request().Context(), id, req.Quorum)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, w)
}

// ListEvents pages through the wallet's notification stream. The stream id of
// the last event is the cursor for the next page.
func (s *Server) ListEvents(c echo.Context) error {
	if s.events == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "event stream is not configured"})
	}
	id, err := uuidParam(c, "walletId")
	if err != nil {
		return s.fail(c, err)
	}
	count := int64(defaultEventCount)
	if raw := c.QueryParam("count"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return s.fail(c, types.ErrInvalidRequest)
		}
		count = min(n, maxEventCount)
	}
	events, err := s.events.ReadEvents(c.Request().Context(), id, c.QueryParam("after"), count)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, events)
}
