package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vultisig/multisigner/internal/types"
)

func (s *Server) CreateProposal(c echo.Context) error {
	walletID, err := uuidParam(c, "walletId")
	if err != nil {
		return s.fail(c, err)
	}
	var req types.ProposalRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	req.WalletID = walletID
	req.CreatedBy = userID(c)
	p, err := s.svc.Collector.CreateProposal(c.Request().Context(), req)
	if err != nil {
		return s.fail(c, err)
	}
	s.incCounter("proposal.create", []string{"type:" + string(p.TxType)})
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) ListProposals(c echo.Context) error {
	walletID, err := uuidParam(c, "walletId")
	if err != nil {
		return s.fail(c, err)
	}
	status := types.ProposalStatus(c.QueryParam("status"))
	proposals, err := s.svc.Collector.ListByWallet(c.Request().Context(), walletID, status)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, proposals)
}

func (s *Server) GetProposal(c echo.Context) error {
	id, err := uuidParam(c, "proposalId")
	if err != nil {
		return s.fail(c, err)
	}
	p, err := s.svc.Collector.Get(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// SubmitSignature records a signature; a signature that completes the quorum
// also submits the transaction before the response is written.
func (s *Server) SubmitSignature(c echo.Context) error {
	id, err := uuidParam(c, "proposalId")
	if err != nil {
		return s.fail(c, err)
	}
	var sub types.SignatureSubmission
	if err := bind(c, &sub); err != nil {
		return s.fail(c, err)
	}
	p, err := s.svc.Collector.SubmitSignature(c.Request().Context(), id, sub)
	if err != nil {
		return s.fail(c, err)
	}
	s.incCounter("proposal.signature", []string{"status:" + string(p.Status)})
	return c.JSON(http.StatusOK, p)
}

func (s *Server) CancelProposal(c echo.Context) error {
	id, err := uuidParam(c, "proposalId")
	if err != nil {
		return s.fail(c, err)
	}
	p, err := s.svc.Collector.Cancel(c.Request().Context(), id, userID(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// SubmitProposal retries submission of a ready proposal. It is a no-op for a
// proposal in any other status.
func (s *Server) SubmitProposal(c echo.Context) error {
	id, err := uuidParam(c, "proposalId")
	if err != nil {
		return s.fail(c, err)
	}
	p, err := s.svc.Submitter.TrySubmit(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) GetArchivedProposal(c echo.Context) error {
	if s.archive == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "proposal archive is not configured"})
	}
	walletID, err := uuidParam(c, "walletId")
	if err != nil {
		return s.fail(c, err)
	}
	id, err := uuidParam(c, "proposalId")
	if err != nil {
		return s.fail(c, err)
	}
	p, err := s.archive.GetArchivedProposal(c.Request().Context(), walletID, id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}
