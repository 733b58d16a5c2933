package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/multisigner/internal/types"
	"github.com/vultisig/multisigner/service"
	"github.com/vultisig/multisigner/storage"
)

const (
	// UserHeader carries the caller identity set by the gateway in front of the
	// coordinator.
	UserHeader = "X-User-ID"

	defaultEventCount = 50
	maxEventCount     = 500
)

// IdempotencyStore remembers responses of mutating requests by client key.
type IdempotencyStore interface {
	ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
	SaveIdempotentResponse(ctx context.Context, key string, resp storage.CachedResponse, ttl time.Duration) error
	GetIdempotentResponse(ctx context.Context, key string) (*storage.CachedResponse, error)
	ReleaseIdempotencyKey(ctx context.Context, key string) error
}

type EventReader interface {
	ReadEvents(ctx context.Context, walletID uuid.UUID, after string, count int64) ([]storage.StreamEvent, error)
}

type ProposalArchive interface {
	GetArchivedProposal(ctx context.Context, walletID, proposalID uuid.UUID) (types.Proposal, error)
}

// Services are the core operations exposed over HTTP.
type Services struct {
	Workflow  *service.Workflow
	Wallets   *service.WalletService
	Registry  *service.Registry
	Collector *service.Collector
	Submitter *service.Submitter
}

type Server struct {
	port        int64
	svc         Services
	idempotency IdempotencyStore
	events      EventReader
	archive     ProposalArchive
	sdClient    statsd.ClientInterface
	logger      *logrus.Logger
}

// NewServer returns a new server. idempotency, events and archive are optional.
func NewServer(port int64,
	svc Services,
	idempotency IdempotencyStore,
	events EventReader,
	archive ProposalArchive,
	sdClient statsd.ClientInterface,
	logger *logrus.Logger) (*Server, error) {
	if svc.Workflow == nil || svc.Wallets == nil || svc.Registry == nil || svc.Collector == nil || svc.Submitter == nil {
		return nil, fmt.Errorf("all services are required")
	}
	if sdClient == nil {
		return nil, fmt.Errorf("statsd client cannot be nil")
	}
	return &Server{
		port:        port,
		svc:         svc,
		idempotency: idempotency,
		events:      events,
		archive:     archive,
		sdClient:    sdClient,
		logger:      logger,
	}, nil
}

// Routes builds the echo instance with every route and middleware registered.
func (s *Server) Routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Logger.SetLevel(log.INFO)
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("2M")) // set maximum allowed size for a request body to 2M
	e.Use(s.statsdMiddleware)
	e.Use(middleware.CORS())
	limiterStore := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{Rate: 20, Burst: 60, ExpiresIn: 5 * time.Minute},
	)
	e.Use(middleware.RateLimiter(limiterStore))
	e.Use(s.idempotencyMiddleware)

	e.GET("/ping", s.Ping)

	creation := e.Group("/wallets/create")
	creation.POST("", s.StartWalletCreation)
	creation.GET("", s.ListWalletCreations)
	creation.GET("/:requestId", s.GetWalletCreation)
	creation.POST("/:requestId/advance", s.AdvanceWalletCreation)

	e.POST("/wallets/import", s.ImportWallet)
	e.GET("/wallets", s.ListWallets)

	wallet := e.Group("/wallets/:walletId")
	wallet.GET("", s.GetWallet)
	wallet.DELETE("", s.DeactivateWallet)
	wallet.GET("/signers", s.ListSigners)
	wallet.POST("/signers", s.AddSigner)
	wallet.DELETE("/signers/:address", s.RemoveSigner)
	wallet.PUT("/signers/:address/weight", s.UpdateSignerWeight)
	wallet.PUT("/quorum", s.SetQuorum)
	wallet.GET("/events", s.ListEvents)
	wallet.POST("/proposals", s.CreateProposal)
	wallet.GET("/proposals", s.ListProposals)
	wallet.GET("/proposals/:proposalId/archive", s.GetArchivedProposal)

	proposal := e.Group("/proposals/:proposalId")
	proposal.GET("", s.GetProposal)
	proposal.POST("/signatures", s.SubmitSignature)
	proposal.POST("/cancel", s.CancelProposal)
	proposal.POST("/submit", s.SubmitProposal)

	return e
}

func (s *Server) StartServer() error {
	e := s.Routes()
	s.logger.Infof("Starting server on port %d", s.port)
	return e.Start(fmt.Sprintf(":%d", s.port))
}

func (s *Server) Ping(c echo.Context) error {
	return c.String(http.StatusOK, "Multisigner coordinator is running")
}

func (s *Server) incCounter(name string, tags []string) {
	if err := s.sdClient.Count(name, 1, tags, 1); err != nil {
		s.logger.Errorf("fail to count metric, err: %v", err)
	}
}

func userID(c echo.Context) string {
	return c.Request().Header.Get(UserHeader)
}

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s is not a valid id", types.ErrInvalidRequest, name)
	}
	return id, nil
}

func bind(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return fmt.Errorf("%w: fail to parse request: %v", types.ErrInvalidRequest, err)
	}
	return nil
}
