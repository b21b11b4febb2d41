package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/orbitfi/ledgerbook/internal/book"
)

// Server exposes the synchronized books over a small read-only HTTP API,
// plus health and prometheus endpoints.
type Server struct {
	log   *zap.Logger
	books map[string]*book.Book
	http  *http.Server
}

// offerView is the API projection of one offer.
type offerView struct {
	LedgerIndex string `json:"ledger_index,omitempty"`
	Account     string `json:"account,omitempty"`
	TakerGets   string `json:"taker_gets"`
	TakerPays   string `json:"taker_pays"`
	Quality     string `json:"quality"`
	FundedGets  string `json:"taker_gets_funded"`
	FundedPays  string `json:"taker_pays_funded"`
	FullyFunded bool   `json:"fully_funded"`
	Synthetic   bool   `json:"synthetic,omitempty"`
}

// New builds the server for a fixed set of books, keyed by their
// canonical descriptor.
func New(addr string, books []*book.Book, log *zap.Logger) *Server {
	s := &Server{
		log:   log.With(zap.String("component", "http")),
		books: make(map[string]*book.Book, len(books)),
	}
	for _, b := range books {
		s.books[b.BookID().String()] = b
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	v1 := router.Group("/api/v1")
	{
		v1.GET("/books", s.listBooks)
		v1.GET("/books/:book/offers", s.bookOffers)
	}

	s.http = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.log.Info("listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	synced := 0
	for _, b := range s.books {
		if b.Synced() {
			synced++
		}
	}
	c.JSON(http.StatusOK, gin.H{"books": len(s.books), "synced": synced})
}

func (s *Server) listBooks(c *gin.Context) {
	out := make([]gin.H, 0, len(s.books))
	for key, b := range s.books {
		out = append(out, gin.H{
			"book":   key,
			"state":  b.State(),
			"synced": b.Synced(),
		})
	}
	c.JSON(http.StatusOK, out)
}

// bookOffers returns the last-known merged view without waiting, the read
// path consumers poll.
func (s *Server) bookOffers(c *gin.Context) {
	b, ok := s.books[c.Param("book")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown book"})
		return
	}
	offers := b.OffersSync()
	views := make([]offerView, 0, len(offers))
	for _, o := range offers {
		views = append(views, offerView{
			LedgerIndex: o.LedgerIndex,
			Account:     o.Account,
			TakerGets:   o.TakerGets.String(),
			TakerPays:   o.TakerPays.String(),
			Quality:     o.Quality.String(),
			FundedGets:  o.FundedGets.Value.String(),
			FundedPays:  o.FundedPays.Value.String(),
			FullyFunded: o.FullyFunded,
			Synthetic:   o.Synthetic,
		})
	}
	c.JSON(http.StatusOK, gin.H{"book": c.Param("book"), "offers": views})
}
