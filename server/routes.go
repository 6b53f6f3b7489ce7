package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ollama/xlm/api"
	"github.com/ollama/xlm/envconfig"
	"github.com/ollama/xlm/gesture"
	"github.com/ollama/xlm/logutil"
	"github.com/ollama/xlm/runner/xlmrunner"
	"github.com/ollama/xlm/version"
)

var errBusy = errors.New("server busy, please try again")

// Predictor is the part of a runner the server exposes
type Predictor interface {
	PredictNextWord(text string) []xlmrunner.Suggestion
	Suggest(req xlmrunner.SuggestRequest) []xlmrunner.Suggestion
}

type Server struct {
	addr   net.Addr
	runner Predictor

	// one decode in flight, the runner holds a single evaluator context
	sem     *semaphore.Weighted
	timeout time.Duration
}

func NewServer(runner Predictor) *Server {
	return &Server{
		runner:  runner,
		sem:     semaphore.NewWeighted(1),
		timeout: envconfig.RequestTimeout(),
	}
}

func (s *Server) GenerateRoutes() http.Handler {
	r := gin.Default()
	r.HandleMethodNotAllowed = true

	// General
	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "xlm is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "xlm is running") })
	r.HEAD("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })
	r.GET("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })

	// Inference
	r.POST("/api/predict", s.PredictHandler)
	r.POST("/api/correct", s.CorrectHandler)
	r.POST("/api/suggest", s.SuggestHandler)

	return r
}

// acquire waits for the model, bounded by the request and the configured
// timeout
func (s *Server) acquire(ctx context.Context) (func(), error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errBusy
		}
		return nil, err
	}

	return func() { s.sem.Release(1) }, nil
}

func (s *Server) run(c *gin.Context, fn func() []xlmrunner.Suggestion) {
	id := uuid.NewString()
	start := time.Now()

	release, err := s.acquire(c.Request.Context())
	if err != nil {
		slog.Warn("request not served", "id", id, "error", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	defer release()

	suggestions := fn()

	resp := api.SuggestResponse{
		ID:          id,
		Suggestions: make([]api.Suggestion, 0, len(suggestions)),
		Duration:    time.Since(start),
	}

	for _, sg := range suggestions {
		resp.Suggestions = append(resp.Suggestions, api.Suggestion{Text: sg.Text, Probability: sg.Probability})
	}

	logutil.Trace("suggestions", "id", id, "suggestions", resp.Suggestions)
	slog.Debug("request served", "id", id, "path", c.Request.URL.Path, "suggestions", len(resp.Suggestions), "duration", resp.Duration)
	c.JSON(http.StatusOK, resp)
}

func points(in []api.Point) []gesture.Point {
	out := make([]gesture.Point, len(in))
	for i, p := range in {
		out[i] = gesture.Point{X: p.X, Y: p.Y}
	}
	return out
}

func (s *Server) PredictHandler(c *gin.Context) {
	var req api.PredictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.run(c, func() []xlmrunner.Suggestion {
		return s.runner.PredictNextWord(req.Context)
	})
}

// CorrectHandler corrects a word typed as one touch per character
func (s *Server) CorrectHandler(c *gin.Context) {
	var req api.CorrectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if len(req.Points) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "points are required"})
		return
	}

	mode := xlmrunner.InputModeTap
	if req.Swipe {
		mode = xlmrunner.InputModeSwipe
	}

	s.run(c, func() []xlmrunner.Suggestion {
		return s.runner.Suggest(xlmrunner.SuggestRequest{
			Context:     req.Context,
			PartialWord: strings.Repeat("?", len(req.Points)),
			InputMode:   mode,
			Points:      points(req.Points),
		})
	})
}

func (s *Server) SuggestHandler(c *gin.Context) {
	var req api.SuggestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var mode xlmrunner.InputMode
	switch req.InputMode {
	case "", api.InputModeTap:
		mode = xlmrunner.InputModeTap
	case api.InputModeSwipe:
		mode = xlmrunner.InputModeSwipe
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid input mode %q", req.InputMode)})
		return
	}

	s.run(c, func() []xlmrunner.Suggestion {
		return s.runner.Suggest(xlmrunner.SuggestRequest{
			Context:     req.Context,
			PartialWord: req.PartialWord,
			InputMode:   mode,
			Points:      points(req.Points),
		})
	})
}

// Serve loads the configured model and answers requests on ln until
// interrupted
func Serve(ln net.Listener) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	slog.Info("server config", "env", envconfig.Values())

	runner, err := Load()
	if err != nil {
		return err
	}

	s := NewServer(runner)
	s.addr = ln.Addr()

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", s.addr, version.Version))
	srvr := &http.Server{
		Handler: s.GenerateRoutes(),
	}

	// listen for a ctrl+c and stop serving
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		srvr.Close()
	}()

	if err := srvr.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
