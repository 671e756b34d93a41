package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/yourorg/payment-flow-orchestrator/internal/config"
	"github.com/yourorg/payment-flow-orchestrator/internal/fallback"
	"github.com/yourorg/payment-flow-orchestrator/internal/flow"
	"github.com/yourorg/payment-flow-orchestrator/internal/flow/flowstore"
	"github.com/yourorg/payment-flow-orchestrator/internal/metrics"
	"github.com/yourorg/payment-flow-orchestrator/internal/monitor"
	"github.com/yourorg/payment-flow-orchestrator/internal/policy"
	"github.com/yourorg/payment-flow-orchestrator/internal/provider"
	providermock "github.com/yourorg/payment-flow-orchestrator/internal/provider/mock"
	"github.com/yourorg/payment-flow-orchestrator/internal/provider/resilient"
	"github.com/yourorg/payment-flow-orchestrator/internal/reporting"
	"github.com/yourorg/payment-flow-orchestrator/internal/resilience/circuitbreaker"
	"github.com/yourorg/payment-flow-orchestrator/internal/resilience/ratelimit"
	"github.com/yourorg/payment-flow-orchestrator/internal/resilience/retry"
)

// settleWait bounds how long HTTP handlers wait for async actors before
// answering with whatever state the flow reached.
const settleWait = 2 * time.Second

type app struct {
	cfg       config.Config
	registry  *provider.Registry
	persister *flowstore.Persister
	metrics   *metrics.Metrics
	promReg   *prometheus.Registry
	monitor   *monitor.ContractMonitor
	rules     *policy.Enforcer
	sessions  *sessionRegistry
	flowCfg   flow.Config
	fbCfg     fallback.Config
}

func newApp(cfg config.Config) (*app, error) {
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	breaker := circuitbreaker.NewBreaker(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitFailureThreshold,
		FailureWindow:    time.Duration(cfg.CircuitFailureWindowMs) * time.Millisecond,
		ResetTimeout:     time.Duration(cfg.CircuitResetTimeoutMs) * time.Millisecond,
		SuccessThreshold: cfg.CircuitSuccessThreshold,
		OnStateChange: func(endpoint string, from, to circuitbreaker.State) {
			log.Printf("Circuit %s: %s -> %s", endpoint, from, to)
			m.SetCircuitState(endpoint, circuitGaugeValue(to))
		},
	})
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		MaxRequests: cfg.RateLimitMaxRequests,
		Window:      time.Duration(cfg.RateLimitWindowMs) * time.Millisecond,
		PerEndpoint: cfg.RateLimitPerEndpoint,
	})
	retryPolicy := retry.NewPolicy(retry.Config{
		MaxRetries:   cfg.RetryMaxRetries,
		InitialDelay: time.Duration(cfg.RetryInitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.RetryMaxDelayMs) * time.Millisecond,
		JitterFactor: cfg.RetryJitterFactor,
	}, breaker)

	registry := provider.NewRegistry()
	primary := providermock.NewGateway("mock-primary")
	secondary := providermock.NewGateway("mock-fallback")
	if err := registry.Register(resilient.Wrap(primary, breaker, limiter, retryPolicy), provider.Capability{
		Methods:  []string{"card", "spei"},
		Priority: 0,
	}); err != nil {
		return nil, err
	}
	if err := registry.Register(resilient.Wrap(secondary, breaker, limiter, retryPolicy), provider.Capability{
		Methods:  []string{"card"},
		Priority: 1,
	}); err != nil {
		return nil, err
	}

	var store flowstore.Store = flowstore.NewMemoryStore()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		store = flowstore.NewRedisStore(redis.NewClient(opts), cfg.FlowStorePrefix)
	}

	cm, err := monitor.NewContractMonitor(monitor.StartRequestSchema)
	if err != nil {
		return nil, err
	}

	rules, err := policy.NewEnforcer([]policy.Rule{
		{
			ID:         "no-fallback-for-large-amounts",
			Expression: "amount >= 500000",
			Decision:   policy.Decision{OfferFallback: false, Reason: "amount above fallback ceiling"},
		},
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:       cfg,
		registry:  registry,
		persister: flowstore.NewPersister(store),
		metrics:   m,
		promReg:   promReg,
		monitor:   cm,
		rules:     rules,
		sessions:  newSessionRegistry(),
		flowCfg: flow.Config{
			PollBaseDelay:    time.Duration(cfg.PollBaseDelayMs) * time.Millisecond,
			PollMaxDelay:     time.Duration(cfg.PollMaxDelayMs) * time.Millisecond,
			PollMaxAttempts:  cfg.PollMaxAttempts,
			StatusMaxRetries: cfg.StatusMaxRetries,
			FlowTTL:          time.Duration(cfg.FlowTTLMinutes) * time.Minute,
		},
		fbCfg: fallback.Config{
			Mode:                fallback.Mode(cfg.FallbackMode),
			MaxAttempts:         cfg.FallbackMaxAttempts,
			MaxAutoFallbacks:    cfg.MaxAutoFallbacks,
			UserResponseTimeout: cfg.UserResponseTimeout(),
			AutoFallbackDelay:   cfg.AutoFallbackDelay(),
		},
	}, nil
}

func circuitGaugeValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateOpen:
		return 2
	case circuitbreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// newSession wires a fresh flow machine to its fallback orchestrator.
func (a *app) newSession() *session {
	sess := &session{}
	sess.machine = flow.NewMachine(a.flowCfg, a.registry, a.persister, a.metrics)
	sess.orchestrator = fallback.New(a.fbCfg, a.registry, a.rules, &notifier{s: sess}, a.metrics)
	sess.machine.Subscribe(sess.onSnapshot)
	return sess
}

type startPaymentBody struct {
	ProviderID  string            `json:"providerId"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Method      string            `json:"method"`
	Description string            `json:"description"`
	ReturnURL   string            `json:"returnUrl"`
	CancelURL   string            `json:"cancelUrl"`
	Metadata    map[string]string `json:"metadata"`
}

// paymentView is the flow state exposed over HTTP.
type paymentView struct {
	FlowID      string              `json:"flowId"`
	State       string              `json:"state"`
	ProviderID  string              `json:"providerId,omitempty"`
	Intent      *intentView         `json:"intent,omitempty"`
	Error       *errorView          `json:"error,omitempty"`
	Fallback    *fallback.StateView `json:"fallback,omitempty"`
	PollAttempt int                 `json:"pollAttempt,omitempty"`
}

type intentView struct {
	ID         string              `json:"id"`
	Status     string              `json:"status"`
	NextAction *nextActionView     `json:"nextAction,omitempty"`
}

type nextActionView struct {
	Type        string            `json:"type"`
	RedirectURL string            `json:"redirectUrl,omitempty"`
	Reference   string            `json:"reference,omitempty"`
	DisplayData map[string]string `json:"displayData,omitempty"`
}

type errorView struct {
	Code       string `json:"code"`
	MessageKey string `json:"messageKey,omitempty"`
	RetryAfter string `json:"retryAfter,omitempty"`
}

func viewOf(snap flow.Snapshot, sess *session) paymentView {
	v := paymentView{
		State:       string(snap.State),
		ProviderID:  snap.ProviderID,
		PollAttempt: snap.PollAttempt,
	}
	if snap.Flow != nil {
		v.FlowID = snap.Flow.FlowID
	}
	if snap.Intent != nil {
		iv := &intentView{ID: snap.Intent.ID, Status: string(snap.Intent.Status)}
		if na := snap.Intent.NextAction; na != nil {
			iv.NextAction = &nextActionView{
				Type:        string(na.Type),
				RedirectURL: na.RedirectURL,
				Reference:   na.Reference,
				DisplayData: na.DisplayData,
			}
		}
		v.Intent = iv
	}
	if snap.Err != nil {
		ev := &errorView{Code: string(snap.Err.Code), MessageKey: snap.Err.MessageKey}
		if snap.Err.RetryAfter > 0 {
			ev.RetryAfter = snap.Err.RetryAfter.String()
		}
		v.Error = ev
	}
	if sess != nil {
		fb := sess.orchestrator.State()
		v.Fallback = &fb
	}
	return v
}

func (a *app) startPaymentHandler(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	valid, verrs, err := a.monitor.Validate(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	if !valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Validation failed: " + monitor.FormatErrors(verrs)})
		return
	}

	var req startPaymentBody
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	providerID := req.ProviderID
	if providerID == "" {
		candidates := a.registry.CandidatesFor(req.Method)
		if len(candidates) == 0 {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no provider supports method " + req.Method})
			return
		}
		providerID = candidates[0]
	}

	sess := a.newSession()
	accepted := sess.machine.Send(flow.Event{
		Type:       flow.EventStart,
		ProviderID: providerID,
		Request: &provider.StartRequest{
			Amount:      req.Amount,
			Currency:    req.Currency,
			Method:      req.Method,
			Description: req.Description,
			ReturnURL:   req.ReturnURL,
			CancelURL:   req.CancelURL,
			Metadata:    req.Metadata,
		},
	})
	if !accepted {
		c.JSON(http.StatusConflict, gin.H{"error": "flow rejected start event"})
		return
	}
	snap := sess.waitSettled(settleWait)
	if snap.Flow == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "flow context missing after start"})
		return
	}
	a.sessions.put(snap.Flow.FlowID, sess)
	c.JSON(http.StatusCreated, viewOf(snap, sess))
}

func (a *app) lookupSession(c *gin.Context) (*session, bool) {
	sess, ok := a.sessions.get(c.Param("flowId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown flow " + c.Param("flowId")})
		return nil, false
	}
	return sess, true
}

func (a *app) getPaymentHandler(c *gin.Context) {
	sess, ok := a.lookupSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewOf(sess.machine.Snapshot(), sess))
}

func (a *app) confirmPaymentHandler(c *gin.Context) {
	sess, ok := a.lookupSession(c)
	if !ok {
		return
	}
	var body struct {
		ReturnURL string `json:"returnUrl"`
	}
	_ = c.ShouldBindJSON(&body)
	if !sess.machine.Send(flow.Event{Type: flow.EventConfirm, ReturnURL: body.ReturnURL}) {
		c.JSON(http.StatusConflict, gin.H{"error": "confirm not allowed in state " + string(sess.machine.State())})
		return
	}
	c.JSON(http.StatusOK, viewOf(sess.waitSettled(settleWait), sess))
}

func (a *app) cancelPaymentHandler(c *gin.Context) {
	sess, ok := a.lookupSession(c)
	if !ok {
		return
	}
	if !sess.machine.Send(flow.Event{Type: flow.EventCancel}) {
		c.JSON(http.StatusConflict, gin.H{"error": "cancel not allowed in state " + string(sess.machine.State())})
		return
	}
	c.JSON(http.StatusOK, viewOf(sess.waitSettled(settleWait), sess))
}

func (a *app) refreshPaymentHandler(c *gin.Context) {
	sess, ok := a.lookupSession(c)
	if !ok {
		return
	}
	if !sess.machine.Send(flow.Event{Type: flow.EventRefresh}) {
		c.JSON(http.StatusConflict, gin.H{"error": "refresh not allowed in state " + string(sess.machine.State())})
		return
	}
	c.JSON(http.StatusOK, viewOf(sess.waitSettled(settleWait), sess))
}

// returnHandler ingests the browser redirect back from a provider page.
// Query parameters are forwarded for sanitised merge into the flow context.
func (a *app) returnHandler(c *gin.Context) {
	sess, ok := a.lookupSession(c)
	if !ok {
		return
	}
	params := map[string]string{}
	for k, vs := range c.Request.URL.Query() {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	sess.machine.SendSystem(flow.Event{
		Type:   flow.EventRedirectReturned,
		Nonce:  c.Query("nonce"),
		Params: params,
	})
	c.JSON(http.StatusOK, viewOf(sess.waitSettled(settleWait), sess))
}

func (a *app) fallbackRespondHandler(c *gin.Context) {
	sess, ok := a.lookupSession(c)
	if !ok {
		return
	}
	var body struct {
		EventID  string `json:"eventId"`
		Accepted bool   `json:"accepted"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	sess.orchestrator.RespondToFallback(fallback.Response{EventID: body.EventID, Accepted: body.Accepted})
	c.JSON(http.StatusOK, viewOf(sess.waitSettled(settleWait), sess))
}

type webhookBody struct {
	FlowID      string            `json:"flowId"`
	ReferenceID string            `json:"referenceId"`
	EventID     string            `json:"eventId"`
	Params      map[string]string `json:"params"`
}

func (a *app) webhookHandler(c *gin.Context) {
	var body webhookBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	sess, ok := a.sessions.get(body.FlowID)
	if !ok {
		// Unknown flows are acknowledged so the provider stops retrying.
		c.JSON(http.StatusOK, gin.H{"received": true, "matched": false})
		return
	}
	sess.machine.SendSystem(flow.Event{
		Type:        flow.EventWebhookReceived,
		ReferenceID: body.ReferenceID,
		EventID:     body.EventID,
		Params:      body.Params,
	})
	c.JSON(http.StatusOK, gin.H{"received": true, "matched": true})
}

func (a *app) reportHandler(c *gin.Context) {
	sess, ok := a.lookupSession(c)
	if !ok {
		return
	}
	snap := sess.machine.Snapshot()
	finalStatus := string(snap.State)
	if snap.Intent != nil {
		finalStatus = string(snap.Intent.Status)
	}
	c.JSON(http.StatusOK, reporting.GenerateRetrospective(sess.orchestrator.State().FailedAttempts, finalStatus))
}

func setupRouter(a *app) *gin.Engine {
	router := gin.Default()
	router.Use(otelgin.Middleware("payment-flow-orchestrator"))

	router.POST("/payments", a.startPaymentHandler)
	router.GET("/payments/:flowId", a.getPaymentHandler)
	router.POST("/payments/:flowId/confirm", a.confirmPaymentHandler)
	router.POST("/payments/:flowId/cancel", a.cancelPaymentHandler)
	router.POST("/payments/:flowId/refresh", a.refreshPaymentHandler)
	router.GET("/payments/:flowId/return", a.returnHandler)
	router.POST("/payments/:flowId/fallback", a.fallbackRespondHandler)
	router.GET("/payments/:flowId/report", a.reportHandler)
	router.POST("/webhooks/:provider", a.webhookHandler)

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{})))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

func initTracing() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func main() {
	log.Println("Starting server...")

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	shutdown, err := initTracing()
	if err != nil {
		log.Fatalf("Failed to initialise tracing: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Printf("Error shutting down tracer provider: %v", err)
		}
	}()

	a, err := newApp(cfg)
	if err != nil {
		log.Fatalf("Failed to build application: %v", err)
	}

	addr := cfg.ServerPort
	if !strings.HasPrefix(addr, ":") {
		addr = ":" + addr
	}
	router := setupRouter(a)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to run server: %v", err)
	}
}
