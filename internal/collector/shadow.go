package collector

import (
	"context"
	"log"
	"sync"
	"time"

	"forge/internal/audit"
	"forge/internal/classifier"
	"forge/internal/metrics"
	"forge/internal/models"
	"forge/internal/store"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// PairStore is the slice of the metrics store the collector needs
type PairStore interface {
	RecordPair(*models.TrainingPair) error
	RecordComparison(*models.Comparison) error
}

// ShadowBackend is the secondary LLM queried for training pairs
type ShadowBackend interface {
	ChatCompletion(ctx context.Context, req *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error)
	Model() string
	Name() string
}

// PairRequest describes one live exchange offered for shadow sampling
type PairRequest struct {
	Prompt            string
	RoutedTo          string // backend that served the live request
	PrimaryResponse   string
	PrimaryDurationMs int64
	Complexity        *float64
	HasToolCalls      bool
}

// ComparisonRequest carries a full-fidelity side-by-side sample; the
// caller already holds both responses.
type ComparisonRequest struct {
	Prompt          string
	Goal            string
	Context         string
	RoutedTo        string
	PrimaryResponse string
	ShadowResponse  string
	PrimaryModel    string
	ShadowModel     string
}

// Options tune the collector; zero values take the defaults
type Options struct {
	MaxInflight int           // default 3
	Timeout     time.Duration // per shadow call, default 120s
	RequireCode bool          // drop pairs whose primary response has no fenced code
	RatePerSec  float64       // 0 disables the rate cap
}

// ShadowCollector fires bounded background requests at the shadow backend
// and persists accepted pairs. It never blocks the live request path: when
// the inflight budget is spent the sample is silently dropped — the
// training corpus is lossy by design, the chat path is not.
type ShadowCollector struct {
	store    PairStore
	classify classifier.Strategy
	shadow   ShadowBackend
	auditLog *audit.DailyWriter

	sem         chan struct{}
	limiter     *rate.Limiter
	timeout     time.Duration
	requireCode bool

	wg sync.WaitGroup
}

// New creates a shadow collector. auditLog may be nil to skip the JSONL
// copies.
func New(pairStore PairStore, classify classifier.Strategy, shadow ShadowBackend, auditLog *audit.DailyWriter, opts Options) *ShadowCollector {
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}

	var limiter *rate.Limiter
	if opts.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), 1)
	}

	return &ShadowCollector{
		store:       pairStore,
		classify:    classify,
		shadow:      shadow,
		auditLog:    auditLog,
		sem:         make(chan struct{}, opts.MaxInflight),
		limiter:     limiter,
		timeout:     opts.Timeout,
		requireCode: opts.RequireCode,
	}
}

// CollectPair offers an exchange for shadow sampling. It returns
// immediately; the return value reports only whether a shadow request was
// admitted, not whether a pair was eventually stored.
func (c *ShadowCollector) CollectPair(req PairRequest) bool {
	select {
	case c.sem <- struct{}{}:
	default:
		c.drop("saturated")
		return false
	}

	if c.limiter != nil && !c.limiter.Allow() {
		<-c.sem
		c.drop("rate_limited")
		return false
	}

	if m := metrics.Get(); m != nil {
		m.ShadowInflight.Inc()
	}

	c.wg.Add(1)
	go c.runShadow(req)
	return true
}

// runShadow executes the shadow call and, if the sample survives the
// filters, classifies and persists the pair. All failures are terminal
// for this one sample: dropped, counted, never retried.
func (c *ShadowCollector) runShadow(req PairRequest) {
	defer func() {
		<-c.sem
		if m := metrics.Get(); m != nil {
			m.ShadowInflight.Dec()
		}
		c.wg.Done()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.shadow.ChatCompletion(ctx, &models.ChatCompletionRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: req.Prompt}},
	})
	shadowDuration := time.Since(start)

	if err != nil {
		// Transient and ignorable: more data will come
		c.drop("shadow_error")
		return
	}

	shadowText := resp.FirstContent()
	if req.PrimaryResponse == "" || shadowText == "" {
		c.drop("empty_response")
		return
	}

	if c.requireCode && !classifier.HasFencedCode(req.PrimaryResponse) {
		c.drop("no_code")
		return
	}

	result := c.classify.Classify(req.Prompt, classifier.ResponseMeta{
		Response:     req.PrimaryResponse,
		HasToolCalls: req.HasToolCalls,
	})

	pair := &models.TrainingPair{
		PromptHash:        store.HashPrompt(req.Prompt),
		Complexity:        req.Complexity,
		RoutedTo:          req.RoutedTo,
		PrimaryLength:     len(req.PrimaryResponse),
		ShadowLength:      len(shadowText),
		PrimaryDurationMs: req.PrimaryDurationMs,
		ShadowDurationMs:  shadowDuration.Milliseconds(),
		ShadowModel:       c.shadow.Model(),
		HasCode:           classifier.HasFencedCode(req.PrimaryResponse) || classifier.HasFencedCode(shadowText),
		TaskType:          result.Type,
		TaskConfidence:    result.Confidence,
	}

	if err := c.store.RecordPair(pair); err != nil {
		log.Printf("⚠️  [SHADOW] Failed to persist pair: %v", err)
		c.drop("store_error")
		return
	}

	if c.auditLog != nil {
		if err := c.auditLog.Write(pair); err != nil {
			log.Printf("⚠️  [SHADOW] Failed to write audit copy: %v", err)
		}
	}

	if m := metrics.Get(); m != nil {
		m.PairsCollected.Inc()
	}
}

// CollectComparison records a full-fidelity side-by-side sample. It is
// independent of the pair-dedup pipeline; errors are logged, never
// surfaced, so a background sampler cannot crash its host.
func (c *ShadowCollector) CollectComparison(req ComparisonRequest) {
	result := c.classify.Classify(req.Prompt, classifier.ResponseMeta{Response: req.PrimaryResponse})

	cmp := &models.Comparison{
		ID:              uuid.New().String(),
		Prompt:          req.Prompt,
		Goal:            req.Goal,
		Context:         req.Context,
		RoutedTo:        req.RoutedTo,
		PrimaryResponse: req.PrimaryResponse,
		ShadowResponse:  req.ShadowResponse,
		PrimaryModel:    req.PrimaryModel,
		ShadowModel:     req.ShadowModel,
		TaskType:        result.Type,
	}

	if err := c.store.RecordComparison(cmp); err != nil {
		log.Printf("⚠️  [SHADOW] Failed to persist comparison: %v", err)
	}
}

// Wait blocks until all inflight shadow requests have finished. Used on
// shutdown.
func (c *ShadowCollector) Wait() {
	c.wg.Wait()
}

func (c *ShadowCollector) drop(reason string) {
	if m := metrics.Get(); m != nil {
		m.PairsDropped.WithLabelValues(reason).Inc()
	}
}
