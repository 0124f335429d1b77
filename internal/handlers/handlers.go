package handlers

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/imrishuroy/casefab/internal/chitu"
	"github.com/imrishuroy/casefab/internal/idempotency"
	"github.com/imrishuroy/casefab/internal/metrics"
	"github.com/imrishuroy/casefab/internal/orders"
	"github.com/imrishuroy/casefab/internal/printjobs"
	"github.com/imrishuroy/casefab/internal/sessions"
	"github.com/imrishuroy/casefab/internal/storage"
	"github.com/imrishuroy/casefab/internal/validation"
)

// SessionStore is implemented by *sessions.Store.
type SessionStore interface {
	Create(ctx context.Context, in sessions.CreateInput) (*sessions.Session, bool, error)
	Get(ctx context.Context, sessionID string) (*sessions.Session, error)
	Describe(ctx context.Context, sessionID string) (*sessions.Session, error)
	Apply(ctx context.Context, sessionID string, action sessions.Action) (*sessions.Session, error)
	ListByMachineStatus(ctx context.Context, machineID string, status sessions.Status) ([]sessions.Session, error)
}

// OrderStore is implemented by *orders.Store.
type OrderStore interface {
	Create(ctx context.Context, o orders.Order) (*orders.Order, bool, error)
	Get(ctx context.Context, id string) (*orders.Order, error)
	MarkFailed(ctx context.Context, id, reason string) error
	CompleteForSession(ctx context.Context, sessionID string) (int64, error)
	ListBySession(ctx context.Context, sessionID string) ([]orders.Order, error)
	RecordSession(ctx context.Context, r orders.SessionRow) error
}

// IdempotencyStore is implemented by *idempotency.Store.
type IdempotencyStore interface {
	Claim(ctx context.Context, key, orderID, sessionID, requestHash string) (bool, error)
	Get(ctx context.Context, key string) (*idempotency.Record, error)
	MarkDone(ctx context.Context, key, responseBody string, responseStatus int) error
	MarkFailed(ctx context.Context, key, note string) error
	Release(ctx context.Context, key string) error
}

// JobQueue is implemented by *printjobs.Queue.
type JobQueue interface {
	Enqueue(ctx context.Context, job printjobs.Job) (string, error)
}

// Vendor is the part of *chitu.Client the API proxies.
type Vendor interface {
	MachineByCode(ctx context.Context, code string) (*chitu.Machine, error)
	Products(ctx context.Context, machineID string, typ chitu.ProductType) ([]chitu.Product, error)
}

// Designs is implemented by *storage.Designs.
type Designs interface {
	PresignUpload(ctx context.Context, sessionID, ext string) (*storage.Upload, error)
	DeleteObjects(ctx context.Context, keys []string) ([]string, error)
}

// Deps groups everything the HTTP layer needs.
type Deps struct {
	Sessions    SessionStore
	Orders      OrderStore
	Idempotency IdempotencyStore
	Jobs        JobQueue
	Vendor      Vendor
	Designs     Designs
	Metrics     *metrics.Emitter

	AllowedMachineIDs []string
	AdminTokens       []string
}

// API serves the kiosk and admin routes.
type API struct {
	deps    Deps
	v       *validatorv10.Validate
	allowed map[string]bool
}

func New(deps Deps) *API {
	a := &API{deps: deps, v: validation.New()}
	if len(deps.AllowedMachineIDs) > 0 {
		a.allowed = make(map[string]bool, len(deps.AllowedMachineIDs))
		for _, id := range deps.AllowedMachineIDs {
			a.allowed[id] = true
		}
	}
	return a
}

// Register mounts every route on r.
func (a *API) Register(r *gin.Engine) {
	r.Use(requestID())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/sessions", a.createSession)
	r.GET("/sessions/:id", a.getSession)
	r.POST("/sessions/:id/actions", a.applyAction)
	r.GET("/sessions/:id/orders", a.sessionOrders)

	r.GET("/machines/:machine_id/jobs", a.machineJobs)
	r.GET("/machines/:machine_id/products", a.machineProducts)
	r.GET("/machine-codes/:code", a.machineByCode)

	r.POST("/uploads/presign", a.presignUpload)

	r.POST("/orders", a.createOrder)
	r.GET("/orders/:id", a.getOrder)

	admin := r.Group("/admin", bearerAuth(a.deps.AdminTokens))
	admin.POST("/cleanup", a.cleanup)
}

// machineAllowed applies the optional machine allow-list.
func (a *API) machineAllowed(id string) bool {
	return a.allowed == nil || a.allowed[id]
}

const requestIDKey = "request_id"

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

func internalError(c *gin.Context, code string, err error) {
	log.Printf("[api] %s %s request_id=%s: %s: %v", c.Request.Method, c.FullPath(), c.GetString(requestIDKey), code, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": code})
}
