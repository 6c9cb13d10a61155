package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

type HealthCheck struct {
	Name        string       `json:"name"`
	Status      HealthStatus `json:"status"`
	Message     string       `json:"message,omitempty"`
	LastChecked time.Time    `json:"last_checked"`
	Duration    string       `json:"duration"`
}

type HealthResponse struct {
	Status  HealthStatus  `json:"status"`
	Service string        `json:"service"`
	Checks  []HealthCheck `json:"checks"`
	Version string        `json:"version"`
	Uptime  string        `json:"uptime"`
}

type HealthChecker interface {
	Check(ctx context.Context) HealthCheck
}

type HealthServer struct {
	port        string
	serviceName string
	version     string
	startTime   time.Time

	mu       sync.RWMutex
	checkers map[string]HealthChecker
	ready    bool

	server *http.Server
}

func NewHealthServer(port, serviceName, version string) *HealthServer {
	return &HealthServer{
		port:        port,
		serviceName: serviceName,
		version:     version,
		startTime:   time.Now(),
		checkers:    make(map[string]HealthChecker),
	}
}

func (hs *HealthServer) AddChecker(name string, checker HealthChecker) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.checkers[name] = checker
}

// SetReady flips the /ready endpoint. Liveness is unaffected.
func (hs *HealthServer) SetReady(ready bool) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.ready = ready
}

func (hs *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves until Shutdown is called or ctx is done. It returns nil on a
// clean shutdown.
func (hs *HealthServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", ":"+hs.port)
	if err != nil {
		return fmt.Errorf("health server listen: %w", err)
	}

	hs.mu.Lock()
	hs.server = &http.Server{
		Handler:           hs.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := hs.server
	hs.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (hs *HealthServer) Shutdown(ctx context.Context) error {
	hs.mu.RLock()
	srv := hs.server
	hs.mu.RUnlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (hs *HealthServer) evaluate(ctx context.Context) HealthResponse {
	hs.mu.RLock()
	names := make([]string, 0, len(hs.checkers))
	for name := range hs.checkers {
		names = append(names, name)
	}
	checkers := make(map[string]HealthChecker, len(hs.checkers))
	for k, v := range hs.checkers {
		checkers[k] = v
	}
	hs.mu.RUnlock()
	slices.Sort(names)

	response := HealthResponse{
		Status:  HealthStatusHealthy,
		Service: hs.serviceName,
		Version: hs.version,
		Uptime:  time.Since(hs.startTime).String(),
		Checks:  make([]HealthCheck, 0, len(names)),
	}

	for _, name := range names {
		check := checkers[name].Check(ctx)
		response.Checks = append(response.Checks, check)
		if check.Status != HealthStatusHealthy {
			response.Status = HealthStatusUnhealthy
		}
	}
	return response
}

func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, hs.evaluate(r.Context()))
}

func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	response := hs.evaluate(r.Context())

	hs.mu.RLock()
	ready := hs.ready
	hs.mu.RUnlock()
	if !ready {
		response.Status = HealthStatusUnhealthy
	}
	writeHealth(w, response)
}

func writeHealth(w http.ResponseWriter, response HealthResponse) {
	statusCode := http.StatusOK
	if response.Status != HealthStatusHealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

type BasicHealthChecker struct {
	name    string
	checkFn func(ctx context.Context) error
}

func NewBasicHealthChecker(name string, checkFn func(ctx context.Context) error) *BasicHealthChecker {
	return &BasicHealthChecker{
		name:    name,
		checkFn: checkFn,
	}
}

func (bhc *BasicHealthChecker) Check(ctx context.Context) HealthCheck {
	start := time.Now()

	check := HealthCheck{
		Name:        bhc.name,
		LastChecked: start,
	}

	if err := bhc.checkFn(ctx); err != nil {
		check.Status = HealthStatusUnhealthy
		check.Message = err.Error()
	} else {
		check.Status = HealthStatusHealthy
	}

	check.Duration = time.Since(start).String()
	return check
}

// GRPCHealthChecker queries the standard grpc.health.v1 service of a remote
// endpoint, such as the event hub.
type GRPCHealthChecker struct {
	checkerName string
	endpoint    string
	service     string
	timeout     time.Duration
}

func NewGRPCHealthChecker(name, endpoint, service string) *GRPCHealthChecker {
	return &GRPCHealthChecker{
		checkerName: name,
		endpoint:    endpoint,
		service:     service,
		timeout:     2 * time.Second,
	}
}

func (ghc *GRPCHealthChecker) Check(ctx context.Context) HealthCheck {
	start := time.Now()

	check := HealthCheck{
		Name:        ghc.checkerName,
		LastChecked: start,
		Status:      HealthStatusHealthy,
	}
	conn, err := grpc.NewClient(ghc.endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		check.Status = HealthStatusUnhealthy
		check.Message = err.Error()
		check.Duration = time.Since(start).String()
		return check
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, ghc.timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ghc.service})
	switch {
	case err != nil:
		check.Status = HealthStatusUnhealthy
		check.Message = err.Error()
	case resp.GetStatus() != healthpb.HealthCheckResponse_SERVING:
		check.Status = HealthStatusUnhealthy
		check.Message = resp.GetStatus().String()
	}
	check.Duration = time.Since(start).String()
	return check
}
