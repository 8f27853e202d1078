package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/Domenick1991/paysession/config"
	"github.com/gin-gonic/gin"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	SwaggerSpecPath = "/swagger/payments.swagger.json"
	shutdownTimeout = 5 * time.Second
)

type Servers struct {
	grpcServer *grpc.Server
	health     *health.Server
	healthConn *grpc.ClientConn
	httpServer *http.Server
}

// Run starts the gRPC health server and the HTTP server and blocks until ctx is canceled or a server fails.
func Run(ctx context.Context, cfg *config.Config, router *gin.Engine, registry *prometheus.Registry, logger *slog.Logger) error {
	grpcLis, err := net.Listen("tcp", cfg.GRPC.Address)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPC.Address, err)
	}
	httpLis, err := net.Listen("tcp", cfg.HTTP.Address)
	if err != nil {
		grpcLis.Close()
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTP.Address, err)
	}

	s, err := newServers(cfg, router, registry)
	if err != nil {
		grpcLis.Close()
		httpLis.Close()
		return err
	}
	defer s.healthConn.Close()

	return s.serve(ctx, grpcLis, httpLis, logger)
}

// serve runs both servers until ctx is done. When either one fails the other
// is stopped too, so no listener outlives the call.
func (s *Servers) serve(ctx context.Context, grpcLis, httpLis net.Listener, logger *slog.Logger) error {
	errCh := make(chan error, 2)

	go func() {
		logger.Info("grpc server listening", "address", grpcLis.Addr().String())
		if err := s.grpcServer.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	go func() {
		logger.Info("http server listening", "address", httpLis.Addr().String())
		if err := s.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		logger.Error("server failed, stopping", "error", err)
		s.stop()
		return err
	case <-ctx.Done():
		logger.Info("shutting down servers")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.health.Shutdown()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.grpcServer.Stop()
			return fmt.Errorf("shutdown http server: %w", err)
		}
		s.grpcServer.GracefulStop()
		return nil
	}
}

func (s *Servers) stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.health.Shutdown()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.httpServer.Close()
	}
	s.grpcServer.Stop()
}

// newServers mounts the operational endpoints next to the payment routes:
// /metrics, /healthz (gRPC health via the gateway), /swagger and /docs.
func newServers(cfg *config.Config, router *gin.Engine, registry *prometheus.Registry) (*Servers, error) {
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	conn, err := grpc.NewClient(cfg.GRPC.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial health endpoint: %w", err)
	}

	gwmux := runtime.NewServeMux(runtime.WithHealthzEndpoint(healthpb.NewHealthClient(conn)))
	router.GET("/healthz", gin.WrapH(gwmux))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))

	if cfg.HTTP.SwaggerDir != "" {
		router.Static("/swagger", cfg.HTTP.SwaggerDir)
		router.GET("/docs/*any", gin.WrapH(httpSwagger.Handler(httpSwagger.URL(SwaggerSpecPath))))
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           otelhttp.NewHandler(router, "paysession-http"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Servers{
		grpcServer: grpcSrv,
		health:     healthSrv,
		healthConn: conn,
		httpServer: httpSrv,
	}, nil
}
