// Package flight exposes the gateway over Arrow Flight. DoGet carries a
// JSON ticket naming the query; results stream back as Arrow record
// batches. The adapter shares the dispatcher with the HTTP surface, so
// Flight queries coalesce with and warm the same cache as HTTP ones.
package flight

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	arrowflight "github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/orneryd/bifrost/pkg/dispatch"
	"github.com/orneryd/bifrost/pkg/pool"
	"github.com/orneryd/bifrost/pkg/query"
	"github.com/orneryd/bifrost/pkg/sanitize"
)

// Config holds Flight server settings.
type Config struct {
	Address string
	Port    int
}

// DefaultConfig returns the default Flight configuration.
func DefaultConfig() *Config {
	return &Config{Address: "0.0.0.0", Port: 3001}
}

// ticket is the JSON document carried in a Flight DoGet ticket. The field
// names match the HTTP query payload so clients can reuse one request
// shape across transports.
type ticket struct {
	SQL        string `json:"sql"`
	Database   string `json:"database"`
	Args       []any  `json:"args,omitempty"`
	MaxRows    int    `json:"maxRows,omitempty"`
	Persist    *bool  `json:"persist,omitempty"`
	Invalidate bool   `json:"invalidate,omitempty"`
}

// Server is the Arrow Flight adapter.
type Server struct {
	arrowflight.BaseFlightServer

	dispatcher *dispatch.Dispatcher
	config     *Config
	log        *zap.Logger

	grpcServer *grpc.Server
	healthSrv  *health.Server
	listener   net.Listener
}

// New creates the Flight server.
func New(d *dispatch.Dispatcher, cfg *Config, log *zap.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("flight: dispatcher required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		dispatcher: d,
		config:     cfg,
		log:        log,
	}, nil
}

// Start begins serving Flight over gRPC.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("flight: listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.grpcServer = grpc.NewServer()
	arrowflight.RegisterFlightServiceServer(s.grpcServer, s)

	s.healthSrv = health.NewServer()
	s.healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s.grpcServer, s.healthSrv)
	reflection.Register(s.grpcServer)

	go func() {
		if err := s.grpcServer.Serve(listener); err != nil {
			s.log.Error("flight server stopped", zap.Error(err))
		}
	}()

	s.log.Info("flight server listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Stop drains in-flight streams and shuts the server down.
func (s *Server) Stop() {
	if s.healthSrv != nil {
		s.healthSrv.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// DoGet runs the query named by the ticket and streams the result back as
// Arrow record batches.
func (s *Server) DoGet(tkt *arrowflight.Ticket, stream arrowflight.FlightService_DoGetServer) error {
	req, err := requestFromTicket(tkt.GetTicket())
	if err != nil {
		return status.Error(codes.InvalidArgument, sanitize.Credentials(err.Error()))
	}

	start := time.Now()
	payload, err := s.dispatcher.Do(stream.Context(), req)
	if err != nil {
		return statusFor(err)
	}

	rdr, err := ipc.NewReader(bytes.NewReader(payload))
	if err != nil {
		return status.Error(codes.Internal, sanitize.Credentials(err.Error()))
	}
	defer rdr.Release()

	w := arrowflight.NewRecordWriter(stream, ipc.WithSchema(rdr.Schema()))
	defer w.Close()

	for rdr.Next() {
		if err := w.Write(rdr.Record()); err != nil {
			return status.Error(codes.Internal, sanitize.Credentials(err.Error()))
		}
	}
	if err := rdr.Err(); err != nil {
		return status.Error(codes.Internal, sanitize.Credentials(err.Error()))
	}

	s.log.Debug("flight query served",
		zap.String("database", req.Database),
		zap.Int("bytes", len(payload)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// DoAction supports a single "healthcheck" action.
func (s *Server) DoAction(action *arrowflight.Action, stream arrowflight.FlightService_DoActionServer) error {
	if action.GetType() != "healthcheck" {
		return status.Errorf(codes.Unimplemented, "action %q not implemented", action.GetType())
	}
	return stream.Send(&arrowflight.Result{Body: []byte("healthy")})
}

// ListActions advertises the supported actions.
func (s *Server) ListActions(_ *arrowflight.Empty, stream arrowflight.FlightService_ListActionsServer) error {
	return stream.Send(&arrowflight.ActionType{
		Type:        "healthcheck",
		Description: "Health check action",
	})
}

// requestFromTicket decodes a DoGet ticket. Flight results are always
// Arrow; the ticket carries no format field.
func requestFromTicket(raw []byte) (*query.Request, error) {
	var tk ticket
	if err := decodeTicket(raw, &tk); err != nil {
		return nil, fmt.Errorf("%w: invalid ticket: %v", query.ErrBadRequest, err)
	}
	params, err := query.ParamsFromJSON(tk.Args)
	if err != nil {
		return nil, err
	}
	persist := true
	if tk.Persist != nil {
		persist = *tk.Persist
	}
	req := &query.Request{
		Database:   tk.Database,
		SQL:        tk.SQL,
		Params:     params,
		Format:     query.FormatArrow,
		MaxRows:    tk.MaxRows,
		Persist:    persist,
		Invalidate: tk.Invalidate,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// decodeTicket parses ticket JSON with UseNumber so integer and float
// arguments stay distinguishable.
func decodeTicket(raw []byte, tk *ticket) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(tk)
}

// statusFor maps pipeline errors onto gRPC status codes.
func statusFor(err error) error {
	msg := sanitize.Credentials(err.Error())
	switch {
	case errors.Is(err, query.ErrBadRequest), errors.Is(err, query.ErrQuery):
		return status.Error(codes.InvalidArgument, msg)
	case errors.Is(err, pool.ErrPoolTimeout):
		return status.Error(codes.ResourceExhausted, msg)
	case errors.Is(err, query.ErrCancelled), errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, msg)
	default:
		return status.Error(codes.Internal, msg)
	}
}
