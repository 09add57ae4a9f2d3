package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/errgroup"

	weatherflow "github.com/windcrest/weatherflow"
	"github.com/windcrest/weatherflow/internal/eventbus"
)

// Server speaks the tool protocol over a byte stream, dispatching calls
// to a backend. Calls run concurrently up to a configured bound, so
// results may arrive out of order; the ID ties each result to its call.
type Server struct {
	backend weatherflow.ToolBackend
	logger  *slog.Logger
	bus     eventbus.EventBus

	name          string
	maxConcurrent int
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithEventBus publishes session and tool call events to the bus.
func WithEventBus(bus eventbus.EventBus) ServerOption {
	return func(s *Server) {
		s.bus = bus
	}
}

// WithMaxConcurrentCalls bounds how many calls run at once.
func WithMaxConcurrentCalls(limit int) ServerOption {
	return func(s *Server) {
		if limit > 0 {
			s.maxConcurrent = limit
		}
	}
}

// WithServerName sets the name advertised in the ready frame.
func WithServerName(name string) ServerOption {
	return func(s *Server) {
		s.name = name
	}
}

// NewServer creates a protocol server over the given backend.
func NewServer(backend weatherflow.ToolBackend, options ...ServerOption) (*Server, error) {
	if backend == nil {
		return nil, weatherflow.NewConfigurationError("dispatch server needs a backend", nil)
	}

	s := &Server{
		backend:       backend,
		logger:        slog.Default(),
		name:          "weatherflow",
		maxConcurrent: 8,
	}

	for _, option := range options {
		option(s)
	}

	return s, nil
}

// Serve runs one protocol session over rw: handshake, call loop,
// graceful drain. It returns nil after a clean shutdown (EOF, shutdown
// frame or context cancellation) and a protocol error when the stream
// itself is unusable. There is no reconnect; a broken session surfaces
// to the peer.
func (s *Server) Serve(ctx context.Context, rw io.ReadWriter) error {
	dec := json.NewDecoder(rw)
	enc := json.NewEncoder(rw)
	var writeMu sync.Mutex

	writeResult := func(result weatherflow.ToolResult) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := enc.Encode(resultFrame{Type: frameResult, ToolResult: result}); err != nil {
			s.logger.Error("failed to write result frame", "error", err)
		}
	}

	// Handshake: the client opens with hello, we answer with ready and
	// the operation schemas.
	var hello inboundFrame
	if err := dec.Decode(&hello); err != nil {
		return weatherflow.NewProtocolError("handshake", "failed to read hello frame", err)
	}
	if hello.Type != frameHello {
		return weatherflow.NewProtocolError("handshake", "expected hello frame, got '"+hello.Type+"'", nil)
	}

	s.publish(ctx, eventbus.EventSessionOpened, hello.Client, map[string]interface{}{
		"client_version": hello.Version,
	})
	s.logger.Info("session opened", "client", hello.Client, "client_version", hello.Version)

	writeMu.Lock()
	err := enc.Encode(readyFrame{
		Type:      frameReady,
		Server:    s.name,
		Version:   ProtocolVersion,
		Tools:     Registry(),
		Resources: ResourceRegistry(),
	})
	writeMu.Unlock()
	if err != nil {
		return weatherflow.NewProtocolError("handshake", "failed to write ready frame", err)
	}

	workers := pool.New().WithMaxGoroutines(s.maxConcurrent)
	inFlight := make(map[uint64]struct{})
	var inFlightMu sync.Mutex

	frames := make(chan inboundFrame)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(frames)
		for {
			var f inboundFrame
			if err := dec.Decode(&f); err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
					return nil
				}
				return weatherflow.NewProtocolError("session", "malformed frame", err)
			}
			select {
			case frames <- f:
			case <-gctx.Done():
				return nil
			}
		}
	})

	framesClosed := false

readLoop:
	for {
		select {
		case <-gctx.Done():
			break readLoop
		case f, ok := <-frames:
			if !ok {
				framesClosed = true
				break readLoop
			}

			switch f.Type {
			case frameShutdown:
				break readLoop

			case frameResource:
				if f.ID == nil {
					writeResult(s.protocolResult(nil, "resource frame is missing an id"))
					continue
				}
				writeResult(s.handleResource(gctx, *f.ID, f.URI))

			case frameCall:
				if f.ID == nil {
					writeResult(s.protocolResult(nil, "call frame is missing an id"))
					continue
				}
				id := *f.ID

				inFlightMu.Lock()
				if _, dup := inFlight[id]; dup {
					inFlightMu.Unlock()
					writeResult(s.protocolResult(&id, "call id reused while still outstanding"))
					continue
				}
				inFlight[id] = struct{}{}
				inFlightMu.Unlock()

				call := weatherflow.ToolCall{ID: id, Name: f.Name, Args: f.Args}
				s.publish(gctx, eventbus.EventToolCallReceived, call.Name, map[string]interface{}{
					"id": id,
				})

				workers.Go(func() {
					result := s.handleCall(gctx, call)

					inFlightMu.Lock()
					delete(inFlight, id)
					inFlightMu.Unlock()

					writeResult(result)

					if result.Error != nil {
						s.publish(gctx, eventbus.EventToolCallFailed, call.Name, map[string]interface{}{
							"id":   id,
							"code": result.Error.Code,
						})
					} else {
						s.publish(gctx, eventbus.EventToolCallSucceeded, call.Name, map[string]interface{}{
							"id": id,
						})
					}
				})

			default:
				// Connection-scoped fault; there is no call to tie the
				// result to, so the id stays absent.
				writeResult(s.protocolResult(nil, "unexpected frame type '"+f.Type+"'"))
			}
		}
	}

	// Drain: every accepted call still gets its result before we tear
	// the session down.
	workers.Wait()

	var sessionErr error
	if framesClosed {
		sessionErr = g.Wait()
	} else {
		// The reader may be parked in Decode or on the frames channel;
		// releasing the channel lets it finish once the stream closes.
		go func() {
			for range frames {
			}
		}()
	}

	s.publish(context.WithoutCancel(ctx), eventbus.EventSessionClosed, hello.Client, nil)
	s.logger.Info("session closed", "client", hello.Client)

	return sessionErr
}

func (s *Server) protocolResult(id *uint64, message string) weatherflow.ToolResult {
	return weatherflow.ToolResult{
		ID:    id,
		Error: toToolError(weatherflow.NewProtocolError("session", message, nil)),
	}
}

func (s *Server) publish(ctx context.Context, eventType eventbus.EventType, payload interface{}, metadata map[string]interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, eventbus.NewEvent(eventType, payload, "DispatchServer", metadata))
}
