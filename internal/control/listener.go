package control

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfeed/marketpulse/internal/exchange"
	"github.com/quantfeed/marketpulse/internal/metrics"
)

// Command names form a closed set; anything else is answered with
// unknown_command.
const (
	CmdAddSymbol     = "add_symbol"
	CmdRemoveSymbol  = "remove_symbol"
	CmdSetSymbols    = "set_symbols"
	CmdGetSymbols    = "get_symbols"
	CmdGetStatistics = "get_statistics"
)

// Error codes used in responses.
const (
	ErrCodeInvalidJSON    = "invalid_json"
	ErrCodeInvalidCommand = "invalid_command"
	ErrCodeDuplicate      = "duplicate_symbol"
	ErrCodeNotFound       = "symbol_not_found"
	ErrCodeUnknownCommand = "unknown_command"
	ErrCodeInternal       = "internal_error"
)

// Request is an incoming control message. Symbol and Symbols are
// command-specific; Symbols stays raw so a wrong type there is a
// command validation error, not a JSON parse error.
type Request struct {
	CorrelationID string          `json:"correlation_id"`
	Command       string          `json:"command"`
	Symbol        exchange.Symbol `json:"symbol,omitempty"`
	Symbols       json.RawMessage `json:"symbols,omitempty"`
}

// Response is the reply published to control.response.<command>. Error
// is null on success.
type Response struct {
	CorrelationID string      `json:"correlation_id"`
	Success       bool        `json:"success"`
	Command       string      `json:"command"`
	Message       string      `json:"message,omitempty"`
	Error         *string     `json:"error"`
	Data          interface{} `json:"data,omitempty"`
	Timestamp     int64       `json:"timestamp"`
}

// ResponsePublisher publishes one response body to the response
// exchange. Satisfied by the AMQP transport.
type ResponsePublisher interface {
	PublishResponse(ctx context.Context, routingKey string, body []byte) error
}

// StatisticsFunc supplies the get_statistics payload.
type StatisticsFunc func() map[string]interface{}

// Listener dispatches control commands against the shared symbol set
// and publishes structured responses.
type Listener struct {
	state     *SymbolSet
	responses ResponsePublisher
	stats     StatisticsFunc
	now       func() time.Time
}

// NewListener wires the listener. stats may be nil, in which case
// get_statistics answers internal_error.
func NewListener(state *SymbolSet, responses ResponsePublisher, stats StatisticsFunc) *Listener {
	return &Listener{
		state:     state,
		responses: responses,
		stats:     stats,
		now:       time.Now,
	}
}

// Handle processes one raw control message. Every message, valid or
// not, gets exactly one response; handling never returns an error to
// the consumer so a poison message cannot wedge the queue.
func (l *Listener) Handle(ctx context.Context, body []byte) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		log.Warn().Err(err).Msg("Malformed control message")
		metrics.ControlCommands.WithLabelValues("unknown", "error").Inc()
		l.respond(ctx, "unknown", l.errorResponse(Request{Command: "unknown"}, ErrCodeInvalidJSON, "message body is not valid JSON"))
		return
	}

	resp := l.dispatch(req)
	result := "success"
	if !resp.Success {
		result = "error"
	}
	metrics.ControlCommands.WithLabelValues(boundedCommand(req.Command), result).Inc()
	l.respond(ctx, req.Command, resp)
}

// boundedCommand caps the metric label to the closed command set.
func boundedCommand(command string) string {
	switch command {
	case CmdAddSymbol, CmdRemoveSymbol, CmdSetSymbols, CmdGetSymbols, CmdGetStatistics:
		return command
	default:
		return "unknown"
	}
}

func (l *Listener) dispatch(req Request) Response {
	switch req.Command {
	case CmdAddSymbol:
		return l.handleAdd(req)
	case CmdRemoveSymbol:
		return l.handleRemove(req)
	case CmdSetSymbols:
		return l.handleSet(req)
	case CmdGetSymbols:
		return l.okResponse(req, "", map[string]interface{}{
			"symbols": l.state.Symbols(),
			"count":   l.state.Len(),
		})
	case CmdGetStatistics:
		return l.handleStatistics(req)
	case "":
		return l.errorResponse(req, ErrCodeInvalidCommand, "missing command field")
	default:
		return l.errorResponse(req, ErrCodeUnknownCommand, fmt.Sprintf("unknown command %q", req.Command))
	}
}

func (l *Listener) handleAdd(req Request) Response {
	if req.Symbol == "" {
		return l.errorResponse(req, ErrCodeInvalidCommand, "add_symbol requires a symbol field")
	}
	if !exchange.ValidSymbol(req.Symbol) {
		return l.errorResponse(req, ErrCodeInvalidCommand, fmt.Sprintf("malformed symbol %q", req.Symbol))
	}
	if err := l.state.Add(req.Symbol); err != nil {
		return l.errorResponse(req, ErrCodeDuplicate, fmt.Sprintf("symbol %s already present", req.Symbol))
	}
	log.Info().Str("symbol", req.Symbol).Msg("Symbol added")
	return l.okResponse(req, fmt.Sprintf("symbol %s added", req.Symbol), map[string]interface{}{
		"symbol":          req.Symbol,
		"current_symbols": l.state.Symbols(),
	})
}

func (l *Listener) handleRemove(req Request) Response {
	if req.Symbol == "" {
		return l.errorResponse(req, ErrCodeInvalidCommand, "remove_symbol requires a symbol field")
	}
	if err := l.state.Remove(req.Symbol); err != nil {
		return l.errorResponse(req, ErrCodeNotFound, fmt.Sprintf("symbol %s not in working set", req.Symbol))
	}
	log.Info().Str("symbol", req.Symbol).Msg("Symbol removed")
	return l.okResponse(req, fmt.Sprintf("symbol %s removed", req.Symbol), map[string]interface{}{
		"symbol":          req.Symbol,
		"current_symbols": l.state.Symbols(),
	})
}

func (l *Listener) handleSet(req Request) Response {
	if len(req.Symbols) == 0 {
		return l.errorResponse(req, ErrCodeInvalidCommand, "set_symbols requires a symbols field")
	}
	var symbols []exchange.Symbol
	if err := json.Unmarshal(req.Symbols, &symbols); err != nil || symbols == nil {
		return l.errorResponse(req, ErrCodeInvalidCommand, "symbols must be a list of strings")
	}
	for _, sym := range symbols {
		if !exchange.ValidSymbol(sym) {
			return l.errorResponse(req, ErrCodeInvalidCommand, fmt.Sprintf("malformed symbol %q", sym))
		}
	}
	l.state.Set(symbols)
	log.Info().Int("count", l.state.Len()).Msg("Symbol set replaced")
	return l.okResponse(req, "symbol set replaced", map[string]interface{}{
		"symbols": l.state.Symbols(),
		"count":   l.state.Len(),
	})
}

func (l *Listener) handleStatistics(req Request) Response {
	if l.stats == nil {
		return l.errorResponse(req, ErrCodeInternal, "statistics provider unavailable")
	}
	return l.okResponse(req, "", l.stats())
}

func (l *Listener) okResponse(req Request, message string, data interface{}) Response {
	return Response{
		CorrelationID: req.CorrelationID,
		Success:       true,
		Command:       req.Command,
		Message:       message,
		Data:          data,
		Timestamp:     l.now().Unix(),
	}
}

func (l *Listener) errorResponse(req Request, code, message string) Response {
	return Response{
		CorrelationID: req.CorrelationID,
		Success:       false,
		Command:       req.Command,
		Message:       message,
		Error:         &code,
		Timestamp:     l.now().Unix(),
	}
}

// respond serializes and publishes. A publish failure is logged, not
// retried; the caller can re-issue the command.
func (l *Listener) respond(ctx context.Context, command string, resp Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal control response")
		return
	}
	key := "control.response." + command
	if err := l.responses.PublishResponse(ctx, key, body); err != nil {
		log.Error().Err(err).Str("routing_key", key).Msg("Failed to publish control response")
	}
}
