package server

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/myuser/uranus/internal/metrics"
	"github.com/myuser/uranus/internal/protocol"
	"github.com/myuser/uranus/internal/txn"
)

// Error reply prefixes. Clients branch on the first word of an Error value.
const (
	CodeErr          = "ERR"
	CodeConflict     = "CONFLICT"
	CodeInvalidState = "INVALIDSTATE"
	CodeStorage      = "STORAGE"
	CodeProtocol     = "PROTOCOL"
)

var (
	okReply   = protocol.NewSimpleString("OK")
	pongReply = protocol.NewSimpleString("PONG")

	errNoTxn      = errors.Wrap(txn.ErrInvalidState, "no transaction open")
	errTxnOpen    = errors.Wrap(txn.ErrInvalidState, "transaction already open")
	errNotCommand = errors.New("request must be a non-empty array of strings")
)

type commandFunc func(s *session, args [][]byte) (protocol.Value, error)

type command struct {
	name  string
	arity int // required argument count, excluding the name
	extra int // optional trailing arguments
	fn    commandFunc
}

var commands = map[string]*command{}

func register(c *command, aliases ...string) {
	commands[c.name] = c
	for _, a := range aliases {
		commands[a] = c
	}
}

func init() {
	register(&command{name: "PING", arity: 0, extra: 1, fn: cmdPing})
	register(&command{name: "ECHO", arity: 1, fn: cmdEcho})
	register(&command{name: "BEGIN", arity: 0, fn: cmdBegin})
	register(&command{name: "GET", arity: 1, fn: cmdGet})
	register(&command{name: "PUT", arity: 2, fn: cmdPut}, "SET")
	register(&command{name: "DELETE", arity: 1, fn: cmdDelete}, "DEL")
	register(&command{name: "SCAN", arity: 2, extra: 1, fn: cmdScan})
	register(&command{name: "COMMIT", arity: 0, fn: cmdCommit})
	register(&command{name: "ABORT", arity: 0, fn: cmdAbort})
}

// dispatch executes one request and returns the reply to send. Command
// failures become Error replies; the connection stays usable.
func (s *session) dispatch(req protocol.Value) protocol.Value {
	name, args, err := parseRequest(req)
	if err != nil {
		metrics.CommandCounter.WithLabelValues("invalid", "error").Inc()
		return errorReply(err)
	}
	cmd, ok := commands[name]
	if !ok {
		metrics.CommandCounter.WithLabelValues("unknown", "error").Inc()
		return errorReply(errors.Errorf("unknown command '%s'", sanitize(name)))
	}
	if len(args) < cmd.arity || len(args) > cmd.arity+cmd.extra {
		metrics.CommandCounter.WithLabelValues(cmd.name, "error").Inc()
		return errorReply(errors.Errorf("wrong number of arguments for '%s'", cmd.name))
	}

	reply, err := cmd.fn(s, args)
	if err != nil {
		metrics.CommandCounter.WithLabelValues(cmd.name, "error").Inc()
		s.log.Debug("command failed", zap.String("cmd", cmd.name), zap.Error(err))
		return errorReply(err)
	}
	metrics.CommandCounter.WithLabelValues(cmd.name, "ok").Inc()
	s.log.Debug("command", zap.String("cmd", cmd.name), zap.Int("args", len(args)))
	return reply
}

func parseRequest(req protocol.Value) (string, [][]byte, error) {
	if req.Kind != protocol.KindArray || len(req.Elems) == 0 {
		return "", nil, errNotCommand
	}
	name, ok := req.Elems[0].Text()
	if !ok {
		return "", nil, errNotCommand
	}
	args := make([][]byte, 0, len(req.Elems)-1)
	for i, e := range req.Elems[1:] {
		b, ok := e.Raw()
		if !ok {
			return "", nil, errors.Errorf("argument %d must be a string, got %s", i+1, e.Kind)
		}
		args = append(args, b)
	}
	return strings.ToUpper(name), args, nil
}

func errorReply(err error) protocol.Value {
	code := CodeErr
	switch {
	case errors.Is(err, txn.ErrConflict):
		code = CodeConflict
	case errors.Is(err, txn.ErrInvalidState):
		code = CodeInvalidState
	case errors.Is(err, txn.ErrStorageIO), errors.Is(err, txn.ErrClosed):
		code = CodeStorage
	case protocol.IsProtocolError(err):
		code = CodeProtocol
	}
	return protocol.NewError(code + " " + sanitize(err.Error()))
}

var lineBreaks = strings.NewReplacer("\r", " ", "\n", " ")

// sanitize keeps user-controlled text from breaking a line-delimited reply.
func sanitize(s string) string {
	return lineBreaks.Replace(s)
}

func cmdPing(_ *session, args [][]byte) (protocol.Value, error) {
	if len(args) == 1 {
		return protocol.NewBinary(args[0]), nil
	}
	return pongReply, nil
}

func cmdEcho(_ *session, args [][]byte) (protocol.Value, error) {
	return protocol.NewBinary(args[0]), nil
}

func cmdBegin(s *session, _ [][]byte) (protocol.Value, error) {
	if s.open {
		return protocol.Value{}, errTxnOpen
	}
	id, err := s.mgr().Begin()
	if err != nil {
		return protocol.Value{}, err
	}
	s.txn, s.open = id, true
	s.log.Debug("transaction opened", zap.Uint64("txn", s.txn))
	return protocol.NewSimpleString(strconv.FormatUint(s.txn, 10)), nil
}

func cmdGet(s *session, args [][]byte) (protocol.Value, error) {
	var (
		value []byte
		found bool
	)
	err := s.withTxn(func(id uint64) (err error) {
		value, found, err = s.mgr().Get(id, args[0])
		return err
	})
	if err != nil {
		return protocol.Value{}, err
	}
	if !found {
		return protocol.NullValue, nil
	}
	return protocol.NewBinary(value), nil
}

func cmdPut(s *session, args [][]byte) (protocol.Value, error) {
	err := s.withTxn(func(id uint64) error {
		return s.mgr().Put(id, args[0], args[1])
	})
	if err != nil {
		return protocol.Value{}, err
	}
	return okReply, nil
}

func cmdDelete(s *session, args [][]byte) (protocol.Value, error) {
	err := s.withTxn(func(id uint64) error {
		return s.mgr().Delete(id, args[0])
	})
	if err != nil {
		return protocol.Value{}, err
	}
	return okReply, nil
}

func cmdScan(s *session, args [][]byte) (protocol.Value, error) {
	limit := 0
	if len(args) == 3 {
		n, err := strconv.Atoi(string(args[2]))
		if err != nil || n < 0 {
			return protocol.Value{}, errors.Errorf("invalid scan limit '%s'", sanitize(string(args[2])))
		}
		limit = n
	}

	var kvs []txn.KV
	err := s.withTxn(func(id uint64) (err error) {
		kvs, err = s.mgr().Scan(id, args[0], args[1], limit)
		return err
	})
	if err != nil {
		return protocol.Value{}, err
	}

	rows := make([]protocol.Value, len(kvs))
	for i, kv := range kvs {
		rows[i] = protocol.NewArray(protocol.NewBinary(kv.Key), protocol.NewBinary(kv.Value))
	}
	return protocol.NewArray(rows...), nil
}

func cmdCommit(s *session, _ [][]byte) (protocol.Value, error) {
	if !s.open {
		return protocol.Value{}, errNoTxn
	}
	id := s.txn
	// committed or aborted, the transaction is over either way
	s.open = false
	seq, err := s.mgr().Commit(id)
	if err != nil {
		return protocol.Value{}, err
	}
	return protocol.NewSimpleString(strconv.FormatUint(seq, 10)), nil
}

func cmdAbort(s *session, _ [][]byte) (protocol.Value, error) {
	if !s.open {
		return protocol.Value{}, errNoTxn
	}
	s.open = false
	if err := s.mgr().Abort(s.txn); err != nil {
		return protocol.Value{}, err
	}
	return okReply, nil
}
