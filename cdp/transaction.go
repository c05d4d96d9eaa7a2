package cdp

import (
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/mailru/easyjson"
)

// TransactionState is the state of a Transaction.
type TransactionState int32

const (
	// TransactionPending waits for its reply.
	TransactionPending TransactionState = iota
	// TransactionResolved holds a result.
	TransactionResolved
	// TransactionFailed holds an error.
	TransactionFailed
)

func (s TransactionState) String() string {
	switch s {
	case TransactionPending:
		return "pending"
	case TransactionResolved:
		return "resolved"
	case TransactionFailed:
		return "failed"
	}
	return fmt.Sprintf("TransactionState(%d)", int32(s))
}

// Transaction is one outstanding command. It leaves the pending state
// exactly once.
type Transaction struct {
	ID      int64
	Method  cdproto.MethodType
	Params  easyjson.RawMessage
	Created time.Time

	mu     sync.Mutex
	state  TransactionState
	result easyjson.RawMessage
	err    error
	done   chan struct{}
}

func newTransaction(id int64, method cdproto.MethodType, params easyjson.RawMessage) *Transaction {
	return &Transaction{
		ID:      id,
		Method:  method,
		Params:  params,
		Created: time.Now(),
		done:    make(chan struct{}),
	}
}

// State returns the current state.
func (t *Transaction) State() TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed when the transaction leaves the pending state.
func (t *Transaction) Done() <-chan struct{} { return t.done }

// Result returns the raw result of a resolved transaction.
func (t *Transaction) Result() easyjson.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the error of a failed transaction.
func (t *Transaction) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// resolve feeds the reply to the transaction. It reports false if the
// transaction was already done.
func (t *Transaction) resolve(msg *cdproto.Message) bool {
	res, err := parseReply(t.Method, t.Params, msg)
	return t.finish(res, err)
}

// fail moves a pending transaction to the failed state.
func (t *Transaction) fail(err error) bool {
	return t.finish(nil, err)
}

func (t *Transaction) finish(res easyjson.RawMessage, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TransactionPending {
		return false
	}
	if err != nil {
		t.state, t.err = TransactionFailed, err
	} else {
		t.state, t.result = TransactionResolved, res
	}
	close(t.done)

	return true
}

// parseReply turns a command reply into its result or a *ProtocolError.
func parseReply(method cdproto.MethodType, params easyjson.RawMessage, msg *cdproto.Message) (easyjson.RawMessage, error) {
	if msg == nil {
		return nil, fmt.Errorf("%s: empty reply", method)
	}
	if msg.Error != nil {
		return nil, &ProtocolError{
			Code:    msg.Error.Code,
			Message: msg.Error.Message,
			Method:  method,
			Params:  string(params),
		}
	}
	return msg.Result, nil
}

// EventTransaction is a transaction that is resolved on arrival with an
// unsolicited event.
type EventTransaction struct {
	*Transaction

	// Event is the typed event, nil when the event is unknown to cdproto.
	Event any
	// SessionID of the target that sent the event, if any.
	SessionID string
}

func newEventTransaction(msg *cdproto.Message, ev any) *EventTransaction {
	t := newTransaction(0, msg.Method, msg.Params)
	t.finish(msg.Params, nil)
	return &EventTransaction{
		Transaction: t,
		Event:       ev,
		SessionID:   string(msg.SessionID),
	}
}

// Received is when the event arrived.
func (e *EventTransaction) Received() time.Time { return e.Created }
