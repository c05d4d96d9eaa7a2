package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpr "github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"
)

// Runtime exposes the CDP Runtime domain actions. A thrown JavaScript
// exception is returned as exception details, not as an error.
type Runtime interface {
	Evaluate(ctx context.Context, expression string, returnByValue bool) (*cdpr.RemoteObject, *cdpr.ExceptionDetails, error)
	CallFunctionOn(
		ctx context.Context, id cdpr.RemoteObjectID, fn string, returnByValue bool, args ...easyjson.RawMessage,
	) (*cdpr.RemoteObject, *cdpr.ExceptionDetails, error)
	ReleaseObject(ctx context.Context, id cdpr.RemoteObjectID) error
}

var _ Runtime = &runtime{}

type runtime struct {
	exec cdp.Executor
}

// NewRuntime returns a new CDP Runtime domain wrapper.
func NewRuntime(exec cdp.Executor) Runtime {
	return &runtime{exec}
}

func (r *runtime) Evaluate(
	ctx context.Context, expression string, returnByValue bool,
) (*cdpr.RemoteObject, *cdpr.ExceptionDetails, error) {
	action := cdpr.Evaluate(expression).
		WithReturnByValue(returnByValue).
		WithAwaitPromise(true).
		WithUserGesture(true)

	obj, exc, err := action.Do(cdp.WithExecutor(ctx, r.exec))
	if err != nil {
		return nil, nil, fmt.Errorf("evaluating expression: %w", err)
	}

	return obj, exc, nil
}

// CallFunctionOn calls fn with the remote object as this and as the first
// argument, followed by args.
func (r *runtime) CallFunctionOn(
	ctx context.Context, id cdpr.RemoteObjectID, fn string, returnByValue bool, args ...easyjson.RawMessage,
) (*cdpr.RemoteObject, *cdpr.ExceptionDetails, error) {
	callArgs := make([]*cdpr.CallArgument, 0, len(args)+1)
	callArgs = append(callArgs, &cdpr.CallArgument{ObjectID: id})
	for _, a := range args {
		callArgs = append(callArgs, &cdpr.CallArgument{Value: a})
	}

	action := cdpr.CallFunctionOn(fn).
		WithObjectID(id).
		WithArguments(callArgs).
		WithReturnByValue(returnByValue).
		WithAwaitPromise(true).
		WithUserGesture(true)

	obj, exc, err := action.Do(cdp.WithExecutor(ctx, r.exec))
	if err != nil {
		return nil, nil, fmt.Errorf("calling function on object: %w", err)
	}

	return obj, exc, nil
}

func (r *runtime) ReleaseObject(ctx context.Context, id cdpr.RemoteObjectID) error {
	if err := cdpr.ReleaseObject(id).Do(cdp.WithExecutor(ctx, r.exec)); err != nil {
		return fmt.Errorf("releasing object: %w", err)
	}

	return nil
}
