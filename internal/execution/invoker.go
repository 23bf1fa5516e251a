package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"runtime/debug"

	"github.com/yungbote/jobforge/internal/jobs"
	"github.com/yungbote/jobforge/internal/platform/logger"
)

/*
The invoker turns a descriptor back into a method call.

Binding rules, per parameter of the resolved method:
  - a *execution.JobContext parameter is injected with the running job's
    context (the one recognized special slot),
  - a context.Context parameter is injected with the cancellation context,
  - everything else consumes the next serialized descriptor argument,
    deserialized into the method's declared parameter type.

The method may return nothing or a trailing error. Panics inside the body
are caught here and converted into an ExecutionError carrying the stack,
so a worker never dies to user code.
*/

// ExecutionError captures a failed run: the message, the error's concrete
// type and, for panics, the stack. It feeds the FAILED state record.
type ExecutionError struct {
	Message       string
	ExceptionType string
	StackTrace    string
}

func (e *ExecutionError) Error() string { return e.Message }

type Invoker struct {
	activator Activator
	log       *logger.Logger
}

func NewInvoker(activator Activator, log *logger.Logger) *Invoker {
	if log == nil {
		log = logger.NewNop()
	}
	return &Invoker{activator: activator, log: log.With("component", "JobInvoker")}
}

var (
	jobContextType = reflect.TypeOf((*JobContext)(nil))
	contextType    = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType      = reflect.TypeOf((*error)(nil)).Elem()
)

// Invoke resolves and runs the descriptor's target method. Activation and
// binding problems come back as *ActivationError, run failures as
// *ExecutionError.
func (inv *Invoker) Invoke(jc *JobContext, d jobs.JobDescriptor) (err error) {
	target, err := inv.activator.ActivateJob(d.Type)
	if err != nil {
		return err
	}

	method := reflect.ValueOf(target).MethodByName(d.Method)
	if !method.IsValid() {
		return &ActivationError{TypeName: d.Type, Reason: fmt.Sprintf("no method %q", d.Method)}
	}

	args, err := inv.bindArguments(jc, method.Type(), d)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = &ExecutionError{
				Message:       fmt.Sprintf("panic: %v", r),
				ExceptionType: "panic",
				StackTrace:    string(debug.Stack()),
			}
		}
	}()

	results := method.Call(args)
	if n := len(results); n > 0 {
		last := results[n-1]
		if last.Type().Implements(errorType) && !last.IsNil() {
			runErr := last.Interface().(error)
			return &ExecutionError{
				Message:       runErr.Error(),
				ExceptionType: reflect.TypeOf(runErr).String(),
			}
		}
	}
	return nil
}

func (inv *Invoker) bindArguments(jc *JobContext, mt reflect.Type, d jobs.JobDescriptor) ([]reflect.Value, error) {
	args := make([]reflect.Value, 0, mt.NumIn())
	paramIdx := 0
	for i := 0; i < mt.NumIn(); i++ {
		in := mt.In(i)
		switch {
		case in == jobContextType:
			args = append(args, reflect.ValueOf(jc))
		case in == contextType:
			args = append(args, reflect.ValueOf(jc.Context()))
		default:
			if paramIdx >= len(d.Parameters) {
				return nil, &ActivationError{
					TypeName: d.Type,
					Reason:   fmt.Sprintf("method %q wants %d data arguments, descriptor has %d", d.Method, dataArgCount(mt), len(d.Parameters)),
				}
			}
			v := reflect.New(in)
			if err := json.Unmarshal(d.Parameters[paramIdx], v.Interface()); err != nil {
				return nil, &ActivationError{
					TypeName: d.Type,
					Reason:   fmt.Sprintf("argument %d does not deserialize into %s: %v", paramIdx, in, err),
				}
			}
			args = append(args, v.Elem())
			paramIdx++
		}
	}
	if paramIdx != len(d.Parameters) {
		return nil, &ActivationError{
			TypeName: d.Type,
			Reason:   fmt.Sprintf("method %q wants %d data arguments, descriptor has %d", d.Method, paramIdx, len(d.Parameters)),
		}
	}
	return args, nil
}

func dataArgCount(mt reflect.Type) int {
	n := 0
	for i := 0; i < mt.NumIn(); i++ {
		if in := mt.In(i); in != jobContextType && in != contextType {
			n++
		}
	}
	return n
}
