package server

import (
	"context"
	"reflect"

	"github.com/pkg/errors"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

type methodType struct {
	method    reflect.Method
	withCtx   bool
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService scans rcvr for exported methods of either form
//
//	func (r *T) M(args *A, reply *R) error
//	func (r *T) M(ctx context.Context, args *A, reply *R) error
//
// and names the service after T, or after name when it is non-empty.
func newService(rcvr any, name string) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return nil, errors.Errorf("rpc: receiver must be a pointer to a struct, got %v", typ)
	}
	if name == "" {
		name = typ.Elem().Name()
	}

	s := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	for i := 0; i < typ.NumMethod(); i++ {
		if mt := suitableMethod(typ.Method(i)); mt != nil {
			s.method[mt.method.Name] = mt
		}
	}
	if len(s.method) == 0 {
		return nil, errors.Errorf("rpc: %s has no exported methods of suitable type", name)
	}
	return s, nil
}

func suitableMethod(m reflect.Method) *methodType {
	mtype := m.Type
	if mtype.NumOut() != 1 || mtype.Out(0) != errorType {
		return nil
	}

	first := 1
	withCtx := false
	switch mtype.NumIn() {
	case 3:
	case 4:
		if mtype.In(1) != contextType {
			return nil
		}
		first, withCtx = 2, true
	default:
		return nil
	}

	argType, replyType := mtype.In(first), mtype.In(first+1)
	if argType.Kind() != reflect.Ptr || replyType.Kind() != reflect.Ptr {
		return nil
	}
	return &methodType{
		method:    m,
		withCtx:   withCtx,
		ArgType:   argType.Elem(),
		ReplyType: replyType.Elem(),
	}
}

func (s *service) call(ctx context.Context, mt *methodType, argv, replyv reflect.Value) error {
	in := []reflect.Value{s.rcvr, argv, replyv}
	if mt.withCtx {
		in = []reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv, replyv}
	}
	results := mt.method.Func.Call(in)
	if errv := results[0]; !errv.IsNil() {
		return errv.Interface().(error)
	}
	return nil
}
