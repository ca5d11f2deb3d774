package server

import (
	"context"
	"fmt"
	"reflect"

	"github.com/pkg/errors"

	"vpp-ping/message"
)

// Errno is a VPP API return value. Handlers return it to make the reply carry
// that retval instead of success.
type Errno int32

// ErrUnspecified is VNET_API_ERROR_UNSPECIFIED, used for handler errors that are not an Errno.
const ErrUnspecified Errno = -1

func (e Errno) Error() string { return fmt.Sprintf("vpp api error %d", int32(e)) }

type methodType struct {
	method    reflect.Method
	ReqType   reflect.Type
	ReplyType reflect.Type
}

// errorReply builds a zero reply carrying code in its return value field.
func (m *methodType) errorReply(code int32) message.Message {
	replyv := reflect.New(m.ReplyType)
	for _, field := range []string{"Retval", "Response"} {
		f := replyv.Elem().FieldByName(field)
		if f.IsValid() && f.Kind() == reflect.Int32 {
			f.SetInt(int64(code))
			break
		}
	}
	return replyv.Interface().(message.Message)
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType // keyed by the request's message ID
}

// NewService 创建 service 并扫描所有合法方法
func NewService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ.Kind() != reflect.Ptr {
		return nil, errors.Errorf("server: rcvr must be a pointer, got %s", typ.Kind())
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, errors.Errorf("server: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	srv := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	srv.RegisterMethods()
	if len(srv.method) == 0 {
		return nil, errors.Errorf("server: %s has no handler methods", srv.name)
	}
	return srv, nil
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	messageType = reflect.TypeOf((*message.Message)(nil)).Elem()
)

// RegisterMethods scans the receiver for handler methods of the form
//
//	func (s *T) Name(ctx context.Context, req *Req) (*Reply, error)
//
// where *Req and *Reply are messages.
func (s *service) RegisterMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 3 || mt.NumOut() != 2 || mt.In(1) != contextType || mt.Out(1) != errorType {
			continue
		}
		req, reply := mt.In(2), mt.Out(0)
		if req.Kind() != reflect.Ptr || !req.Implements(messageType) ||
			reply.Kind() != reflect.Ptr || !reply.Implements(messageType) {
			continue
		}

		id := message.ID(reflect.New(req.Elem()).Interface().(message.Message))
		s.method[id] = &methodType{
			method:    method,
			ReqType:   req.Elem(),
			ReplyType: reply.Elem(),
		}
	}
}

// Call invokes the handler via reflection. A nil reply from the handler is
// returned as a nil interface, not a typed nil.
func (s *service) Call(ctx context.Context, mType *methodType, req message.Message) (message.Message, error) {
	args := [3]reflect.Value{s.rcvr, reflect.ValueOf(ctx), reflect.ValueOf(req)}
	results := mType.method.Func.Call(args[:])

	var err error
	if !results[1].IsNil() {
		err = results[1].Interface().(error)
	}
	if results[0].IsNil() {
		return nil, err
	}
	return results[0].Interface().(message.Message), err
}
