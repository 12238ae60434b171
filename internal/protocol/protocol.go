// Package protocol implements the client wire protocol at samwise's public
// boundary (spec §6): it decodes a raw frame list into one of the typed
// request structs below, and encodes the typed response back into a frame
// list. It owns no durable state and makes no decisions — dynamic
// picture-based parsing happens exactly once here (spec §9's Design
// Note), everything downstream works with typed Go values.
package protocol

import (
	"strconv"

	"github.com/dreadworks/samwise/internal/bbw"
	"github.com/dreadworks/samwise/internal/buf"
	"github.com/dreadworks/samwise/internal/wmsg"
	"github.com/pkg/errors"
)

// Version is the only protocol_version this implementation understands.
const Version = 1

// ErrProtocol tags any malformed request; the connection stays up (spec §7).
var ErrProtocol = errors.New("protocol: malformed request")

// Action names, literal on the wire.
const (
	ActionPublish     = "publish"
	ActionRPCDeclare  = "rpc exchange.declare"
	ActionRPCDelete   = "rpc exchange.delete"
	ActionPing        = "ping"
)

// PublishRequest is the parsed form of a publish action.
type PublishRequest struct {
	Policy  buf.Policy
	Options bbw.PublishOptions
}

// DeclareRequest is the parsed form of an "rpc exchange.declare" action.
// BrokerName empty means "any broker in the fleet".
type DeclareRequest struct {
	BrokerName string
	Exchange   string
	Type       string
}

// DeleteRequest is the parsed form of an "rpc exchange.delete" action.
type DeleteRequest struct {
	BrokerName string
	Exchange   string
}

// PingRequest carries no data.
type PingRequest struct{}

// Response is the uniform reply shape: rc == 0 is success, rc < 0 is an
// error described by Message.
type Response struct {
	RC      int32
	Message string
}

// Parse decodes a full request frame list: protocol_version, action, then
// action-specific frames. It returns one of *PublishRequest, *DeclareRequest,
// *DeleteRequest, or PingRequest.
func Parse(msg *wmsg.Msg) (any, error) {
	vals, err := msg.Pop("is")
	if err != nil {
		return nil, errors.Wrap(ErrProtocol, err.Error())
	}
	version := vals[0].(int64)
	if version != Version {
		return nil, errors.Wrapf(ErrProtocol, "unsupported protocol version %d", version)
	}
	action := vals[1].(string)

	switch action {
	case ActionPublish:
		return parsePublish(msg)
	case ActionRPCDeclare:
		return parseDeclare(msg)
	case ActionRPCDelete:
		return parseDelete(msg)
	case ActionPing:
		return PingRequest{}, nil
	default:
		return nil, errors.Wrapf(ErrProtocol, "unknown action %q", action)
	}
}

func parsePublish(msg *wmsg.Msg) (*PublishRequest, error) {
	vals, err := msg.Pop("s")
	if err != nil {
		return nil, errors.Wrap(ErrProtocol, err.Error())
	}
	distribution := vals[0].(string)

	var policy buf.Policy
	switch distribution {
	case "round robin":
		policy = buf.RoundRobinPolicy()
	case "redundant":
		nv, err := msg.Pop("i")
		if err != nil {
			return nil, errors.Wrap(ErrProtocol, err.Error())
		}
		policy, err = buf.RedundantPolicy(int32(nv[0].(int64)))
		if err != nil {
			return nil, errors.Wrap(ErrProtocol, err.Error())
		}
	default:
		return nil, errors.Wrapf(ErrProtocol, "unknown distribution %q", distribution)
	}

	opts, err := DecodePublishOptions(msg)
	if err != nil {
		return nil, err
	}
	return &PublishRequest{Policy: policy, Options: opts}, nil
}

func parseDeclare(msg *wmsg.Msg) (*DeclareRequest, error) {
	vals, err := msg.Pop("sss")
	if err != nil {
		return nil, errors.Wrap(ErrProtocol, err.Error())
	}
	return &DeclareRequest{BrokerName: vals[0].(string), Exchange: vals[1].(string), Type: vals[2].(string)}, nil
}

func parseDelete(msg *wmsg.Msg) (*DeleteRequest, error) {
	vals, err := msg.Pop("ss")
	if err != nil {
		return nil, errors.Wrap(ErrProtocol, err.Error())
	}
	return &DeleteRequest{BrokerName: vals[0].(string), Exchange: vals[1].(string)}, nil
}

// DecodePublishOptions consumes a publish request's option and payload
// frames (exchange through the trailing payload frame; spec §6/§4.4.2's
// 12 properties in fixed order). It is also used to decode BUF's
// persisted publish-options trailer on resend, since that trailer is the
// same frame shape with the distribution prefix already stripped.
func DecodePublishOptions(msg *wmsg.Msg) (bbw.PublishOptions, error) {
	head, err := msg.Pop("ssii")
	if err != nil {
		return bbw.PublishOptions{}, errors.Wrap(ErrProtocol, err.Error())
	}
	exchange := head[0].(string)
	routingKey := head[1].(string)
	mandatory := head[2].(int64) != 0
	immediate := head[3].(int64) != 0

	pc, err := msg.Pop("i")
	if err != nil {
		return bbw.PublishOptions{}, errors.Wrap(ErrProtocol, err.Error())
	}
	if pc[0].(int64) != 12 {
		return bbw.PublishOptions{}, errors.Wrapf(ErrProtocol, "prop_count must be 12, got %d", pc[0].(int64))
	}

	props, err := msg.Pop("ssssssssssss")
	if err != nil {
		return bbw.PublishOptions{}, errors.Wrap(ErrProtocol, err.Error())
	}
	prop := func(i int) string { return props[i].(string) }

	deliveryMode, err := parseUint8(prop(2))
	if err != nil {
		return bbw.PublishOptions{}, err
	}
	priority, err := parseUint8(prop(3))
	if err != nil {
		return bbw.PublishOptions{}, err
	}

	hc, err := msg.Pop("i")
	if err != nil {
		return bbw.PublishOptions{}, errors.Wrap(ErrProtocol, err.Error())
	}
	headerCount := int(hc[0].(int64))
	headers := make([]bbw.Header, 0, headerCount)
	for i := 0; i < headerCount; i++ {
		kv, err := msg.Pop("ss")
		if err != nil {
			return bbw.PublishOptions{}, errors.Wrap(ErrProtocol, err.Error())
		}
		headers = append(headers, bbw.Header{Key: kv[0].(string), Value: kv[1].(string)})
	}

	pay, err := msg.Pop("f")
	if err != nil {
		return bbw.PublishOptions{}, errors.Wrap(ErrProtocol, err.Error())
	}

	return bbw.PublishOptions{
		Exchange:        exchange,
		RoutingKey:      routingKey,
		Mandatory:       mandatory,
		Immediate:       immediate,
		ContentType:     prop(0),
		ContentEncoding: prop(1),
		DeliveryMode:    deliveryMode,
		Priority:        priority,
		CorrelationID:   prop(4),
		ReplyTo:         prop(5),
		Expiration:      prop(6),
		MessageID:       prop(7),
		Type:            prop(8),
		UserID:          prop(9),
		AppID:           prop(10),
		ClusterID:       prop(11),
		Headers:         headers,
		Payload:         []byte(pay[0].(wmsg.Frame)),
	}, nil
}

func parseUint8(s string) (uint8, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, errors.Wrapf(ErrProtocol, "invalid numeric property %q: %v", s, err)
	}
	return uint8(n), nil
}

// EncodePublishOptions is the inverse of DecodePublishOptions. BUF
// persists its result directly as a message's payload trailer, and DISP
// re-decodes it unchanged on resend.
func EncodePublishOptions(opts bbw.PublishOptions) *wmsg.Msg {
	frames := []wmsg.Frame{
		wmsg.Frame(opts.Exchange),
		wmsg.Frame(opts.RoutingKey),
		wmsg.Frame(boolFrame(opts.Mandatory)),
		wmsg.Frame(boolFrame(opts.Immediate)),
		wmsg.Frame("12"),
		wmsg.Frame(opts.ContentType),
		wmsg.Frame(opts.ContentEncoding),
		wmsg.Frame(uint8Frame(opts.DeliveryMode)),
		wmsg.Frame(uint8Frame(opts.Priority)),
		wmsg.Frame(opts.CorrelationID),
		wmsg.Frame(opts.ReplyTo),
		wmsg.Frame(opts.Expiration),
		wmsg.Frame(opts.MessageID),
		wmsg.Frame(opts.Type),
		wmsg.Frame(opts.UserID),
		wmsg.Frame(opts.AppID),
		wmsg.Frame(opts.ClusterID),
		wmsg.Frame(strconv.Itoa(len(opts.Headers))),
	}
	for _, h := range opts.Headers {
		frames = append(frames, wmsg.Frame(h.Key), wmsg.Frame(h.Value))
	}
	frames = append(frames, wmsg.Frame(opts.Payload))
	return wmsg.New(frames...)
}

func boolFrame(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// uint8Frame normalises zero to the empty string, matching spec §4.4.2's
// "empty strings are normalised to absent".
func uint8Frame(v uint8) string {
	if v == 0 {
		return ""
	}
	return strconv.Itoa(int(v))
}

// EncodePublishRequest builds a full client-side publish request frame
// list, for samctl.
func EncodePublishRequest(policy buf.Policy, opts bbw.PublishOptions) *wmsg.Msg {
	frames := []wmsg.Frame{wmsg.Frame(strconv.Itoa(Version)), wmsg.Frame(ActionPublish)}
	switch policy.Kind {
	case buf.RoundRobin:
		frames = append(frames, wmsg.Frame("round robin"))
	case buf.Redundant:
		frames = append(frames, wmsg.Frame("redundant"), wmsg.Frame(strconv.Itoa(int(policy.N))))
	}
	frames = append(frames, EncodePublishOptions(opts).Frames()...)
	return wmsg.New(frames...)
}

// EncodeDeclareRequest builds a client-side "rpc exchange.declare" request.
func EncodeDeclareRequest(brokerName, exchange, kind string) *wmsg.Msg {
	return wmsg.New(wmsg.Frame(strconv.Itoa(Version)), wmsg.Frame(ActionRPCDeclare),
		wmsg.Frame(brokerName), wmsg.Frame(exchange), wmsg.Frame(kind))
}

// EncodeDeleteRequest builds a client-side "rpc exchange.delete" request.
func EncodeDeleteRequest(brokerName, exchange string) *wmsg.Msg {
	return wmsg.New(wmsg.Frame(strconv.Itoa(Version)), wmsg.Frame(ActionRPCDelete),
		wmsg.Frame(brokerName), wmsg.Frame(exchange))
}

// EncodePingRequest builds a client-side ping request.
func EncodePingRequest() *wmsg.Msg {
	return wmsg.New(wmsg.Frame(strconv.Itoa(Version)), wmsg.Frame(ActionPing))
}

// EncodeResponse builds the uniform (rc, message) response frame list.
func EncodeResponse(r Response) *wmsg.Msg {
	return wmsg.New(wmsg.Frame(strconv.Itoa(int(r.RC))), wmsg.Frame(r.Message))
}

// DecodeResponse is the inverse of EncodeResponse.
func DecodeResponse(msg *wmsg.Msg) (Response, error) {
	vals, err := msg.Pop("is")
	if err != nil {
		return Response{}, errors.Wrap(ErrProtocol, err.Error())
	}
	return Response{RC: int32(vals[0].(int64)), Message: vals[1].(string)}, nil
}
