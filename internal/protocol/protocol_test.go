package protocol

import (
	"testing"

	"github.com/dreadworks/samwise/internal/bbw"
	"github.com/dreadworks/samwise/internal/buf"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func samplePublishOptions() bbw.PublishOptions {
	return bbw.PublishOptions{
		Exchange:        "orders",
		RoutingKey:      "orders.created",
		Mandatory:       true,
		Immediate:       false,
		ContentType:     "application/json",
		ContentEncoding: "",
		DeliveryMode:    2,
		Priority:        0,
		CorrelationID:   "corr-1",
		ReplyTo:         "",
		Expiration:      "",
		MessageID:       "msg-1",
		Type:            "",
		UserID:          "",
		AppID:           "samwise",
		ClusterID:       "cluster-a",
		Headers:         []bbw.Header{{Key: "x-trace", Value: "abc"}},
		Payload:         []byte("payload-bytes"),
	}
}

func TestPublishOptionsRoundTrip(t *testing.T) {
	opts := samplePublishOptions()
	msg := EncodePublishOptions(opts)

	got, err := DecodePublishOptions(msg)
	require.NoError(t, err)
	if diff := cmp.Diff(opts, got); diff != "" {
		t.Fatalf("round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePublishRoundRobin(t *testing.T) {
	opts := samplePublishOptions()
	req := EncodePublishRequest(buf.RoundRobinPolicy(), opts)

	parsed, err := Parse(req)
	require.NoError(t, err)
	pr, ok := parsed.(*PublishRequest)
	require.True(t, ok)
	require.Equal(t, buf.RoundRobin, pr.Policy.Kind)
	if diff := cmp.Diff(opts, pr.Options); diff != "" {
		t.Fatalf("round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePublishRedundant(t *testing.T) {
	pol, err := buf.RedundantPolicy(3)
	require.NoError(t, err)
	req := EncodePublishRequest(pol, samplePublishOptions())

	parsed, err := Parse(req)
	require.NoError(t, err)
	pr, ok := parsed.(*PublishRequest)
	require.True(t, ok)
	require.Equal(t, buf.Redundant, pr.Policy.Kind)
	require.Equal(t, int32(3), pr.Policy.N)
}

func TestParseUnknownVersionRejected(t *testing.T) {
	req := EncodePublishRequest(buf.RoundRobinPolicy(), samplePublishOptions())
	frames := req.Frames()
	frames[0] = []byte("99")
	_, err := Parse(req)
	require.Error(t, err)
}

func TestParseDeclareAndDelete(t *testing.T) {
	declReq := EncodeDeclareRequest("", "orders", "topic")
	parsed, err := Parse(declReq)
	require.NoError(t, err)
	dr, ok := parsed.(*DeclareRequest)
	require.True(t, ok)
	require.Equal(t, "orders", dr.Exchange)
	require.Equal(t, "topic", dr.Type)

	delReq := EncodeDeleteRequest("b1", "orders")
	parsed, err = Parse(delReq)
	require.NoError(t, err)
	xr, ok := parsed.(*DeleteRequest)
	require.True(t, ok)
	require.Equal(t, "b1", xr.BrokerName)
	require.Equal(t, "orders", xr.Exchange)
}

func TestParsePing(t *testing.T) {
	parsed, err := Parse(EncodePingRequest())
	require.NoError(t, err)
	_, ok := parsed.(PingRequest)
	require.True(t, ok)
}

func TestParseUnknownAction(t *testing.T) {
	msg := EncodePingRequest()
	frames := msg.Frames()
	frames[1] = []byte("dance")
	_, err := Parse(msg)
	require.Error(t, err)
}

func TestResponseRoundTrip(t *testing.T) {
	r := Response{RC: -3, Message: "no broker available"}
	got, err := DecodeResponse(EncodeResponse(r))
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestPropCountMismatchRejected(t *testing.T) {
	opts := samplePublishOptions()
	req := EncodePublishRequest(buf.RoundRobinPolicy(), opts)
	// corrupt prop_count: frames layout is
	// [version, action, "round robin", exchange, routing_key, mandatory, immediate, prop_count, ...]
	frames := req.Frames()
	frames[7] = []byte("11")
	_, err := Parse(req)
	require.Error(t, err)
}
