package spans

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/ashita-ai/mamori/internal/model"
)

// Attribute keys that route a span.
const (
	TaskIDAttribute    = "arthur.task"
	SessionIDAttribute = "session.id"
)

// Decode parses an OTLP trace export in protobuf or JSON encoding, chosen by
// content type. An empty content type is treated as protobuf.
func Decode(body []byte, contentType string) (*coltracepb.ExportTraceServiceRequest, error) {
	mediaType := "application/x-protobuf"
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return nil, fmt.Errorf("spans: content type %q: %w", contentType, err)
		}
		mediaType = mt
	}

	req := &coltracepb.ExportTraceServiceRequest{}
	switch mediaType {
	case "application/x-protobuf", "application/protobuf", "application/octet-stream":
		if err := proto.Unmarshal(body, req); err != nil {
			return nil, fmt.Errorf("spans: decode protobuf: %w", err)
		}
	case "application/json":
		fixed, err := hexIDsToBase64(body)
		if err != nil {
			return nil, err
		}
		if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(fixed, req); err != nil {
			return nil, fmt.Errorf("spans: decode json: %w", err)
		}
	default:
		return nil, fmt.Errorf("spans: unsupported content type %q", mediaType)
	}
	return req, nil
}

var idFields = map[string]bool{"traceId": true, "spanId": true, "parentSpanId": true}

// hexIDsToBase64 rewrites OTLP/JSON's hex-encoded ids into the base64 form
// protojson expects for bytes fields.
func hexIDsToBase64(body []byte) ([]byte, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("spans: decode json: %w", err)
	}
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			for k, child := range t {
				if s, ok := child.(string); ok && idFields[k] {
					if raw, err := hex.DecodeString(s); err == nil {
						t[k] = base64.StdEncoding.EncodeToString(raw)
					}
					continue
				}
				walk(child)
			}
		case []any:
			for _, child := range t {
				walk(child)
			}
		}
	}
	walk(doc)
	return json.Marshal(doc)
}

// Rejection is a span refused before storage.
type Rejection struct {
	TraceID string
	SpanID  string
	Reason  string
}

// Convert flattens an export request into normalized spans. Spans without
// valid ids or with an end before their start are rejected. The task comes
// from the span's arthur.task attribute, else the resource's.
func Convert(req *coltracepb.ExportTraceServiceRequest) ([]model.Span, []Rejection) {
	var (
		out      []model.Span
		rejected []Rejection
	)
	for _, rs := range req.GetResourceSpans() {
		resourceAttrs := attributeMap(rs.GetResource().GetAttributes())
		for _, ss := range rs.GetScopeSpans() {
			for _, s := range ss.GetSpans() {
				span, reason := convertSpan(s, resourceAttrs)
				if reason != "" {
					rejected = append(rejected, Rejection{
						TraceID: hex.EncodeToString(s.GetTraceId()),
						SpanID:  hex.EncodeToString(s.GetSpanId()),
						Reason:  reason,
					})
					continue
				}
				out = append(out, span)
			}
		}
	}
	return out, rejected
}

func convertSpan(s *tracepb.Span, resourceAttrs map[string]any) (model.Span, string) {
	if len(s.GetTraceId()) != 16 {
		return model.Span{}, "invalid trace id"
	}
	if len(s.GetSpanId()) != 8 {
		return model.Span{}, "invalid span id"
	}
	start := time.Unix(0, int64(s.GetStartTimeUnixNano())).UTC()
	end := time.Unix(0, int64(s.GetEndTimeUnixNano())).UTC()
	if end.Before(start) {
		return model.Span{}, "span ends before it starts"
	}

	attrs := attributeMap(s.GetAttributes())
	if key := nonFiniteKey(attrs, ""); key != "" {
		return model.Span{}, "non-finite value in attribute " + key
	}
	span := model.Span{
		TraceID:    hex.EncodeToString(s.GetTraceId()),
		SpanID:     hex.EncodeToString(s.GetSpanId()),
		StartTime:  start,
		EndTime:    end,
		StatusCode: statusCode(s.GetStatus().GetCode()),
	}
	if p := s.GetParentSpanId(); len(p) > 0 {
		parent := hex.EncodeToString(p)
		span.ParentSpanID = &parent
	}
	if name := s.GetName(); name != "" {
		span.SpanName = &name
	}
	kind := strings.TrimPrefix(s.GetKind().String(), "SPAN_KIND_")
	span.SpanKind = &kind

	taskValue, ok := attrs[TaskIDAttribute]
	if !ok {
		taskValue, ok = resourceAttrs[TaskIDAttribute]
	}
	if ok {
		id, err := uuid.Parse(fmt.Sprint(taskValue))
		if err != nil {
			return model.Span{}, "invalid task id"
		}
		span.TaskID = &id
	}
	if sid, ok := attrs[SessionIDAttribute].(string); ok && sid != "" {
		span.SessionID = &sid
	}

	span.RawData = Normalize(attrs)
	return span, ""
}

func statusCode(c tracepb.Status_StatusCode) string {
	switch c {
	case tracepb.Status_STATUS_CODE_OK:
		return "Ok"
	case tracepb.Status_STATUS_CODE_ERROR:
		return "Error"
	default:
		return "Unset"
	}
}

func attributeMap(kvs []*commonpb.KeyValue) map[string]any {
	out := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		out[kv.GetKey()] = anyValue(kv.GetValue())
	}
	return out
}

// nonFiniteKey returns the dotted path of the first NaN or infinite double in
// v, or "" when there is none. JSON has no encoding for those values.
func nonFiniteKey(v any, path string) string {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			if path == "" {
				return "(value)"
			}
			return path
		}
	case []any:
		for i, e := range x {
			if k := nonFiniteKey(e, fmt.Sprintf("%s[%d]", path, i)); k != "" {
				return k
			}
		}
	case map[string]any:
		for key, e := range x {
			p := key
			if path != "" {
				p = path + "." + key
			}
			if k := nonFiniteKey(e, p); k != "" {
				return k
			}
		}
	}
	return ""
}

// anyValue converts an OTLP value to the plain Go value stored in JSON.
func anyValue(v *commonpb.AnyValue) any {
	switch x := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return x.StringValue
	case *commonpb.AnyValue_BoolValue:
		return x.BoolValue
	case *commonpb.AnyValue_IntValue:
		return x.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return x.DoubleValue
	case *commonpb.AnyValue_BytesValue:
		return base64.StdEncoding.EncodeToString(x.BytesValue)
	case *commonpb.AnyValue_ArrayValue:
		values := x.ArrayValue.GetValues()
		list := make([]any, len(values))
		for i, e := range values {
			list[i] = anyValue(e)
		}
		return list
	case *commonpb.AnyValue_KvlistValue:
		return attributeMap(x.KvlistValue.GetValues())
	default:
		return nil
	}
}
