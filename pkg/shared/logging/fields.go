// Package logging provides a small structured-fields builder used ahead of
// zap, so call sites read as a fluent chain instead of a field-array literal.
package logging

import (
	"time"

	"go.uber.org/zap"
)

// Fields accumulates named values for a single log line.
type Fields map[string]interface{}

// NewFields returns an empty Fields map.
func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

func (f Fields) Operation(name string) Fields {
	f["operation"] = name
	return f
}

func (f Fields) Resource(resourceType, resourceName string) Fields {
	f["resource_type"] = resourceType
	if resourceName != "" {
		f["resource_name"] = resourceName
	}
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

func (f Fields) UserID(id string) Fields {
	if id != "" {
		f["user_id"] = id
	}
	return f
}

func (f Fields) RequestID(id string) Fields {
	f["request_id"] = id
	return f
}

func (f Fields) TraceID(id string) Fields {
	f["trace_id"] = id
	return f
}

func (f Fields) StatusCode(code int) Fields {
	f["status_code"] = code
	return f
}

func (f Fields) Method(method string) Fields {
	f["method"] = method
	return f
}

func (f Fields) URL(url string) Fields {
	f["url"] = url
	return f
}

func (f Fields) Count(n int) Fields {
	f["count"] = n
	return f
}

func (f Fields) Size(bytes int64) Fields {
	f["size_bytes"] = bytes
	return f
}

func (f Fields) Version(v string) Fields {
	f["version"] = v
	return f
}

func (f Fields) Custom(key string, value interface{}) Fields {
	f[key] = value
	return f
}

// ToZap converts f to zap.Field values for *zap.Logger.With / .Check calls.
func (f Fields) ToZap() []zap.Field {
	fields := make([]zap.Field, 0, len(f))
	for k, v := range f {
		fields = append(fields, zap.Any(k, v))
	}
	return fields
}

// DatabaseFields is a convenience constructor for DB operation log lines.
func DatabaseFields(operation, table string) Fields {
	return NewFields().Component("database").Operation(operation).Resource("table", table)
}

// HTTPFields is a convenience constructor for request/response log lines.
func HTTPFields(method, url string, statusCode int) Fields {
	return NewFields().Component("http").Method(method).URL(url).StatusCode(statusCode)
}

// SecurityFields is a convenience constructor for authorization log lines.
func SecurityFields(operation, subject string) Fields {
	return NewFields().Component("security").Operation(operation).Custom("subject", subject)
}

// PerformanceFields is a convenience constructor for timed-operation log lines.
func PerformanceFields(operation string, duration time.Duration, success bool) Fields {
	return NewFields().Component("performance").Operation(operation).Duration(duration).Custom("success", success)
}

// AppendFields is a convenience constructor for append-subsystem log lines.
func AppendFields(fileID, appendID, appendType string) Fields {
	f := NewFields().Component("appendlog").Custom("file_id", fileID)
	if appendID != "" {
		f.Custom("append_id", appendID)
	}
	if appendType != "" {
		f.Custom("append_type", appendType)
	}
	return f
}

// WebhookFields is a convenience constructor for outbound webhook delivery log lines.
func WebhookFields(workspaceID, url, eventType string) Fields {
	return NewFields().Component("webhook").Custom("workspace_id", workspaceID).URL(url).Custom("event_type", eventType)
}
