// Package observability provides metrics and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrJobType = "job_type"
	attrReason  = "reason"
	attrAction  = "action"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func jobTypeAttr(jobType string) attribute.KeyValue {
	return attribute.String(attrJobType, jobType)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

func actionAttr(action string) attribute.KeyValue {
	return attribute.String(attrAction, action)
}

// normalizePath replaces dynamic path segments with placeholders to keep
// metric cardinality bounded.
func normalizePath(path string) string {
	if rest, ok := strings.CutPrefix(path, "/v1/jobs/"); ok && rest != "" {
		if strings.HasSuffix(rest, "/artifacts") {
			return "/v1/jobs/{jobId}/artifacts"
		}
		return "/v1/jobs/{jobId}"
	}
	if rest, ok := strings.CutPrefix(path, "/v1/uploads/"); ok && rest != "" {
		if strings.HasSuffix(rest, "/finalize") {
			return "/v1/uploads/{uploadId}/finalize"
		}
		return "/v1/uploads/{uploadId}"
	}
	return path
}
