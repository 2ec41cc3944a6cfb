// Package validate inspects an uploaded image before anything is persisted.
// Checks run cheapest first: size, filename, extension, then a content sniff
// of the leading bytes. The first failing check wins.
package validate

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// DefaultMaxSize is the upload limit applied when a Validator is constructed
// with a non-positive maximum.
const DefaultMaxSize int64 = 10 << 20

// Reason classifies why an upload was rejected.
type Reason string

const (
	ReasonEmpty           Reason = "empty"
	ReasonTooLarge        Reason = "too_large"
	ReasonInvalidName     Reason = "invalid_name"
	ReasonUnsupportedType Reason = "unsupported_type"
	ReasonContentMismatch Reason = "content_mismatch"
)

// Error is returned for every rejected upload. It is always a client fault.
type Error struct {
	Reason Reason
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("validate: %s", e.Reason)
	}
	return fmt.Sprintf("validate: %s: %s", e.Reason, e.Detail)
}

// Is reports whether target is an *Error with the same Reason, so callers can
// write errors.Is(err, &validate.Error{Reason: validate.ReasonTooLarge}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

var (
	allowedExtensions = map[string]bool{
		"jpg": true,
		"png": true,
	}
	allowedContentTypes = map[string]bool{
		"image/jpeg": true,
		"image/png":  true,
	}

	pathSeparators = regexp.MustCompile(`[/\\]`)
	disallowed     = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
)

// Result describes an accepted upload.
type Result struct {
	// Extension is the lower-cased extension taken from the sanitised name.
	Extension string

	// ContentType is the MIME type detected from the payload itself.
	ContentType string
}

// Validator checks uploads against a size limit and the fixed allow-lists.
type Validator struct {
	maxSize int64
}

// New returns a Validator enforcing maxSize bytes. Non-positive values select
// DefaultMaxSize.
func New(maxSize int64) *Validator {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Validator{maxSize: maxSize}
}

// MaxSize returns the enforced upload limit in bytes.
func (v *Validator) MaxSize() int64 {
	return v.maxSize
}

// Validate checks data and the client supplied filename. It has no side
// effects.
func (v *Validator) Validate(data []byte, filename string) (Result, error) {
	if len(data) == 0 {
		return Result{}, &Error{Reason: ReasonEmpty, Detail: "no file content"}
	}
	if int64(len(data)) > v.maxSize {
		return Result{}, &Error{
			Reason: ReasonTooLarge,
			Detail: fmt.Sprintf("%d bytes exceeds limit of %d", len(data), v.maxSize),
		}
	}

	if pathSeparators.MatchString(filename) || strings.Contains(filename, "..") {
		return Result{}, &Error{Reason: ReasonInvalidName, Detail: "path components are not allowed"}
	}
	name := Sanitize(filename)
	if name == "" {
		return Result{}, &Error{Reason: ReasonInvalidName, Detail: "empty after sanitisation"}
	}
	ext := Extension(name)
	if ext == "" {
		return Result{}, &Error{Reason: ReasonInvalidName, Detail: "missing extension"}
	}

	if !allowedExtensions[ext] {
		return Result{}, &Error{Reason: ReasonUnsupportedType, Detail: fmt.Sprintf("extension %q", ext)}
	}

	// DetectContentType only considers the first 512 bytes.
	contentType := http.DetectContentType(data)
	if !allowedContentTypes[contentType] {
		return Result{}, &Error{Reason: ReasonContentMismatch, Detail: fmt.Sprintf("detected %q", contentType)}
	}

	return Result{Extension: ext, ContentType: contentType}, nil
}

// Sanitize removes every character outside [A-Za-z0-9._-], which includes
// both path separators, and then any ".." sequences left behind.
func Sanitize(name string) string {
	s := disallowed.ReplaceAllString(name, "")
	for strings.Contains(s, "..") {
		s = strings.ReplaceAll(s, "..", "")
	}
	return s
}

// Extension returns the lower-cased text after the final dot in name, or the
// empty string when there is none.
func Extension(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[i+1:])
}
