package book

import (
	"errors"
	"fmt"
)

// Stable, serializable error codes recorded on failed jobs.
const (
	CodeEmptyContent         = "EMPTY_CONTENT"
	CodeUnsupportedFormat    = "UNSUPPORTED_FORMAT"
	CodeRenderError          = "RENDER_ERROR"
	CodeConverterUnavailable = "CONVERTER_UNAVAILABLE"
	CodeConversionFailed     = "CONVERSION_FAILED"
	CodeConversionTimeout    = "CONVERSION_TIMEOUT"
	CodeCancelled            = "CANCELLED"
	CodeQueueFull            = "QUEUE_FULL"
	CodeInterrupted          = "INTERRUPTED"
	CodeInternal             = "INTERNAL"
)

var (
	ErrEmptyContent         = errors.New("no chapters to render")
	ErrConverterUnavailable = errors.New("converter unavailable")
	ErrConversionFailed     = errors.New("conversion failed")
	ErrConversionTimeout    = errors.New("conversion timed out")
	ErrCancelled            = errors.New("cancelled")
	ErrInterrupted          = errors.New("interrupted by process restart")
)

// UnsupportedFormatError is returned for any format outside epub, pdf, html and mobi.
type UnsupportedFormatError struct {
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported format %q", e.Format)
}

// RenderError wraps a renderer failure with the format and book title.
type RenderError struct {
	Format Format
	Title  string
	Err    error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s %q: %v", e.Format, e.Title, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// NewRenderError wraps err unless it already is a RenderError.
func NewRenderError(f Format, title string, err error) error {
	if err == nil {
		return nil
	}
	var re *RenderError
	if errors.As(err, &re) {
		return err
	}
	return &RenderError{Format: f, Title: title, Err: err}
}

// ErrorCode maps err onto the stable code vocabulary. Converter sentinels take
// precedence over the RenderError wrapper that usually carries them.
func ErrorCode(err error) string {
	var unsupported *UnsupportedFormatError
	var render *RenderError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyContent):
		return CodeEmptyContent
	case errors.As(err, &unsupported):
		return CodeUnsupportedFormat
	case errors.Is(err, ErrConverterUnavailable):
		return CodeConverterUnavailable
	case errors.Is(err, ErrConversionTimeout):
		return CodeConversionTimeout
	case errors.Is(err, ErrConversionFailed):
		return CodeConversionFailed
	case errors.Is(err, ErrCancelled):
		return CodeCancelled
	case errors.Is(err, ErrInterrupted):
		return CodeInterrupted
	case errors.As(err, &render):
		return CodeRenderError
	default:
		return CodeInternal
	}
}
