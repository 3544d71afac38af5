package diag

import (
	"context"
	"errors"
	"os"

	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/cil"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/unityfs"
)

// Code is a coarse error class used in log events.
type Code string

const (
	CodeUnknown     Code = "unknown"
	CodeIO          Code = "io"
	CodeDecode      Code = "decode"
	CodeUnsupported Code = "unsupported"
	CodeCancel      Code = "cancel"
)

// Classify maps err to a Code using sentinel errors and standard error types only.
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	if errors.Is(err, unityfs.ErrUnsupported) || errors.Is(err, unityfs.ErrUnrecognized) || errors.Is(err, cil.ErrNotManaged) {
		return CodeUnsupported
	}
	if errors.Is(err, unityfs.ErrMalformed) || errors.Is(err, cil.ErrMalformed) {
		return CodeDecode
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	return CodeUnknown
}
