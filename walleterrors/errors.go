package walleterrors

import (
	"errors"
	"fmt"
	"strings"
)

// Wallet (W) Errors
var (
	ErrOutOfOrderBlock     = errors.New("W1|OutOfOrderBlock: Block height is below the last processed block.")
	ErrViewOnly            = errors.New("W2|ViewOnly: Spend attempted without a spending key.")
	ErrInputChangeMismatch = errors.New("W3|InputChangeMismatch: No change destination compatible with the selected inputs.")
	ErrKeyMismatch         = errors.New("W4|KeyMismatch: Spending key does not derive the wallet's viewing key.")
	ErrUnknownTransaction  = errors.New("W5|UnknownTransaction: Transaction id is not tracked as pending.")
)

// Kernel (K) Errors
var (
	ErrKernel       = errors.New("K1|Kernel: The cryptographic kernel rejected the request.")
	ErrBridgeClosed = errors.New("K2|BridgeClosed: The kernel connection closed before a response arrived.")
)

// KernelError is a failure surfaced by the cryptographic kernel, or by the
// bridge while waiting on it. It matches ErrKernel under errors.Is.
type KernelError struct {
	Op      string
	Code    int
	Message string
	Err     error
}

func (e *KernelError) Error() string {
	var b strings.Builder
	b.WriteString("kernel")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *KernelError) Unwrap() error { return e.Err }

func (e *KernelError) Is(target error) bool { return target == ErrKernel }

// NewKernelError wraps err as a KernelError for op.
func NewKernelError(op string, err error) *KernelError {
	return &KernelError{Op: op, Err: err}
}

// IsKernelError reports whether err originated in the kernel or its bridge.
func IsKernelError(err error) bool {
	return errors.Is(err, ErrKernel) || errors.Is(err, ErrBridgeClosed)
}

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	return strings.TrimSpace(parts[0])
}

// GetErrorDesc extracts the error description from the error message.
func GetErrorDesc(err error) string {
	if err == nil {
		return ""
	}
	parts := strings.SplitN(err.Error(), ":", 2)
	if len(parts) < 2 {
		return "DESC NOT SET"
	}
	return strings.TrimSpace(parts[1])
}
