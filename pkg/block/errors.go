package block

// BlockError represents a domain error from graph operations.
//
// These are the errors the management layer is expected to inspect and
// translate (unknown driver, busy node, violated chain invariant), as
// opposed to infrastructure errors (disk failure, network failure), which
// are wrapped with fmt.Errorf and %w instead.
type BlockError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Node is the name of the node related to the error (if applicable)
	Node string
}

// Error implements the error interface.
func (e *BlockError) Error() string {
	if e.Node != "" {
		return "node '" + e.Node + "': " + e.Message
	}
	return e.Message
}

// ErrorCode represents the category of a block layer error.
type ErrorCode int

const (
	// ErrNone is the zero code, carried by nil errors and by
	// infrastructure errors that have no block-layer category.
	ErrNone ErrorCode = iota

	// ErrConfig indicates a configuration error: unknown or bad driver,
	// malformed options, missing filename, unconsumed options. Reported
	// before any mutation; the node is left unchanged.
	ErrConfig

	// ErrBusy indicates an operation blocker was hit, or a frozen bitmap
	// was targeted by a disallowed operation. No state change.
	ErrBusy

	// ErrChainViolation indicates a graph-invariant error, e.g. a
	// drop-intermediate base that is not in the top's chain, or a resize
	// while frozen bitmaps exist. Reported before mutation.
	ErrChainViolation

	// ErrNotFound indicates a named node, device, driver or bitmap
	// doesn't exist.
	ErrNotFound

	// ErrAlreadyExists indicates a name collision (node name, device
	// name, bitmap name).
	ErrAlreadyExists

	// ErrInvalidArgument indicates invalid parameters were provided.
	ErrInvalidArgument

	// ErrNoMedium indicates the node has no driver attached (closed).
	ErrNoMedium

	// ErrNotSupported indicates the driver doesn't implement the
	// requested capability.
	ErrNotSupported

	// ErrReadOnly indicates a write-side operation on a read-only node.
	ErrReadOnly

	// ErrEncrypted indicates I/O was attempted on an encrypted image
	// before a valid key was set.
	ErrEncrypted
)

func configErr(node, message string) error {
	return &BlockError{Code: ErrConfig, Message: message, Node: node}
}

func busyErr(node, message string) error {
	return &BlockError{Code: ErrBusy, Message: message, Node: node}
}

func chainErr(message string) error {
	return &BlockError{Code: ErrChainViolation, Message: message}
}

func notFoundErr(message string) error {
	return &BlockError{Code: ErrNotFound, Message: message}
}

func invalidErr(message string) error {
	return &BlockError{Code: ErrInvalidArgument, Message: message}
}

// CodeOf extracts the ErrorCode from err. Nil errors and infrastructure
// errors without a block-layer category yield ErrNone.
func CodeOf(err error) ErrorCode {
	if be, ok := err.(*BlockError); ok {
		return be.Code
	}
	return ErrNone
}

// String returns the code name used in logs and test output.
func (c ErrorCode) String() string {
	names := [...]string{"none", "config", "busy", "chain-violation", "not-found",
		"already-exists", "invalid-argument", "no-medium", "not-supported",
		"read-only", "encrypted"}
	if int(c) < len(names) {
		return names[c]
	}
	return "unknown"
}
