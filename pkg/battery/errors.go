package battery

import "errors"

// Sentinel errors shared across the codec, transport, pool, session, and
// scheduler layers. Callers use errors.Is against these; the classified
// kind, not the wrapped detail, is what crosses component boundaries per
// the propagation rules.
var (
	// ErrInvalidAddress is returned by ParseAddress for malformed input.
	ErrInvalidAddress = errors.New("battery: invalid device address")

	// ErrReadingInvalid is returned by Reading.Validate when a field is
	// NaN or outside its documented range.
	ErrReadingInvalid = errors.New("battery: reading out of range")

	// ProtocolFramingError indicates malformed length, markers, or
	// checksum at the wire-framing level. Never a runtime condition to
	// retry around; it means the bytes are not a valid frame.
	ProtocolFramingError = errors.New("battery: protocol framing error")

	// ProtocolParseError indicates a frame decoded successfully but was
	// semantically invalid (out-of-range field). The reading is
	// discarded; the link is not disturbed.
	ProtocolParseError = errors.New("battery: protocol parse error")

	// ProtocolUnknownOpcode indicates a valid frame with an opcode the
	// codec does not recognize. Logged and ignored, never escalated.
	ProtocolUnknownOpcode = errors.New("battery: unknown protocol opcode")

	// TransportInvalidArgument is returned by transport operations given
	// an empty or malformed argument (address, characteristic UUID).
	TransportInvalidArgument = errors.New("battery: invalid transport argument")

	// InvalidStateTransition indicates a connection state machine
	// transition outside the validated table. A programming error, not a
	// runtime condition.
	InvalidStateTransition = errors.New("battery: invalid state transition")

	// CapacityExceeded indicates the connection pool's admission FIFO
	// was full when a new connect was requested.
	CapacityExceeded = errors.New("battery: connection pool capacity exceeded")

	// CommandTimeout indicates a device session request exceeded its
	// per-command timeout.
	CommandTimeout = errors.New("battery: command timed out")
)
