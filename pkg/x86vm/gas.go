package x86vm

import "fmt"

// Placeholder gas schedule. It only has to be deterministic, bounded and
// monotonic.
const (
	GasInstruction    = uint64(1)  // every executed instruction
	GasSyscall        = uint64(10) // every int 0x40
	GasDebugPrintByte = uint64(1)  // per byte read by DebugPrint
)

// GasMeter tracks gas for one invocation. It is not safe for concurrent use.
type GasMeter struct {
	limit uint64
	used  uint64
}

// NewGasMeter creates a meter with the given limit.
func NewGasMeter(limit uint64) *GasMeter {
	return &GasMeter{limit: limit}
}

// Consume charges cost. If the remaining budget cannot cover it the meter is
// drained to the limit and ErrGasExhausted is returned; the caller must not
// perform the work it was paying for.
func (g *GasMeter) Consume(cost uint64) error {
	if cost > g.limit-g.used {
		g.used = g.limit
		return fmt.Errorf("%w: limit %d", ErrGasExhausted, g.limit)
	}
	g.used += cost
	return nil
}

// Used returns the gas consumed so far.
func (g *GasMeter) Used() uint64 {
	return g.used
}

// Remaining returns the unspent budget.
func (g *GasMeter) Remaining() uint64 {
	return g.limit - g.used
}

// Limit returns the budget.
func (g *GasMeter) Limit() uint64 {
	return g.limit
}
