package tm

import "github.com/backkem/qlib/pkg/protocol"

// quirk describes how the manager frames one opcode family. The table is
// driver policy and should be revalidated for each device generation.
type quirk struct {
	// doubleWait waits for busy-clear twice: the device drops BUSY briefly
	// between the command and the internal flash operation.
	doubleWait bool

	// pollResponse keeps polling until RESP_READY when busy clears first.
	pollResponse bool

	// spiOnly commands are clocked out in plain SPI when the bus runs QPI.
	spiOnly bool

	// chain marks a command whose CTAG carries host-only chain flags.
	chain bool
}

var quirks = map[protocol.Opcode]quirk{
	protocol.OpSAWR:    {doubleWait: true},
	protocol.OpCalcSig: {doubleWait: true, pollResponse: true},
	protocol.OpSetSCR:  {spiOnly: true, chain: true},
	protocol.OpSetGMC:  {spiOnly: true},
	protocol.OpSetGMT:  {spiOnly: true},
}

func quirkOf(op protocol.Opcode) quirk {
	return quirks[op]
}
