package conntable

import "fmt"

// TCPState is the kernel's TCP state enumeration (include/net/tcp_states.h).
type TCPState uint8

const (
	StateInvalid     TCPState = 0
	StateEstablished TCPState = 1
	StateSynSent     TCPState = 2
	StateSynRecv     TCPState = 3
	StateFinWait1    TCPState = 4
	StateFinWait2    TCPState = 5
	StateTimeWait    TCPState = 6
	StateClose       TCPState = 7
	StateCloseWait   TCPState = 8
	StateLastAck     TCPState = 9
	StateListen      TCPState = 10
	StateClosing     TCPState = 11
	StateNewSynRecv  TCPState = 12
)

var stateName = map[TCPState]string{
	0:  "INVALID",
	1:  "ESTABLISHED",
	2:  "SYN_SENT",
	3:  "SYN_RECV",
	4:  "FIN_WAIT1",
	5:  "FIN_WAIT2",
	6:  "TIME_WAIT",
	7:  "CLOSE",
	8:  "CLOSE_WAIT",
	9:  "LAST_ACK",
	10: "LISTEN",
	11: "CLOSING",
	12: "NEW_SYN_RECV",
}

func (s TCPState) String() string {
	name, ok := stateName[s]
	if !ok {
		return fmt.Sprintf("UNKNOWN_STATE_%d", uint8(s))
	}
	return name
}

// IsTimeWait reports whether the entry is a time-wait record, which only
// needs deregistration, as opposed to a live socket that has to be aborted.
func (s TCPState) IsTimeWait() bool { return s == StateTimeWait }

// mask returns the inet_diag state bit for s.
func (s TCPState) mask() uint32 { return 1 << uint32(s) }
