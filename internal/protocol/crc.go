package protocol

import "github.com/sigurn/crc16"

// MAVLink's X.25 checksum is CRC-16/MCRF4XX.
var x25Table = crc16.MakeTable(crc16.CRC16_MCRF4XX)

// CRC accumulates the MAVLink X.25 checksum.
type CRC struct {
	state uint16
}

func NewCRC() *CRC {
	return &CRC{state: crc16.Init(x25Table)}
}

func (c *CRC) Accumulate(p []byte) {
	c.state = crc16.Update(c.state, p, x25Table)
}

func (c *CRC) AccumulateString(s string) {
	c.Accumulate([]byte(s))
}

func (c *CRC) AccumulateByte(b byte) {
	c.Accumulate([]byte{b})
}

// CRC16 returns the finished checksum without resetting the accumulator.
func (c *CRC) CRC16() uint16 {
	return crc16.Complete(c.state, x25Table)
}

// CRC8 folds the checksum into one byte, the form used for crc_extra.
func (c *CRC) CRC8() uint8 {
	v := c.CRC16()
	return uint8(v&0xFF) ^ uint8(v>>8)
}
