package ap3216

import "fmt"

// I2C register access. Every register is a single byte; multi-byte values are
// split across consecutive registers and written one byte at a time.

// One write transaction: register address, then value.
func (a *AP3216) writeRegister(reg, val byte) error {
	a.buf[0] = reg
	a.buf[1] = val
	if err := a.bus.Tx(AP3216_ADDR, a.buf[:2], nil); err != nil {
		return fmt.Errorf("ap3216: write 0x%02X to register 0x%02X: %w", val, reg, err)
	}
	l.Debugf("Wrote 0x%02X to register 0x%02X", val, reg)
	return nil
}

// Two transactions: select the register, then read one byte. No repeated start.
func (a *AP3216) readRegister(reg byte) (byte, error) {
	a.buf[0] = reg
	if err := a.bus.Tx(AP3216_ADDR, a.buf[:1], nil); err != nil {
		return 0, fmt.Errorf("ap3216: select register 0x%02X: %w", reg, err)
	}
	if err := a.bus.Tx(AP3216_ADDR, nil, a.buf[1:2]); err != nil {
		return 0, fmt.Errorf("ap3216: read register 0x%02X: %w", reg, err)
	}
	return a.buf[1], nil
}

// updateField is the read-modify-write helper for registers shared by several fields.
// value must already be shifted into position; bits outside mask are dropped.
func (a *AP3216) updateField(reg, mask, value byte) error {
	current, err := a.readRegister(reg)
	if err != nil {
		return err
	}
	return a.writeRegister(reg, (current&^mask)|(value&mask))
}

// Low byte first, then high byte.
func (a *AP3216) writeWord(lowReg, highReg byte, value uint16) error {
	if err := a.writeRegister(lowReg, byte(value)); err != nil {
		return err
	}
	return a.writeRegister(highReg, byte(value>>8))
}
